package indicator

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"overlay-systemv1/internal/model"
)

// trailState is everything the trail carries from one bar to the next.
type trailState struct {
	bank       *MovingAverageBank
	atr        ATR
	trail1Prev float64
	trail2Prev float64 // 0 until the first bar
	bars       int
}

func (s trailState) clone() trailState {
	s.bank = s.bank.Clone()
	return s
}

// step applies one bar. Trail2 only ever moves through the four-branch
// hysteresis below; it is never recomputed from scratch.
func (s *trailState) step(bar model.Bar, multiplier float64) model.TrailRow {
	trail1 := s.bank.Update(bar)
	stop := s.atr.Update(bar) * multiplier

	prev1 := s.trail1Prev
	if s.bars == 0 {
		prev1 = trail1
	}
	prev2 := s.trail2Prev

	var trail2 float64
	if trail1 > prev2 {
		if prev1 > prev2 {
			trail2 = math.Max(prev2, trail1-stop)
		} else {
			trail2 = trail1 - stop
		}
	} else {
		if prev1 < prev2 {
			trail2 = math.Min(prev2, trail1+stop)
		} else {
			trail2 = trail1 + stop
		}
	}

	s.trail1Prev = trail1
	s.trail2Prev = trail2
	s.bars++

	row := model.TrailRow{Trail1: trail1, Trail2: trail2, Trail1Green: math.NaN(), Trail1Red: math.NaN()}
	if trail1 > trail2 {
		row.Trail1Green = trail1
	} else {
		row.Trail1Red = trail1
	}
	return row
}

// AdaptiveTrail is the ATR trailing stop driven by a moving average
// ("Trail1") with a hysteresis stop line ("Trail2").
//
// A bar carrying the same timestamp as the previous one revises the forming
// bar: state is rolled back to the checkpoint taken before it and the bar is
// applied again, so N revisions leave the same state as one delivery.
type AdaptiveTrail struct {
	cfg TrailConfig

	cur        trailState
	checkpoint trailState // state before the most recent bar

	lastTime time.Time
	hasLast  bool
	last     model.TrailRow
}

// NewAdaptiveTrail validates cfg and builds the trail.
func NewAdaptiveTrail(cfg TrailConfig) (*AdaptiveTrail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "trail config")
	}
	bank, err := NewMovingAverageBank(cfg.MAType, cfg.MALength, cfg.Source)
	if err != nil {
		return nil, errors.Wrap(err, "trail config")
	}
	return &AdaptiveTrail{
		cfg:  cfg,
		cur:  trailState{bank: bank, atr: *NewATR(cfg.ATRLength)},
		last: model.NaNTrailRow(),
	}, nil
}

// Config returns the trail parameters.
func (t *AdaptiveTrail) Config() TrailConfig { return t.cfg }

// Update feeds a bar and returns (trail1, trail2, trail1_green, trail1_red).
// ValidTrailBar reports whether the adaptive trail accepts bar: all four
// prices finite.
func ValidTrailBar(bar model.Bar) bool { return bar.PricesFinite() }

// Bars with a non-finite price are skipped and the previous row is returned.
func (t *AdaptiveTrail) Update(bar model.Bar) model.TrailRow {
	if !ValidTrailBar(bar) {
		return t.last
	}
	if t.hasLast && bar.Time.Equal(t.lastTime) {
		t.cur = t.checkpoint.clone()
	} else {
		t.checkpoint = t.cur.clone()
	}
	t.last = t.cur.step(bar, t.cfg.ATRMultiplier)
	t.lastTime = bar.Time
	t.hasLast = true
	return t.last
}

// Peek returns the row Update would produce for bar without changing state.
func (t *AdaptiveTrail) Peek(bar model.Bar) model.TrailRow {
	if !ValidTrailBar(bar) {
		return t.last
	}
	var s trailState
	if t.hasLast && bar.Time.Equal(t.lastTime) {
		s = t.checkpoint.clone()
	} else {
		s = t.cur.clone()
	}
	return s.step(bar, t.cfg.ATRMultiplier)
}

// Last returns the most recent row (all NaN before the first bar).
func (t *AdaptiveTrail) Last() model.TrailRow { return t.last }

// Bars returns how many distinct bars have been applied.
func (t *AdaptiveTrail) Bars() int { return t.cur.bars }

// ATR returns the current average true range.
func (t *AdaptiveTrail) ATR() float64 { return t.cur.atr.Value() }
