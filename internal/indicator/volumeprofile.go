package indicator

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"overlay-systemv1/internal/model"
)

// MaxFinalizedPeriods bounds how many frozen periods a VolumeProfile keeps.
const MaxFinalizedPeriods = 512

// PeriodSummary is a frozen profile of one closed period.
type PeriodSummary struct {
	ID          string    `json:"id"`
	Start       time.Time `json:"start"`
	LastBar     time.Time `json:"last_bar"`
	Bars        int       `json:"bars"`
	TotalVolume float64   `json:"total_volume"`
	ValueArea   ValueArea `json:"value_area"`
	Levels      []Level   `json:"levels"`
}

type pendingBar struct {
	time      time.Time
	low, high float64
	volume    float64
}

// VolumeProfile accumulates volume by price over a Session, Week or Month
// and reports POC/VAL/VAH for every bar.
//
// The most recent bar is held as pending and only folded into the committed
// profile once a bar with a later timestamp arrives, so a forming bar can be
// revised any number of times. Each row is computed over committed plus
// pending; that combined profile is rebuilt per bar and never stored.
type VolumeProfile struct {
	cfg ProfileConfig

	committed   *PriceProfile
	bars        int // bars folded into committed
	pending     pendingBar
	hasPending  bool
	periodID    string
	periodStart time.Time
	started     bool

	finalized []PeriodSummary
	lastRow   model.ProfileRow
	hasRow    bool
}

// NewVolumeProfile validates cfg and builds an empty profile.
func NewVolumeProfile(cfg ProfileConfig) (*VolumeProfile, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "profile config")
	}
	return &VolumeProfile{
		cfg:       cfg,
		committed: NewPriceProfile(cfg.RowSize),
		lastRow:   model.NaNProfileRow(),
	}, nil
}

// Config returns the profile parameters.
func (v *VolumeProfile) Config() ProfileConfig { return v.cfg }

// ValidProfileBar reports whether the volume profile accepts bar: finite
// high, low and volume, and volume above zero.
func ValidProfileBar(bar model.Bar) bool {
	for _, f := range []float64{bar.High, bar.Low, bar.Volume} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return bar.Volume > 0
}

// Update feeds a bar and returns (poc, val, vah, val_dup, vah_dup) for the
// current period including the bar. Invalid bars leave state untouched and
// re-emit the previous row.
func (v *VolumeProfile) Update(bar model.Bar) model.ProfileRow {
	if !ValidProfileBar(bar) {
		return v.fallbackRow()
	}

	id := v.cfg.Period.ID(bar.Time)
	switch {
	case !v.started:
		v.periodID = id
		v.periodStart = v.cfg.Period.Start(bar.Time)
		v.started = true
	case id != v.periodID:
		v.commitPending()
		v.finalize()
		v.periodID = id
		v.periodStart = v.cfg.Period.Start(bar.Time)
	case v.hasPending && !bar.Time.Equal(v.pending.time):
		v.commitPending()
	}

	v.pending = pendingBar{time: bar.Time, low: bar.Low, high: bar.High, volume: bar.Volume}
	v.hasPending = true

	v.lastRow = profileRow(CalculateValueArea(v.display(), float64(v.cfg.ValueAreaPct)))
	v.hasRow = true
	return v.lastRow
}

// Peek returns the row Update would produce for bar without changing state.
func (v *VolumeProfile) Peek(bar model.Bar) model.ProfileRow {
	if !ValidProfileBar(bar) {
		return v.fallbackRow()
	}
	var base *PriceProfile
	switch {
	case v.started && v.cfg.Period.ID(bar.Time) != v.periodID:
		base = NewPriceProfile(v.cfg.RowSize)
	default:
		base = v.committed.Clone()
		if v.hasPending && !bar.Time.Equal(v.pending.time) {
			base.AddBar(v.pending.low, v.pending.high, v.pending.volume)
		}
	}
	base.AddBar(bar.Low, bar.High, bar.Volume)
	return profileRow(CalculateValueArea(base, float64(v.cfg.ValueAreaPct)))
}

// Flush commits the pending bar and finalizes the open period, as at the
// end of a history replay. It reports false when nothing was open.
func (v *VolumeProfile) Flush() (PeriodSummary, bool) {
	if !v.started {
		return PeriodSummary{}, false
	}
	v.commitPending()
	if v.committed.Len() == 0 {
		return PeriodSummary{}, false
	}
	v.finalize()
	v.started = false
	v.periodID = ""
	return v.finalized[len(v.finalized)-1], true
}

// Committed returns a copy of the profile of the committed bars of the open
// period.
func (v *VolumeProfile) Committed() *PriceProfile { return v.committed.Clone() }

// Display returns committed plus the pending bar as a new profile.
func (v *VolumeProfile) Display() *PriceProfile { return v.display() }

// CommittedValueArea returns the value area of Committed.
func (v *VolumeProfile) CommittedValueArea() ValueArea {
	return CalculateValueArea(v.committed, float64(v.cfg.ValueAreaPct))
}

// DisplayValueArea returns the value area of Display.
func (v *VolumeProfile) DisplayValueArea() ValueArea {
	return CalculateValueArea(v.display(), float64(v.cfg.ValueAreaPct))
}

// Finalized returns the frozen periods, oldest first.
func (v *VolumeProfile) Finalized() []PeriodSummary {
	out := make([]PeriodSummary, len(v.finalized))
	copy(out, v.finalized)
	return out
}

// PeriodID returns the identifier of the open period, or "" before the
// first valid bar.
func (v *VolumeProfile) PeriodID() string { return v.periodID }

// Last returns the most recent row.
func (v *VolumeProfile) Last() model.ProfileRow { return v.lastRow }

func (v *VolumeProfile) display() *PriceProfile {
	d := v.committed.Clone()
	if v.hasPending {
		d.AddBar(v.pending.low, v.pending.high, v.pending.volume)
	}
	return d
}

func (v *VolumeProfile) commitPending() {
	if !v.hasPending {
		return
	}
	v.committed.AddBar(v.pending.low, v.pending.high, v.pending.volume)
	v.bars++
	v.hasPending = false
}

// finalize freezes the committed profile into a PeriodSummary and starts an
// empty one.
func (v *VolumeProfile) finalize() {
	s := PeriodSummary{
		ID:          v.periodID,
		Start:       v.periodStart,
		LastBar:     v.pending.time,
		Bars:        v.bars,
		TotalVolume: v.committed.Total(),
		ValueArea:   CalculateValueArea(v.committed, float64(v.cfg.ValueAreaPct)),
		Levels:      v.committed.Levels(),
	}
	if len(v.finalized) == MaxFinalizedPeriods {
		copy(v.finalized, v.finalized[1:])
		v.finalized = v.finalized[:len(v.finalized)-1]
	}
	v.finalized = append(v.finalized, s)

	v.committed.Reset()
	v.bars = 0
	v.hasPending = false
}

// fallbackRow is what an invalid bar gets: the last row, else the stats of
// the last frozen period, else NaN.
func (v *VolumeProfile) fallbackRow() model.ProfileRow {
	if v.hasRow {
		return v.lastRow
	}
	if n := len(v.finalized); n > 0 {
		return profileRow(v.finalized[n-1].ValueArea)
	}
	return model.NaNProfileRow()
}

func profileRow(va ValueArea) model.ProfileRow {
	return model.ProfileRow{POC: va.POC, VAL: va.VAL, VAH: va.VAH, VALDup: va.VAL, VAHDup: va.VAH}
}
