// Package overlay runs the two chart overlays, the adaptive trail and the
// volume profile, side by side for every attached instrument.
package overlay

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"
)

// Config is the indicator configuration shared by every instrument.
type Config struct {
	Trail   indicator.TrailConfig   `json:"trail"`
	Profile indicator.ProfileConfig `json:"profile"`
}

// DefaultConfig returns the default trail and profile parameters.
func DefaultConfig() Config {
	return Config{Trail: indicator.DefaultTrailConfig(), Profile: indicator.DefaultProfileConfig()}
}

// Validate checks both indicator configurations.
func (c Config) Validate() error {
	if err := c.Trail.Validate(); err != nil {
		return errors.Wrap(err, "trail")
	}
	if err := c.Profile.Validate(); err != nil {
		return errors.Wrap(err, "profile")
	}
	return nil
}

// instrument holds the overlay state of one symbol:tf.
type instrument struct {
	symbol  string
	tf      int
	trail   *indicator.AdaptiveTrail
	profile *indicator.VolumeProfile
	bars    int
	last    time.Time
}

// Stats describes the state of one attached instrument.
type Stats struct {
	Key       string    `json:"key"`
	Bars      int       `json:"bars"`
	LastBar   time.Time `json:"last_bar"`
	PeriodID  string    `json:"period_id"`
	Finalized int       `json:"finalized"`
	ATR       float64   `json:"atr"`
	MovingAvg string    `json:"moving_average"`
	Period    string    `json:"period"`
}

// Engine owns one AdaptiveTrail and one VolumeProfile per instrument key.
// It is designed for single-goroutine access (no locks); the service feeds
// it from one processing loop.
type Engine struct {
	cfg         Config
	instruments map[string]*instrument
}

// NewEngine validates cfg and returns an engine with no instruments.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, instruments: make(map[string]*instrument)}, nil
}

// Config returns the engine's indicator configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) newInstrument(symbol string, tf int) *instrument {
	// cfg was validated in NewEngine so the constructors cannot fail.
	trail, _ := indicator.NewAdaptiveTrail(e.cfg.Trail)
	profile, _ := indicator.NewVolumeProfile(e.cfg.Profile)
	return &instrument{symbol: symbol, tf: tf, trail: trail, profile: profile}
}

// Attach discards any state held for key and rebuilds it by replaying
// history in order. onRow, if non-nil, receives the row of every replayed
// bar. It returns the number of bars replayed.
func (e *Engine) Attach(key string, history []model.Bar, onRow func(model.OverlayRow)) (int, error) {
	symbol, tf, err := model.ParseInstrumentKey(key)
	if err != nil {
		return 0, err
	}
	inst := e.newInstrument(symbol, tf)
	e.instruments[key] = inst

	n := 0
	for i := range history {
		b := history[i]
		if b.Symbol != symbol || b.TF != tf {
			continue
		}
		row := inst.update(b)
		n++
		if onRow != nil {
			onRow(row)
		}
	}
	return n, nil
}

// Detach drops all state for key. It reports whether key was attached.
func (e *Engine) Detach(key string) bool {
	_, ok := e.instruments[key]
	delete(e.instruments, key)
	return ok
}

// Attached reports whether key has state.
func (e *Engine) Attached(key string) bool {
	_, ok := e.instruments[key]
	return ok
}

// Process feeds a bar (new, or a revision of the forming bar) to both
// overlays of its instrument. An unknown instrument is attached with an
// empty history.
func (e *Engine) Process(bar model.Bar) model.OverlayRow {
	key := bar.Key()
	inst, ok := e.instruments[key]
	if !ok {
		inst = e.newInstrument(bar.Symbol, bar.TF)
		e.instruments[key] = inst
	}
	return inst.update(bar)
}

// ProcessPeek computes the row bar would produce without changing any state.
// An unknown instrument is evaluated against fresh indicators.
func (e *Engine) ProcessPeek(bar model.Bar) model.OverlayRow {
	inst, ok := e.instruments[bar.Key()]
	if !ok {
		inst = e.newInstrument(bar.Symbol, bar.TF)
	}
	return model.OverlayRow{
		Symbol:  bar.Symbol,
		TF:      bar.TF,
		Time:    bar.Time,
		Trail:   inst.trail.Peek(bar),
		Profile: inst.profile.Peek(bar),
		Live:    true,
	}
}

// Flush closes the open profile period of key, as at the end of a replayed
// history.
func (e *Engine) Flush(key string) (indicator.PeriodSummary, bool) {
	inst, ok := e.instruments[key]
	if !ok {
		return indicator.PeriodSummary{}, false
	}
	return inst.profile.Flush()
}

// Finalized returns the frozen profile periods of key, oldest first.
func (e *Engine) Finalized(key string) []indicator.PeriodSummary {
	inst, ok := e.instruments[key]
	if !ok {
		return nil
	}
	return inst.profile.Finalized()
}

// Stats returns a description of key's state.
func (e *Engine) Stats(key string) (Stats, bool) {
	inst, ok := e.instruments[key]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Key:       key,
		Bars:      inst.bars,
		LastBar:   inst.last,
		PeriodID:  inst.profile.PeriodID(),
		Finalized: len(inst.profile.Finalized()),
		ATR:       inst.trail.ATR(),
		MovingAvg: e.cfg.Trail.MAType.String() + "_" + model.Itoa(e.cfg.Trail.MALength),
		Period:    e.cfg.Profile.Period.String(),
	}, true
}

// LastBar returns the time of the newest bar applied to key.
func (e *Engine) LastBar(key string) (time.Time, bool) {
	inst, ok := e.instruments[key]
	if !ok || inst.bars == 0 {
		return time.Time{}, false
	}
	return inst.last, true
}

// Keys returns the attached instrument keys in sorted order.
func (e *Engine) Keys() []string {
	keys := make([]string, 0, len(e.instruments))
	for k := range e.instruments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of attached instruments.
func (e *Engine) Len() int { return len(e.instruments) }

// update applies bar to both overlays. A bar neither overlay accepts leaves
// the bar count and last bar time alone.
func (inst *instrument) update(bar model.Bar) model.OverlayRow {
	if indicator.ValidTrailBar(bar) || indicator.ValidProfileBar(bar) {
		if !bar.Time.Equal(inst.last) || inst.bars == 0 {
			inst.bars++
		}
		inst.last = bar.Time
	}
	return model.OverlayRow{
		Symbol:  inst.symbol,
		TF:      inst.tf,
		Time:    bar.Time,
		Trail:   inst.trail.Update(bar),
		Profile: inst.profile.Update(bar),
		Live:    bar.Forming,
	}
}
