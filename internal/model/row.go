package model

import (
	"encoding/json"
	"math"
	"time"
)

// TrailRow is the per-bar output of the adaptive trail overlay.
// Trail1Green / Trail1Red carry Trail1 on exactly one side and NaN on the
// other; the chart uses them for the two-colour fill only.
type TrailRow struct {
	Trail1      float64
	Trail2      float64
	Trail1Green float64
	Trail1Red   float64
}

// ProfileRow is the per-bar output of the volume profile overlay.
// VALDup / VAHDup repeat VAL / VAH so the host can fill between two plots.
type ProfileRow struct {
	POC    float64
	VAL    float64
	VAH    float64
	VALDup float64
	VAHDup float64
}

// NaNTrailRow returns a row with every series unset.
func NaNTrailRow() TrailRow {
	nan := math.NaN()
	return TrailRow{Trail1: nan, Trail2: nan, Trail1Green: nan, Trail1Red: nan}
}

// NaNProfileRow returns a row with every series unset.
func NaNProfileRow() ProfileRow {
	nan := math.NaN()
	return ProfileRow{POC: nan, VAL: nan, VAH: nan, VALDup: nan, VAHDup: nan}
}

// OverlayRow bundles both overlays' output for one bar of one instrument.
type OverlayRow struct {
	Symbol  string     `json:"symbol"`
	TF      int        `json:"tf"`
	Time    time.Time  `json:"time"`
	Trail   TrailRow   `json:"trail"`
	Profile ProfileRow `json:"profile"`
	Live    bool       `json:"live"` // true when produced from a forming bar
}

// Key returns "symbol:tf".
func (r *OverlayRow) Key() string {
	return InstrumentKey(r.Symbol, r.TF)
}

// StreamKey returns the Redis stream key: "overlay:{TF}s:{symbol}".
func (r *OverlayRow) StreamKey() string {
	return "overlay:" + Itoa(r.TF) + "s:" + r.Symbol
}

// LatestKey returns the Redis key holding the most recent row.
func (r *OverlayRow) LatestKey() string {
	return "overlay:" + Itoa(r.TF) + "s:latest:" + r.Symbol
}

// PubSubChannel returns "pub:overlay:{TF}s:{symbol}". The WebSocket gateway
// uses the same name as its broadcast channel.
func (r *OverlayRow) PubSubChannel() string {
	return OverlayChannel(r.Symbol, r.TF)
}

// OverlayChannel returns the channel name for an instrument's overlay rows.
func OverlayChannel(symbol string, tf int) string {
	return "pub:overlay:" + Itoa(tf) + "s:" + symbol
}

// JSON returns the JSON-encoded row.
func (r *OverlayRow) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// NaN is not representable in JSON; unset series travel as null.

type trailRowJSON struct {
	Trail1      *float64 `json:"trail1"`
	Trail2      *float64 `json:"trail2"`
	Trail1Green *float64 `json:"trail1_green"`
	Trail1Red   *float64 `json:"trail1_red"`
}

// MarshalJSON encodes NaN series as null.
func (t TrailRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(trailRowJSON{
		Trail1:      nullable(t.Trail1),
		Trail2:      nullable(t.Trail2),
		Trail1Green: nullable(t.Trail1Green),
		Trail1Red:   nullable(t.Trail1Red),
	})
}

// UnmarshalJSON decodes null series back to NaN.
func (t *TrailRow) UnmarshalJSON(data []byte) error {
	var raw trailRowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Trail1 = orNaN(raw.Trail1)
	t.Trail2 = orNaN(raw.Trail2)
	t.Trail1Green = orNaN(raw.Trail1Green)
	t.Trail1Red = orNaN(raw.Trail1Red)
	return nil
}

type profileRowJSON struct {
	POC    *float64 `json:"poc"`
	VAL    *float64 `json:"val"`
	VAH    *float64 `json:"vah"`
	VALDup *float64 `json:"val_dup"`
	VAHDup *float64 `json:"vah_dup"`
}

// MarshalJSON encodes NaN series as null.
func (p ProfileRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(profileRowJSON{
		POC:    nullable(p.POC),
		VAL:    nullable(p.VAL),
		VAH:    nullable(p.VAH),
		VALDup: nullable(p.VALDup),
		VAHDup: nullable(p.VAHDup),
	})
}

// UnmarshalJSON decodes null series back to NaN.
func (p *ProfileRow) UnmarshalJSON(data []byte) error {
	var raw profileRowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.POC = orNaN(raw.POC)
	p.VAL = orNaN(raw.VAL)
	p.VAH = orNaN(raw.VAH)
	p.VALDup = orNaN(raw.VALDup)
	p.VAHDup = orNaN(raw.VAHDup)
	return nil
}

func nullable(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
