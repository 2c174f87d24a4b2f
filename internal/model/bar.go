package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Bar is one OHLCV sample of an instrument at a fixed timeframe.
// TF is the timeframe in seconds (e.g. 60 = 1 minute). A forming bar may be
// delivered several times with the same Time while its period is open.
type Bar struct {
	Symbol  string    `json:"symbol"`
	TF      int       `json:"tf"`
	Time    time.Time `json:"time"` // bar open time (UTC)
	Open    float64   `json:"open"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	Volume  float64   `json:"volume"`
	Forming bool      `json:"forming"` // true while the bar can still be revised
}

// Key returns the instrument key "symbol:tf".
func (b *Bar) Key() string {
	return InstrumentKey(b.Symbol, b.TF)
}

// StreamKey returns the Redis stream key: "bar:{TF}s:{symbol}".
func (b *Bar) StreamKey() string {
	return BarStreamKey(b.Symbol, b.TF)
}

// PricesFinite reports whether all four prices are finite numbers.
func (b *Bar) PricesFinite() bool {
	return isFinite(b.Open) && isFinite(b.High) && isFinite(b.Low) && isFinite(b.Close)
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// InstrumentKey builds "symbol:tf".
func InstrumentKey(symbol string, tf int) string {
	return symbol + ":" + Itoa(tf)
}

// BarStreamKey returns the Redis stream carrying bars for an instrument.
func BarStreamKey(symbol string, tf int) string {
	return "bar:" + Itoa(tf) + "s:" + symbol
}

// ParseInstrumentKey splits "symbol:tf" into its parts. The timeframe is the
// text after the last colon so symbols containing colons survive.
func ParseInstrumentKey(key string) (symbol string, tf int, err error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", 0, errors.Errorf("invalid instrument key %q: want SYMBOL:TF", key)
	}
	tf, err = strconv.Atoi(key[i+1:])
	if err != nil || tf <= 0 {
		return "", 0, errors.Errorf("invalid timeframe in instrument key %q", key)
	}
	return key[:i], tf, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
