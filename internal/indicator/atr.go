package indicator

import (
	"math"

	"overlay-systemv1/internal/model"
)

// ATR is the Average True Range with Wilder's smoothing (RMA).
// The first true range is High−Low and also seeds the average, so the value
// is defined from the first bar on.
type ATR struct {
	period    int
	count     int
	prevClose float64
	current   float64
}

// NewATR creates an ATR over period bars.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{period: period}
}

// TrueRange returns the bar's true range given the previous close; pass NaN
// for the first bar.
func TrueRange(bar model.Bar, prevClose float64) float64 {
	tr := bar.High - bar.Low
	if math.IsNaN(prevClose) {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
}

// Update feeds a bar and returns the new ATR.
func (a *ATR) Update(bar model.Bar) float64 {
	prev := math.NaN()
	if a.count > 0 {
		prev = a.prevClose
	}
	tr := TrueRange(bar, prev)
	if a.count == 0 {
		a.current = tr
	} else {
		p := float64(a.period)
		a.current = (a.current*(p-1) + tr) / p
	}
	a.prevClose = bar.Close
	a.count++
	return a.current
}

func (a *ATR) Value() float64 { return a.current }
