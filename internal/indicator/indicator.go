// Package indicator provides the streaming computations behind the chart
// overlays: a moving-average bank with sixteen interchangeable algorithms,
// Wilder ATR, the adaptive ATR trailing stop, and the session/week/month
// volume profile with point-of-control and value-area statistics.
//
// Every indicator is fed one bar at a time and keeps only the bounded state
// its formula needs. Instances are not safe for concurrent use; each chart
// overlay owns its own.
package indicator

// Sample is the per-bar input handed to a MovingAverage: the selected source
// price, the bar volume and the bar's typical price (H+L+C)/3.
type Sample struct {
	Price   float64
	Volume  float64
	Typical float64
}

// MovingAverage is one stateful averaging algorithm.
type MovingAverage interface {
	// Update feeds the next sample and returns the current average. During
	// warm-up it returns the best approximation available from the samples
	// seen so far, never an error.
	Update(s Sample) float64

	// Clone returns an independent deep copy of the algorithm state.
	Clone() MovingAverage
}
