package indicator

import "math"

// Windowed averages. Each keeps a ring of the last `length` inputs and, until
// the ring fills, averages whatever it holds.

// sma is the arithmetic mean with a running sum.
type sma struct {
	win *ring
	sum float64
}

func newSMA(length int) *sma {
	return &sma{win: newRing(length)}
}

func (s *sma) Update(in Sample) float64 {
	if old, ok := s.win.Push(in.Price); ok {
		s.sum -= old
	}
	s.sum += in.Price
	return s.sum / float64(s.win.Len())
}

func (s *sma) Clone() MovingAverage {
	return &sma{win: s.win.clone(), sum: s.sum}
}

// wma weights the held values 1..n, oldest to newest.
type wma struct {
	win *ring
}

func newWMA(length int) *wma {
	return &wma{win: newRing(length)}
}

func (w *wma) Update(in Sample) float64 {
	w.win.Push(in.Price)
	return weightedMean(w.win)
}

func (w *wma) Clone() MovingAverage {
	return &wma{win: w.win.clone()}
}

func weightedMean(r *ring) float64 {
	var num, den float64
	for i := 0; i < r.Len(); i++ {
		wt := float64(i + 1)
		num += r.At(i) * wt
		den += wt
	}
	return num / den
}

// vwma is the volume-weighted mean of the window. With typical set it
// averages (H+L+C)/3 instead of the selected source, which is the rolling
// VWAP variant. A window with zero total volume returns the latest price.
type vwma struct {
	prices  *ring
	volumes *ring
	typical bool
}

func newVWMA(length int, typical bool) *vwma {
	return &vwma{prices: newRing(length), volumes: newRing(length), typical: typical}
}

func (v *vwma) Update(in Sample) float64 {
	p := in.Price
	if v.typical {
		p = in.Typical
	}
	v.prices.Push(p)
	v.volumes.Push(in.Volume)

	var pv, vol float64
	for i := 0; i < v.prices.Len(); i++ {
		pv += v.prices.At(i) * v.volumes.At(i)
		vol += v.volumes.At(i)
	}
	if vol == 0 {
		return p
	}
	return pv / vol
}

func (v *vwma) Clone() MovingAverage {
	return &vwma{prices: v.prices.clone(), volumes: v.volumes.clone(), typical: v.typical}
}

// hma is the Hull average: WMA(sqrt n) over 2*WMA(n/2) - WMA(n).
type hma struct {
	half *ring
	full *ring
	diff *ring
}

func newHMA(length int) *hma {
	half := length / 2
	if half < 1 {
		half = 1
	}
	sq := int(math.Floor(math.Sqrt(float64(length))))
	if sq < 1 {
		sq = 1
	}
	return &hma{half: newRing(half), full: newRing(length), diff: newRing(sq)}
}

func (h *hma) Update(in Sample) float64 {
	h.half.Push(in.Price)
	h.full.Push(in.Price)
	h.diff.Push(2*weightedMean(h.half) - weightedMean(h.full))
	return weightedMean(h.diff)
}

func (h *hma) Clone() MovingAverage {
	return &hma{half: h.half.clone(), full: h.full.clone(), diff: h.diff.clone()}
}

const (
	almaOffset       = 0.85
	almaSigmaDivisor = 6.0
)

// alma is the Arnaud Legoux average: a Gaussian bell centred at
// offset*(n-1), width n/6, applied oldest (i=0) to newest.
type alma struct {
	win *ring
}

func newALMA(length int) *alma {
	return &alma{win: newRing(length)}
}

func (a *alma) Update(in Sample) float64 {
	a.win.Push(in.Price)
	n := a.win.Len()
	m := almaOffset * float64(n-1)
	s := float64(n) / almaSigmaDivisor

	var sum, norm float64
	for i := 0; i < n; i++ {
		d := float64(i) - m
		wt := math.Exp(-(d * d) / (2 * s * s))
		sum += a.win.At(i) * wt
		norm += wt
	}
	return sum / norm
}

func (a *alma) Clone() MovingAverage {
	return &alma{win: a.win.clone()}
}

// lsma is the least-squares line through the window evaluated at the newest
// index.
type lsma struct {
	win *ring
}

func newLSMA(length int) *lsma {
	return &lsma{win: newRing(length)}
}

func (l *lsma) Update(in Sample) float64 {
	l.win.Push(in.Price)
	n := l.win.Len()
	if n == 1 {
		return in.Price
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		x := float64(i)
		y := l.win.At(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	cnt := float64(n)
	den := cnt*sumXX - sumX*sumX
	if den == 0 {
		return in.Price
	}
	slope := (cnt*sumXY - sumX*sumY) / den
	intercept := (sumY - slope*sumX) / cnt
	return intercept + slope*float64(n-1)
}

func (l *lsma) Clone() MovingAverage {
	return &lsma{win: l.win.clone()}
}

// swma is the fixed 4-tap symmetric average [1,2,2,1]/6. It passes the raw
// price through until four samples have been seen.
type swma struct {
	win *ring
}

func newSWMA() *swma {
	return &swma{win: newRing(4)}
}

func (s *swma) Update(in Sample) float64 {
	s.win.Push(in.Price)
	if !s.win.Full() {
		return in.Price
	}
	return (s.win.At(0) + 2*s.win.At(1) + 2*s.win.At(2) + s.win.At(3)) / 6
}

func (s *swma) Clone() MovingAverage {
	return &swma{win: s.win.clone()}
}
