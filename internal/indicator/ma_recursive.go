package indicator

import "math"

// Recursive averages: O(1) state plus, where the formula needs look-back,
// a small ring.

// ema seeds with the first price, then value = α·src + (1−α)·prev.
type ema struct {
	alpha  float64
	value  float64
	seeded bool
}

func newEMA(length int) *ema {
	return &ema{alpha: 2.0 / float64(length+1)}
}

func (e *ema) next(price float64) float64 {
	if !e.seeded {
		e.value = price
		e.seeded = true
		return e.value
	}
	e.value = e.alpha*price + (1-e.alpha)*e.value
	return e.value
}

func (e *ema) Update(in Sample) float64 { return e.next(in.Price) }

func (e *ema) Clone() MovingAverage {
	cp := *e
	return &cp
}

// tema is 3·EMA1 − 3·EMA2 + EMA3 with EMA2 smoothing EMA1 and EMA3 smoothing
// EMA2, all with the same α.
type tema struct {
	e1, e2, e3 ema
}

func newTEMA(length int) *tema {
	return &tema{e1: *newEMA(length), e2: *newEMA(length), e3: *newEMA(length)}
}

func (t *tema) Update(in Sample) float64 {
	a := t.e1.next(in.Price)
	b := t.e2.next(a)
	c := t.e3.next(b)
	return 3*a - 3*b + c
}

func (t *tema) Clone() MovingAverage {
	cp := *t
	return &cp
}

// smoothed is Wilder's smoothing, shared by WWSMA and SMMA: the simple mean
// until `length` samples have been seen, then (prev·(n−1)+src)/n.
type smoothed struct {
	length int
	count  int
	sum    float64
	value  float64
}

func newSmoothed(length int) *smoothed {
	return &smoothed{length: length}
}

func (s *smoothed) Update(in Sample) float64 {
	if s.count < s.length {
		s.count++
		s.sum += in.Price
		s.value = s.sum / float64(s.count)
		return s.value
	}
	n := float64(s.length)
	s.value = (s.value*(n-1) + in.Price) / n
	return s.value
}

func (s *smoothed) Clone() MovingAverage {
	cp := *s
	return &cp
}

// zlema removes lag from the input, src + (src − src[lag]) with
// lag = ⌊(n−1)/2⌋, then EMA-smooths it. Before lag bars exist the oldest
// available price stands in for src[lag].
type zlema struct {
	hist *ring
	ema  ema
}

func newZLEMA(length int) *zlema {
	lag := (length - 1) / 2
	return &zlema{hist: newRing(lag + 1), ema: *newEMA(length)}
}

func (z *zlema) Update(in Sample) float64 {
	z.hist.Push(in.Price)
	lagged := z.hist.At(0)
	return z.ema.next(in.Price + (in.Price - lagged))
}

func (z *zlema) Clone() MovingAverage {
	return &zlema{hist: z.hist.clone(), ema: z.ema}
}

const (
	kamaFast = 2.0 / 3.0
	kamaSlow = 2.0 / 31.0
)

// kama is Kaufman's adaptive average. Adaptation starts once length+1 prices
// are held; until then it follows the price. Zero volatility means er = 0.
type kama struct {
	win   *ring
	value float64
}

func newKAMA(length int) *kama {
	return &kama{win: newRing(length + 1)}
}

func (k *kama) Update(in Sample) float64 {
	k.win.Push(in.Price)
	if !k.win.Full() {
		k.value = in.Price
		return k.value
	}
	change := math.Abs(in.Price - k.win.At(0))
	var volatility float64
	for i := 1; i < k.win.Len(); i++ {
		volatility += math.Abs(k.win.At(i) - k.win.At(i-1))
	}
	er := 0.0
	if volatility != 0 {
		er = change / volatility
	}
	sc := er*(kamaFast-kamaSlow) + kamaSlow
	sc *= sc
	k.value += sc * (in.Price - k.value)
	return k.value
}

func (k *kama) Clone() MovingAverage {
	return &kama{win: k.win.clone(), value: k.value}
}

// vidya scales the EMA factor by the Chande momentum magnitude over the last
// length price changes. A window without movement has CMO = 0.
type vidya struct {
	alpha  float64
	win    *ring
	value  float64
	seeded bool
}

func newVIDYA(length int) *vidya {
	return &vidya{alpha: 2.0 / float64(length+1), win: newRing(length + 1)}
}

func (v *vidya) Update(in Sample) float64 {
	v.win.Push(in.Price)
	if !v.seeded {
		v.value = in.Price
		v.seeded = true
		return v.value
	}
	var up, down float64
	for i := 1; i < v.win.Len(); i++ {
		d := v.win.At(i) - v.win.At(i-1)
		if d > 0 {
			up += d
		} else {
			down -= d
		}
	}
	cmo := 0.0
	if up+down != 0 {
		cmo = math.Abs(up-down) / (up + down)
	}
	a := v.alpha * cmo
	v.value = a*in.Price + (1-a)*v.value
	return v.value
}

func (v *vidya) Clone() MovingAverage {
	return &vidya{alpha: v.alpha, win: v.win.clone(), value: v.value, seeded: v.seeded}
}

// mcginley is prev + (src−prev)/(n·(src/prev)^4), seeded with the first
// price. A zero or non-finite divisor holds the previous value.
type mcginley struct {
	length float64
	value  float64
	seeded bool
}

func newMcGinley(length int) *mcginley {
	return &mcginley{length: float64(length)}
}

func (m *mcginley) Update(in Sample) float64 {
	if !m.seeded || m.value == 0 {
		m.value = in.Price
		m.seeded = true
		return m.value
	}
	ratio := in.Price / m.value
	div := m.length * ratio * ratio * ratio * ratio
	if div == 0 || math.IsNaN(div) || math.IsInf(div, 0) {
		return m.value
	}
	m.value += (in.Price - m.value) / div
	return m.value
}

func (m *mcginley) Clone() MovingAverage {
	cp := *m
	return &cp
}
