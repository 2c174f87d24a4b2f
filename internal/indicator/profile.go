package indicator

import (
	"math"
	"sort"
)

// Level is one price row of a profile.
type Level struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// PriceProfile maps quantised price rows to accumulated volume. Rows are
// keyed by integer index so that price = index × rowSize exactly and
// float keys never drift.
type PriceProfile struct {
	rowSize float64
	rows    map[int64]float64
	total   float64
}

// NewPriceProfile creates an empty profile with the given row size.
func NewPriceProfile(rowSize float64) *PriceProfile {
	return &PriceProfile{rowSize: rowSize, rows: make(map[int64]float64)}
}

// RowSize returns the price height of one row.
func (p *PriceProfile) RowSize() float64 { return p.rowSize }

// Quantize returns the row price at or below price.
func (p *PriceProfile) Quantize(price float64) float64 {
	return float64(p.index(price)) * p.rowSize
}

func (p *PriceProfile) index(price float64) int64 {
	return int64(math.Floor(price / p.rowSize))
}

// AddBar spreads vol evenly over the rows the bar spans. A bar whose low and
// high quantise to the same row puts everything there; otherwise the number
// of rows is round((high−low)/rowSize)+1 starting at the quantised low.
func (p *PriceProfile) AddBar(low, high, vol float64) {
	if vol <= 0 {
		return
	}
	if high < low {
		low, high = high, low
	}
	start := p.index(low)
	if start == p.index(high) {
		p.rows[start] += vol
		p.total += vol
		return
	}
	steps := int64(math.Round((high-low)/p.rowSize)) + 1
	share := vol / float64(steps)
	for i := int64(0); i < steps; i++ {
		p.rows[start+i] += share
	}
	p.total += vol
}

// Merge adds every row of o into p. Both must share a row size.
func (p *PriceProfile) Merge(o *PriceProfile) {
	for k, v := range o.rows {
		p.rows[k] += v
	}
	p.total += o.total
}

// Volume returns the volume at the row containing price.
func (p *PriceProfile) Volume(price float64) float64 {
	return p.rows[p.index(price)]
}

// Total returns the volume added since the last reset.
func (p *PriceProfile) Total() float64 { return p.total }

// Len returns the number of populated rows.
func (p *PriceProfile) Len() int { return len(p.rows) }

// Reset empties the profile.
func (p *PriceProfile) Reset() {
	p.rows = make(map[int64]float64)
	p.total = 0
}

// Clone returns an independent copy.
func (p *PriceProfile) Clone() *PriceProfile {
	cp := &PriceProfile{rowSize: p.rowSize, rows: make(map[int64]float64, len(p.rows)), total: p.total}
	for k, v := range p.rows {
		cp.rows[k] = v
	}
	return cp
}

// Levels returns the populated rows in ascending price order.
func (p *PriceProfile) Levels() []Level {
	idx := p.sortedIndices()
	out := make([]Level, len(idx))
	for i, k := range idx {
		out[i] = Level{Price: float64(k) * p.rowSize, Volume: p.rows[k]}
	}
	return out
}

func (p *PriceProfile) sortedIndices() []int64 {
	idx := make([]int64, 0, len(p.rows))
	for k := range p.rows {
		idx = append(idx, k)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx
}
