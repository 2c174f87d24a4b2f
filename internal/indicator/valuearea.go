package indicator

import (
	"encoding/json"
	"math"
)

// ValueArea is the point of control and the value-area bounds of a profile.
type ValueArea struct {
	POC float64 `json:"poc"`
	VAL float64 `json:"val"`
	VAH float64 `json:"vah"`
}

// NaNValueArea is the result for an empty profile.
func NaNValueArea() ValueArea {
	nan := math.NaN()
	return ValueArea{POC: nan, VAL: nan, VAH: nan}
}

// Valid reports whether the value area came from a non-empty profile.
func (v ValueArea) Valid() bool { return !math.IsNaN(v.POC) }

// CalculateValueArea finds the POC of p (highest volume, lowest price on
// ties) and grows a window of rows outward from it, one neighbour at a time,
// until it holds pct% of the total volume. The larger neighbour is taken
// first; equal neighbours expand upward. Expansion stops early when both
// sides are exhausted or both neighbours are empty.
func CalculateValueArea(p *PriceProfile, pct float64) ValueArea {
	levels := p.Levels()
	if len(levels) == 0 {
		return NaNValueArea()
	}

	poc := 0
	var total float64
	for i, lv := range levels {
		total += lv.Volume
		if lv.Volume > levels[poc].Volume {
			poc = i
		}
	}

	target := total * pct / 100
	lo, hi := poc, poc
	acc := levels[poc].Volume
	for acc < target {
		canUp := hi+1 < len(levels)
		canDown := lo > 0
		if !canUp && !canDown {
			break
		}
		var up, down float64
		if canUp {
			up = levels[hi+1].Volume
		}
		if canDown {
			down = levels[lo-1].Volume
		}
		if up == 0 && down == 0 {
			break
		}
		if canUp && (!canDown || up >= down) {
			hi++
			acc += up
		} else {
			lo--
			acc += down
		}
	}

	return ValueArea{POC: levels[poc].Price, VAL: levels[lo].Price, VAH: levels[hi].Price}
}

// Contains returns the volume of p inside [val, vah].
func (v ValueArea) Contains(p *PriceProfile) float64 {
	var sum float64
	for _, lv := range p.Levels() {
		if lv.Price >= v.VAL && lv.Price <= v.VAH {
			sum += lv.Volume
		}
	}
	return sum
}

type valueAreaJSON struct {
	POC *float64 `json:"poc"`
	VAL *float64 `json:"val"`
	VAH *float64 `json:"vah"`
}

// MarshalJSON encodes an empty value area as nulls.
func (v ValueArea) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueAreaJSON{POC: finiteOrNil(v.POC), VAL: finiteOrNil(v.VAL), VAH: finiteOrNil(v.VAH)})
}

// UnmarshalJSON decodes nulls back to NaN.
func (v *ValueArea) UnmarshalJSON(data []byte) error {
	var raw valueAreaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ValueArea{POC: nilToNaN(raw.POC), VAL: nilToNaN(raw.VAL), VAH: nilToNaN(raw.VAH)}
	return nil
}

func finiteOrNil(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func nilToNaN(f *float64) float64 {
	if f == nil {
		return math.NaN()
	}
	return *f
}
