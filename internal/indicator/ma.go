package indicator

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"overlay-systemv1/internal/model"
)

// MAType enumerates the moving-average algorithms available to the trail.
type MAType int

const (
	MASMA MAType = iota
	MAEMA
	MAWMA
	MAVWMA
	MAHMA
	MAVWAP
	MAALMA
	MATEMA
	MAWWSMA
	MAZLEMA
	MALSMA
	MAKAMA
	MAVIDYA
	MASMMA
	MAMcGinley
	MASWMA
)

var maNames = [...]string{
	MASMA:      "SMA",
	MAEMA:      "EMA",
	MAWMA:      "WMA",
	MAVWMA:     "VWMA",
	MAHMA:      "HMA",
	MAVWAP:     "VWAP",
	MAALMA:     "ALMA",
	MATEMA:     "TEMA",
	MAWWSMA:    "WWSMA",
	MAZLEMA:    "ZLEMA",
	MALSMA:     "LSMA",
	MAKAMA:     "KAMA",
	MAVIDYA:    "VIDYA",
	MASMMA:     "SMMA",
	MAMcGinley: "McGinley",
	MASWMA:     "SWMA",
}

// maAliases holds alternative spellings accepted by ParseMAType.
var maAliases = map[string]MAType{
	"LWMA":             MAWMA,
	"HULL":             MAHMA,
	"MCGINLEY DYNAMIC": MAMcGinley,
	"MCGINLEYDYNAMIC":  MAMcGinley,
	"MCGINLEY_DYNAMIC": MAMcGinley,
}

// MATypes lists every supported algorithm in declaration order.
func MATypes() []MAType {
	out := make([]MAType, len(maNames))
	for i := range maNames {
		out[i] = MAType(i)
	}
	return out
}

func (t MAType) String() string {
	if t < 0 || int(t) >= len(maNames) {
		return "unknown"
	}
	return maNames[t]
}

// ParseMAType maps a case-insensitive algorithm name to an MAType.
func ParseMAType(name string) (MAType, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, mn := range maNames {
		if strings.ToUpper(mn) == n {
			return MAType(i), nil
		}
	}
	if t, ok := maAliases[n]; ok {
		return t, nil
	}
	return 0, errors.Errorf("unknown moving average type %q", name)
}

// NewMovingAverage constructs a fresh algorithm instance.
func NewMovingAverage(t MAType, length int) (MovingAverage, error) {
	if length < 1 {
		return nil, errors.Errorf("%s: length must be >= 1, got %d", t, length)
	}
	switch t {
	case MASMA:
		return newSMA(length), nil
	case MAEMA:
		return newEMA(length), nil
	case MAWMA:
		return newWMA(length), nil
	case MAVWMA:
		return newVWMA(length, false), nil
	case MAHMA:
		return newHMA(length), nil
	case MAVWAP:
		return newVWMA(length, true), nil
	case MAALMA:
		return newALMA(length), nil
	case MATEMA:
		return newTEMA(length), nil
	case MAWWSMA, MASMMA:
		return newSmoothed(length), nil
	case MAZLEMA:
		return newZLEMA(length), nil
	case MALSMA:
		return newLSMA(length), nil
	case MAKAMA:
		return newKAMA(length), nil
	case MAVIDYA:
		return newVIDYA(length), nil
	case MAMcGinley:
		return newMcGinley(length), nil
	case MASWMA:
		return newSWMA(), nil
	}
	return nil, errors.Errorf("unknown moving average type %d", int(t))
}

// MovingAverageBank pairs one configured algorithm with its source selector.
// It is the Trail1 producer of the adaptive trail.
type MovingAverageBank struct {
	typ    MAType
	length int
	source Source
	ma     MovingAverage
}

// NewMovingAverageBank configures algorithm, length and source.
func NewMovingAverageBank(t MAType, length int, source Source) (*MovingAverageBank, error) {
	if source < SourceOpen || source > SourceOHLC4 {
		return nil, errors.Errorf("unknown source %d", int(source))
	}
	ma, err := NewMovingAverage(t, length)
	if err != nil {
		return nil, err
	}
	return &MovingAverageBank{typ: t, length: length, source: source, ma: ma}, nil
}

// Name returns e.g. "EMA_10".
func (b *MovingAverageBank) Name() string {
	return b.typ.String() + "_" + model.Itoa(b.length)
}

// Update selects the source price of bar and feeds it to the algorithm.
// A non-finite volume counts as zero.
func (b *MovingAverageBank) Update(bar model.Bar) float64 {
	vol := bar.Volume
	if math.IsNaN(vol) || math.IsInf(vol, 0) {
		vol = 0
	}
	return b.ma.Update(Sample{
		Price:   b.source.Select(bar),
		Volume:  vol,
		Typical: typicalPrice(bar),
	})
}

// Clone returns an independent copy of the bank and its algorithm state.
func (b *MovingAverageBank) Clone() *MovingAverageBank {
	cp := *b
	cp.ma = b.ma.Clone()
	return &cp
}
