package indicator

import (
	"strings"

	"github.com/pkg/errors"

	"overlay-systemv1/internal/model"
)

// Source selects which price of a bar feeds the moving average.
type Source int

const (
	SourceOpen Source = iota
	SourceHigh
	SourceLow
	SourceClose
	SourceHL2
	SourceHLC3
	SourceOHLC4
)

var sourceNames = [...]string{"open", "high", "low", "close", "hl2", "hlc3", "ohlc4"}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

// ParseSource maps a case-insensitive source name to a Source.
func ParseSource(name string) (Source, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, sn := range sourceNames {
		if sn == n {
			return Source(i), nil
		}
	}
	return 0, errors.Errorf("unknown source %q", name)
}

// Select returns the bar price this source refers to.
func (s Source) Select(b model.Bar) float64 {
	switch s {
	case SourceOpen:
		return b.Open
	case SourceHigh:
		return b.High
	case SourceLow:
		return b.Low
	case SourceHL2:
		return (b.High + b.Low) / 2
	case SourceHLC3:
		return typicalPrice(b)
	case SourceOHLC4:
		return (b.Open + b.High + b.Low + b.Close) / 4
	default:
		return b.Close
	}
}

func typicalPrice(b model.Bar) float64 {
	return (b.High + b.Low + b.Close) / 3
}
