package indicator

import (
	"math"

	"github.com/pkg/errors"
)

// Parameter ranges accepted at configuration time.
const (
	MinLength        = 1
	MaxLength        = 500
	MinATRMultiplier = 0.1
	MaxATRMultiplier = 10.0
	MaxRowSize       = 1000.0
	MinValueAreaPct  = 10
	MaxValueAreaPct  = 100
)

// TrailConfig parameterises an AdaptiveTrail.
type TrailConfig struct {
	ATRLength     int     `json:"atr_length"`
	ATRMultiplier float64 `json:"atr_multiplier"`
	Source        Source  `json:"source"`
	MAType        MAType  `json:"ma_type"`
	MALength      int     `json:"ma_length"`
}

// DefaultTrailConfig returns ATR 14 × 2.0 over EMA(10) of close.
func DefaultTrailConfig() TrailConfig {
	return TrailConfig{
		ATRLength:     14,
		ATRMultiplier: 2.0,
		Source:        SourceClose,
		MAType:        MAEMA,
		MALength:      10,
	}
}

// Validate checks every field against its documented range.
func (c TrailConfig) Validate() error {
	if c.ATRLength < MinLength || c.ATRLength > MaxLength {
		return errors.Errorf("atr length %d out of range [%d,%d]", c.ATRLength, MinLength, MaxLength)
	}
	if math.IsNaN(c.ATRMultiplier) || c.ATRMultiplier < MinATRMultiplier || c.ATRMultiplier > MaxATRMultiplier {
		return errors.Errorf("atr multiplier %v out of range [%v,%v]", c.ATRMultiplier, MinATRMultiplier, MaxATRMultiplier)
	}
	if c.Source < SourceOpen || c.Source > SourceOHLC4 {
		return errors.Errorf("unknown source %d", int(c.Source))
	}
	if c.MAType < MASMA || c.MAType > MASWMA {
		return errors.Errorf("unknown moving average type %d", int(c.MAType))
	}
	if c.MALength < MinLength || c.MALength > MaxLength {
		return errors.Errorf("ma length %d out of range [%d,%d]", c.MALength, MinLength, MaxLength)
	}
	return nil
}

// ProfileConfig parameterises a VolumeProfile.
type ProfileConfig struct {
	Period       Period  `json:"period"`
	RowSize      float64 `json:"row_size"`
	ValueAreaPct int     `json:"value_area_pct"`
}

// DefaultProfileConfig returns a daily profile with 1.0 rows and a 70% value area.
func DefaultProfileConfig() ProfileConfig {
	return ProfileConfig{Period: PeriodSession, RowSize: 1.0, ValueAreaPct: 70}
}

// Validate checks every field against its documented range.
func (c ProfileConfig) Validate() error {
	if c.Period < PeriodSession || c.Period > PeriodMonth {
		return errors.Errorf("unknown profile period %d", int(c.Period))
	}
	if math.IsNaN(c.RowSize) || c.RowSize <= 0 || c.RowSize > MaxRowSize {
		return errors.Errorf("row size %v out of range (0,%v]", c.RowSize, MaxRowSize)
	}
	if c.ValueAreaPct < MinValueAreaPct || c.ValueAreaPct > MaxValueAreaPct {
		return errors.Errorf("value area %d%% out of range [%d,%d]", c.ValueAreaPct, MinValueAreaPct, MaxValueAreaPct)
	}
	return nil
}
