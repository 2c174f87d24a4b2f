// Package config loads the overlay service configuration from defaults, an
// optional YAML file and OVERLAY_* environment variables, in increasing
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"
	"overlay-systemv1/internal/overlay"
)

// EnvPrefix prefixes every environment override, e.g. OVERLAY_REDIS_ADDR.
const EnvPrefix = "OVERLAY"

// Config holds all service configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ConsumerGroup string
	ConsumerName  string

	SQLitePath string

	HTTPAddr    string
	MetricsAddr string

	LogLevel string
	LogFile  string

	// Instruments are "SYMBOL:TF" keys replayed at startup and consumed live.
	// Empty means every instrument found in the bar store.
	Instruments []string

	ReplaySize      int
	BufferSize      int
	BreakerFailures int
	BreakerReset    time.Duration
	PELInterval     time.Duration
	PELMinIdle      time.Duration

	Trail   TrailSettings
	Profile ProfileSettings
}

// TrailSettings are the raw trail parameters as written in config.
type TrailSettings struct {
	ATRLength     int
	ATRMultiplier float64
	Source        string
	MAType        string
	MALength      int
}

// ProfileSettings are the raw volume profile parameters as written in config.
type ProfileSettings struct {
	Period       string
	RowSize      float64
	ValueAreaPct int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.consumer_group", "overlayd")
	v.SetDefault("redis.consumer_name", "")
	v.SetDefault("sqlite.path", "data/bars.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("instruments", []string{})
	v.SetDefault("gateway.replay_size", 500)
	v.SetDefault("publish.buffer_size", 10000)
	v.SetDefault("publish.breaker_failures", 5)
	v.SetDefault("publish.breaker_reset", 10*time.Second)
	v.SetDefault("stream.pel_interval", 30*time.Second)
	v.SetDefault("stream.pel_min_idle", time.Minute)

	trail := indicator.DefaultTrailConfig()
	v.SetDefault("trail.atr_length", trail.ATRLength)
	v.SetDefault("trail.atr_multiplier", trail.ATRMultiplier)
	v.SetDefault("trail.source", trail.Source.String())
	v.SetDefault("trail.ma_type", trail.MAType.String())
	v.SetDefault("trail.ma_length", trail.MALength)

	profile := indicator.DefaultProfileConfig()
	v.SetDefault("profile.period", profile.Period.String())
	v.SetDefault("profile.row_size", profile.RowSize)
	v.SetDefault("profile.value_area_pct", profile.ValueAreaPct)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{
		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		ConsumerGroup: v.GetString("redis.consumer_group"),
		ConsumerName:  v.GetString("redis.consumer_name"),
		SQLitePath:    v.GetString("sqlite.path"),
		HTTPAddr:      v.GetString("http.addr"),
		MetricsAddr:   v.GetString("metrics.addr"),
		LogLevel:      v.GetString("log.level"),
		LogFile:       v.GetString("log.file"),
		Instruments:   splitList(v.GetStringSlice("instruments")),

		ReplaySize:      v.GetInt("gateway.replay_size"),
		BufferSize:      v.GetInt("publish.buffer_size"),
		BreakerFailures: v.GetInt("publish.breaker_failures"),
		BreakerReset:    v.GetDuration("publish.breaker_reset"),
		PELInterval:     v.GetDuration("stream.pel_interval"),
		PELMinIdle:      v.GetDuration("stream.pel_min_idle"),

		Trail: TrailSettings{
			ATRLength:     v.GetInt("trail.atr_length"),
			ATRMultiplier: v.GetFloat64("trail.atr_multiplier"),
			Source:        v.GetString("trail.source"),
			MAType:        v.GetString("trail.ma_type"),
			MALength:      v.GetInt("trail.ma_length"),
		},
		Profile: ProfileSettings{
			Period:       v.GetString("profile.period"),
			RowSize:      v.GetFloat64("profile.row_size"),
			ValueAreaPct: v.GetInt("profile.value_area_pct"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both YAML lists and a comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the instrument keys and both indicator configurations.
func (c *Config) Validate() error {
	for _, key := range c.Instruments {
		if _, _, err := model.ParseInstrumentKey(key); err != nil {
			return errors.Wrap(err, "instruments")
		}
	}
	if c.BufferSize <= 0 {
		return errors.Errorf("publish.buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.BreakerFailures <= 0 {
		return errors.Errorf("publish.breaker_failures must be positive, got %d", c.BreakerFailures)
	}
	_, err := c.OverlayConfig()
	return err
}

// TrailConfig converts the trail settings into a validated indicator config.
func (c *Config) TrailConfig() (indicator.TrailConfig, error) {
	src, err := indicator.ParseSource(c.Trail.Source)
	if err != nil {
		return indicator.TrailConfig{}, errors.Wrap(err, "trail.source")
	}
	ma, err := indicator.ParseMAType(c.Trail.MAType)
	if err != nil {
		return indicator.TrailConfig{}, errors.Wrap(err, "trail.ma_type")
	}
	tc := indicator.TrailConfig{
		ATRLength:     c.Trail.ATRLength,
		ATRMultiplier: c.Trail.ATRMultiplier,
		Source:        src,
		MAType:        ma,
		MALength:      c.Trail.MALength,
	}
	if err := tc.Validate(); err != nil {
		return indicator.TrailConfig{}, errors.Wrap(err, "trail")
	}
	return tc, nil
}

// ProfileConfig converts the profile settings into a validated indicator config.
func (c *Config) ProfileConfig() (indicator.ProfileConfig, error) {
	period, err := indicator.ParsePeriod(c.Profile.Period)
	if err != nil {
		return indicator.ProfileConfig{}, errors.Wrap(err, "profile.period")
	}
	pc := indicator.ProfileConfig{
		Period:       period,
		RowSize:      c.Profile.RowSize,
		ValueAreaPct: c.Profile.ValueAreaPct,
	}
	if err := pc.Validate(); err != nil {
		return indicator.ProfileConfig{}, errors.Wrap(err, "profile")
	}
	return pc, nil
}

// OverlayConfig returns both indicator configs for the overlay engine.
func (c *Config) OverlayConfig() (overlay.Config, error) {
	tc, err := c.TrailConfig()
	if err != nil {
		return overlay.Config{}, err
	}
	pc, err := c.ProfileConfig()
	if err != nil {
		return overlay.Config{}, err
	}
	return overlay.Config{Trail: tc, Profile: pc}, nil
}
