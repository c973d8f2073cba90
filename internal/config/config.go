package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kdimtricp/callpilot/internal/ai"
	"github.com/kdimtricp/callpilot/internal/database"
	"github.com/kdimtricp/callpilot/internal/detect"
	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/events"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/logging"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

const EnvPrefix = "CALLPILOT"

var ErrInvalid = errors.New("invalid configuration")

type ServerConfig struct {
	WSAddr         string        `mapstructure:"ws_addr"`
	HTTPAddr       string        `mapstructure:"http_addr"`
	ReadLimitBytes int64         `mapstructure:"read_limit_bytes"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type ChannelConfig struct {
	Name string `mapstructure:"name"`
	// Kind is "http" for a device agent reachable over HTTP.
	Kind string `mapstructure:"kind"`
	URL  string `mapstructure:"url"`
}

type DispatchConfig struct {
	Timeout     time.Duration          `mapstructure:"timeout"`
	HistorySize int                    `mapstructure:"history_size"`
	Channels    []ChannelConfig        `mapstructure:"channels"`
	Breaker     dispatch.BreakerConfig `mapstructure:"breaker"`
}

type StrategyConfig struct {
	Initial          string           `mapstructure:"initial"`
	FailureThreshold int              `mapstructure:"failure_threshold"`
	OptimizeInterval time.Duration    `mapstructure:"optimize_interval"`
	SwitchMargin     float64          `mapstructure:"switch_margin"`
	FallbackPoints   []dispatch.Point `mapstructure:"fallback_points"`
}

type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       logging.Config  `mapstructure:"log"`
	Detector  detect.Config   `mapstructure:"detector"`
	Extractor extract.Config  `mapstructure:"extractor"`
	Filter    filter.Rules    `mapstructure:"filter"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	OCR       ai.Config       `mapstructure:"ocr"`
	Events    events.Config   `mapstructure:"events"`
	Journal   database.Config `mapstructure:"journal"`
	Snapshots SnapshotConfig  `mapstructure:"snapshots"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Load merges built-in defaults, the file at path (if any) and CALLPILOT_*
// environment variables. Environment wins over the file.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// SetDefaults registers every key, which also makes each one overridable
// from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.ws_addr", ":8081")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_limit_bytes", 8<<20)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	d := detect.DefaultConfig()
	v.SetDefault("detector.hue_min", d.Band.HueMin)
	v.SetDefault("detector.hue_max", d.Band.HueMax)
	v.SetDefault("detector.sat_min", d.Band.SatMin)
	v.SetDefault("detector.sat_max", d.Band.SatMax)
	v.SetDefault("detector.val_min", d.Band.ValMin)
	v.SetDefault("detector.val_max", d.Band.ValMax)
	v.SetDefault("detector.region_top", d.RegionTop)
	v.SetDefault("detector.region_bottom", d.RegionBottom)
	v.SetDefault("detector.stride", d.Stride)
	v.SetDefault("detector.min_pixels", d.MinPixels)
	v.SetDefault("detector.confidence_k", d.ConfidenceK)
	v.SetDefault("detector.max_samples", d.MaxSamples)

	e := extract.DefaultConfig()
	v.SetDefault("extractor.areas", e.Areas)
	v.SetDefault("extractor.currency_unit", e.CurrencyUnit)
	v.SetDefault("extractor.distance_unit", e.DistanceUnit)

	r := filter.DefaultRules()
	v.SetDefault("filter.min_amount", r.MinAmount)
	v.SetDefault("filter.max_amount", r.MaxAmount)
	v.SetDefault("filter.min_distance", r.MinDistance)
	v.SetDefault("filter.max_distance", r.MaxDistance)
	v.SetDefault("filter.preferred_areas", r.PreferredAreas)
	v.SetDefault("filter.avoid_areas", []string{})
	v.SetDefault("filter.auto_accept", r.AutoAccept)
	v.SetDefault("filter.priority_high_fare", r.PriorityHigh)
	v.SetDefault("filter.avoid_congestion", r.AvoidCongestion)
	v.SetDefault("filter.congestion_areas", r.CongestionAreas)

	v.SetDefault("dispatch.timeout", dispatch.DefaultTimeout)
	v.SetDefault("dispatch.history_size", dispatch.DefaultHistorySize)
	v.SetDefault("dispatch.breaker.max_failures", 5)
	v.SetDefault("dispatch.breaker.reset_timeout", 30*time.Second)

	s := strategy.DefaultConfig()
	v.SetDefault("strategy.initial", string(s.Initial))
	v.SetDefault("strategy.failure_threshold", s.FailureThreshold)
	v.SetDefault("strategy.optimize_interval", s.OptimizeInterval)
	v.SetDefault("strategy.switch_margin", s.SwitchMargin)

	o := ai.NewConfig()
	v.SetDefault("ocr.provider", o.Provider)
	v.SetDefault("ocr.google_api_key", "")
	v.SetDefault("ocr.openai_api_key", "")
	v.SetDefault("ocr.language", o.Language)
	v.SetDefault("ocr.timeout", o.Timeout)
	v.SetDefault("ocr.static_text", "")

	v.SetDefault("events.kind", "none")
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "callpilot.decisions")
	v.SetDefault("events.mqtt.broker", "")
	v.SetDefault("events.mqtt.topic", "callpilot/decisions")
	v.SetDefault("events.mqtt.client_id", "callpilot")
	v.SetDefault("events.mqtt.qos", 1)

	v.SetDefault("journal.path", "")
	v.SetDefault("snapshots.dir", "")
	v.SetDefault("metrics.enabled", true)
}

func (c *Config) Validate() error {
	bandErr := c.Detector.Band.Validate()
	switch {
	case c.Server.WSAddr == "" || c.Server.HTTPAddr == "":
		return fmt.Errorf("%w: server addresses must be set", ErrInvalid)
	case c.Server.ReadLimitBytes <= 0:
		return fmt.Errorf("%w: server.read_limit_bytes must be positive", ErrInvalid)
	case bandErr != nil:
		return fmt.Errorf("%w: detector: %v", ErrInvalid, bandErr)
	case c.Detector.RegionTop < 0 || c.Detector.RegionBottom > 1 || c.Detector.RegionTop >= c.Detector.RegionBottom:
		return fmt.Errorf("%w: detection region %.2f-%.2f", ErrInvalid, c.Detector.RegionTop, c.Detector.RegionBottom)
	case c.Detector.Stride <= 0:
		return fmt.Errorf("%w: detector.stride must be positive", ErrInvalid)
	case c.Detector.MinPixels <= 0:
		return fmt.Errorf("%w: detector.min_pixels must be positive", ErrInvalid)
	case c.Dispatch.Timeout <= 0:
		return fmt.Errorf("%w: dispatch.timeout must be positive", ErrInvalid)
	case c.Strategy.FailureThreshold <= 0:
		return fmt.Errorf("%w: strategy.failure_threshold must be positive", ErrInvalid)
	case c.Strategy.OptimizeInterval <= 0:
		return fmt.Errorf("%w: strategy.optimize_interval must be positive", ErrInvalid)
	}

	if _, err := strategy.Parse(c.Strategy.Initial); err != nil {
		return fmt.Errorf("%w: strategy.initial: %v", ErrInvalid, err)
	}
	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("%w: filter defaults: %v", ErrInvalid, err)
	}
	for _, ch := range c.Dispatch.Channels {
		if ch.Kind != "http" {
			return fmt.Errorf("%w: channel %q has unknown kind %q", ErrInvalid, ch.Name, ch.Kind)
		}
		if ch.Name == "" || ch.URL == "" {
			return fmt.Errorf("%w: channel needs a name and url", ErrInvalid)
		}
	}
	return nil
}

// ControllerConfig converts to the controller's configuration. Validate has
// already checked the initial strategy.
func (c *Config) ControllerConfig() strategy.Config {
	initial, _ := strategy.Parse(c.Strategy.Initial)
	return strategy.Config{
		Initial:          initial,
		FailureThreshold: c.Strategy.FailureThreshold,
		OptimizeInterval: c.Strategy.OptimizeInterval,
		SwitchMargin:     c.Strategy.SwitchMargin,
	}
}
