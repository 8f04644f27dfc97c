// Package config provides configuration management for abrengine using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultStarvationGap           = 5.0
	defaultOutOfStarvationGap      = 7.0
	defaultLowLatencyStarvationGap = 5.0
	defaultLowLatencyOutOfStarve   = 7.0
	defaultStarvationFactor        = 0.72
	defaultRegularFactor           = 0.8
	defaultWantedBufferAhead       = 30.0
	defaultTextMaxBuffer           = 5 * 60 * 60.0
	defaultSegmentRetry            = 4
	defaultOfflineRetry            = 8
	defaultLiveEdgeRetryDelay      = 2 * time.Second
	defaultBaseBackoff             = 200 * time.Millisecond
	defaultMaxBackoff              = 3 * time.Second
	defaultOfflineBaseBackoff      = time.Second
	defaultOfflineMaxBackoff       = 10 * time.Second
	defaultHTTPTimeout             = 30 * time.Second
	defaultCircuitBreakerThresh    = 5
	defaultCircuitBreakerTimeout   = 30 * time.Second
	defaultMetricsListen           = "127.0.0.1:9464"
)

// Switching modes for manual bitrate changes.
const (
	SwitchingModeSeamless = "seamless"
	SwitchingModeDirect   = "direct"
)

// Config holds all configuration for the engine.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	ABR     ABRConfig     `mapstructure:"abr"`
	Buffer  BufferConfig  `mapstructure:"buffer"`
	Retry   RetryConfig   `mapstructure:"retry"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ABRConfig holds bandwidth estimation and representation selection settings.
// Bitrates are in bits per second, gaps in seconds of media.
type ABRConfig struct {
	InitialBitrate  float64 `mapstructure:"initial_bitrate"`
	ManualBitrate   float64 `mapstructure:"manual_bitrate"`   // negative = automatic
	MaxAutoBitrate  float64 `mapstructure:"max_auto_bitrate"` // 0 = unlimited
	LimitWidth      int     `mapstructure:"limit_width"`      // 0 = no limit
	ThrottleBitrate float64 `mapstructure:"throttle_bitrate"` // 0 = no limit

	StarvationGap      float64 `mapstructure:"starvation_gap"`
	OutOfStarvationGap float64 `mapstructure:"out_of_starvation_gap"`
	StarvationFactor   float64 `mapstructure:"starvation_factor"`
	RegularFactor      float64 `mapstructure:"regular_factor"`

	// LowLatency swaps the starvation gaps for the low-latency pair below.
	LowLatency                   bool    `mapstructure:"low_latency"`
	LowLatencyStarvationGap      float64 `mapstructure:"low_latency_starvation_gap"`
	LowLatencyOutOfStarvationGap float64 `mapstructure:"low_latency_out_of_starvation_gap"`

	ManualBitrateSwitchingMode string `mapstructure:"manual_bitrate_switching_mode"` // seamless, direct
}

// BufferConfig holds buffer goal settings in seconds of media.
type BufferConfig struct {
	WantedBufferAhead float64 `mapstructure:"wanted_buffer_ahead"`
	MaxBufferAhead    float64 `mapstructure:"max_buffer_ahead"`  // 0 = unlimited
	MaxBufferBehind   float64 `mapstructure:"max_buffer_behind"` // 0 = unlimited

	// Type caps are keyed by media type (audio, video, text, image) and bound
	// the garbage collector regardless of the global values above.
	TypeMaxBufferAhead  map[string]float64 `mapstructure:"type_max_buffer_ahead"`
	TypeMaxBufferBehind map[string]float64 `mapstructure:"type_max_buffer_behind"`
}

// RetryConfig holds segment retry settings.
type RetryConfig struct {
	SegmentRetry       int           `mapstructure:"segment_retry"`
	OfflineRetry       int           `mapstructure:"offline_retry"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	OfflineBaseBackoff time.Duration `mapstructure:"offline_base_backoff"`
	OfflineMaxBackoff  time.Duration `mapstructure:"offline_max_backoff"`
	LiveEdgeRetryDelay time.Duration `mapstructure:"live_edge_retry_delay"`
}

// HTTPConfig holds the segment transport configuration.
type HTTPConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	UserAgent               string        `mapstructure:"user_agent"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// MetricsConfig holds the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ABRENGINE_ and use underscores for nesting.
// Example: ABRENGINE_ABR_INITIAL_BITRATE=500000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.abrengine")
	}

	v.SetEnvPrefix("ABRENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by SetDefaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// ABR defaults
	v.SetDefault("abr.initial_bitrate", 0)
	v.SetDefault("abr.manual_bitrate", -1)
	v.SetDefault("abr.max_auto_bitrate", 0)
	v.SetDefault("abr.limit_width", 0)
	v.SetDefault("abr.throttle_bitrate", 0)
	v.SetDefault("abr.starvation_gap", defaultStarvationGap)
	v.SetDefault("abr.out_of_starvation_gap", defaultOutOfStarvationGap)
	v.SetDefault("abr.starvation_factor", defaultStarvationFactor)
	v.SetDefault("abr.regular_factor", defaultRegularFactor)
	v.SetDefault("abr.low_latency", false)
	v.SetDefault("abr.low_latency_starvation_gap", defaultLowLatencyStarvationGap)
	v.SetDefault("abr.low_latency_out_of_starvation_gap", defaultLowLatencyOutOfStarve)
	v.SetDefault("abr.manual_bitrate_switching_mode", SwitchingModeSeamless)

	// Buffer defaults
	v.SetDefault("buffer.wanted_buffer_ahead", defaultWantedBufferAhead)
	v.SetDefault("buffer.max_buffer_ahead", 0)
	v.SetDefault("buffer.max_buffer_behind", 0)
	v.SetDefault("buffer.type_max_buffer_ahead", map[string]float64{"text": defaultTextMaxBuffer})
	v.SetDefault("buffer.type_max_buffer_behind", map[string]float64{"text": defaultTextMaxBuffer})

	// Retry defaults
	v.SetDefault("retry.segment_retry", defaultSegmentRetry)
	v.SetDefault("retry.offline_retry", defaultOfflineRetry)
	v.SetDefault("retry.base_backoff", defaultBaseBackoff)
	v.SetDefault("retry.max_backoff", defaultMaxBackoff)
	v.SetDefault("retry.offline_base_backoff", defaultOfflineBaseBackoff)
	v.SetDefault("retry.offline_max_backoff", defaultOfflineMaxBackoff)
	v.SetDefault("retry.live_edge_retry_delay", defaultLiveEdgeRetryDelay)

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.user_agent", "abrengine")
	v.SetDefault("http.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("http.circuit_breaker_timeout", defaultCircuitBreakerTimeout)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", defaultMetricsListen)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// ABR validation
	if c.ABR.InitialBitrate < 0 {
		return fmt.Errorf("abr.initial_bitrate must not be negative")
	}
	if c.ABR.MaxAutoBitrate < 0 {
		return fmt.Errorf("abr.max_auto_bitrate must not be negative")
	}
	if c.ABR.LimitWidth < 0 {
		return fmt.Errorf("abr.limit_width must not be negative")
	}
	if c.ABR.ThrottleBitrate < 0 {
		return fmt.Errorf("abr.throttle_bitrate must not be negative")
	}
	if c.ABR.StarvationGap < 0 || c.ABR.OutOfStarvationGap < c.ABR.StarvationGap {
		return fmt.Errorf("abr.out_of_starvation_gap must be at least abr.starvation_gap")
	}
	if c.ABR.LowLatencyOutOfStarvationGap < c.ABR.LowLatencyStarvationGap {
		return fmt.Errorf("abr.low_latency_out_of_starvation_gap must be at least abr.low_latency_starvation_gap")
	}
	if c.ABR.StarvationFactor <= 0 || c.ABR.StarvationFactor > 1 {
		return fmt.Errorf("abr.starvation_factor must be in (0, 1]")
	}
	if c.ABR.RegularFactor <= 0 || c.ABR.RegularFactor > 1 {
		return fmt.Errorf("abr.regular_factor must be in (0, 1]")
	}
	switch c.ABR.ManualBitrateSwitchingMode {
	case SwitchingModeSeamless, SwitchingModeDirect:
	default:
		return fmt.Errorf("abr.manual_bitrate_switching_mode must be one of: seamless, direct")
	}

	// Buffer validation
	if c.Buffer.WantedBufferAhead <= 0 {
		return fmt.Errorf("buffer.wanted_buffer_ahead must be positive")
	}
	if c.Buffer.MaxBufferAhead < 0 {
		return fmt.Errorf("buffer.max_buffer_ahead must not be negative")
	}
	if c.Buffer.MaxBufferBehind < 0 {
		return fmt.Errorf("buffer.max_buffer_behind must not be negative")
	}

	// Retry validation
	if c.Retry.SegmentRetry < 0 {
		return fmt.Errorf("retry.segment_retry must not be negative")
	}
	if c.Retry.OfflineRetry < 0 {
		return fmt.Errorf("retry.offline_retry must not be negative")
	}
	if c.Retry.BaseBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return fmt.Errorf("retry.max_backoff must be at least retry.base_backoff")
	}
	if c.Retry.OfflineBaseBackoff <= 0 || c.Retry.OfflineMaxBackoff < c.Retry.OfflineBaseBackoff {
		return fmt.Errorf("retry.offline_max_backoff must be at least retry.offline_base_backoff")
	}

	// HTTP validation
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("http.circuit_breaker_threshold must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// StarvationGaps returns the enter and exit starvation thresholds in effect.
func (c *ABRConfig) StarvationGaps() (enter, exit float64) {
	if c.LowLatency {
		return c.LowLatencyStarvationGap, c.LowLatencyOutOfStarvationGap
	}
	return c.StarvationGap, c.OutOfStarvationGap
}
