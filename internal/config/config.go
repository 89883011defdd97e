// Package config loads and validates resource governor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	PDF       PDFConfig       `mapstructure:"pdf"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Perf      PerfConfig      `mapstructure:"perf"`
	Acquire   AcquireConfig   `mapstructure:"acquire"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RateLimitConfig governs the per-host token buckets.
type RateLimitConfig struct {
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	BurstCapacity        float64 `mapstructure:"burst_capacity"`
	JitterFraction       float64 `mapstructure:"jitter_fraction"`
	IdleTTLSeconds       int     `mapstructure:"idle_ttl_seconds"`
	SweepIntervalSeconds int     `mapstructure:"sweep_interval_seconds"`
}

// MemoryConfig sets the pressure thresholds and sampling cadence.
type MemoryConfig struct {
	WarningMB             int  `mapstructure:"warning_mb"`
	CriticalMB            int  `mapstructure:"critical_mb"`
	SampleIntervalSeconds int  `mapstructure:"sample_interval_seconds"`
	ReclaimOnCritical     bool `mapstructure:"reclaim_on_critical"`
}

// BrowserConfig configures the headless browser pool.
type BrowserConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	PoolCap              int    `mapstructure:"pool_cap"`
	IdleTimeoutSeconds   int    `mapstructure:"idle_timeout_seconds"`
	MaxLifetimeSeconds   int    `mapstructure:"max_lifetime_seconds"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	HealthCheckTimeoutMs int    `mapstructure:"health_check_timeout_ms"`
	LaunchTimeoutSeconds int    `mapstructure:"launch_timeout_seconds"`
	UserAgent            string `mapstructure:"user_agent"`
}

// PDFConfig bounds concurrent PDF processing.
type PDFConfig struct {
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	MemoryEstimateMB int `mapstructure:"memory_estimate_mb"`
}

// EngineConfig governs extraction-engine instance lifecycles.
type EngineConfig struct {
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

// PerfConfig tunes the degradation monitor.
type PerfConfig struct {
	WindowSize    int     `mapstructure:"window_size"`
	BaselineMs    int     `mapstructure:"baseline_ms"`
	TimeoutWeight float64 `mapstructure:"timeout_weight"`
}

// AcquireConfig bounds resource acquisition waits.
type AcquireConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("ratelimit.requests_per_second", 1.5)
	v.SetDefault("ratelimit.burst_capacity", 3)
	v.SetDefault("ratelimit.jitter_fraction", 0.1)
	v.SetDefault("ratelimit.idle_ttl_seconds", 300)
	v.SetDefault("ratelimit.sweep_interval_seconds", 60)
	v.SetDefault("memory.warning_mb", 650)
	v.SetDefault("memory.critical_mb", 700)
	v.SetDefault("memory.sample_interval_seconds", 5)
	v.SetDefault("memory.reclaim_on_critical", true)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.pool_cap", 3)
	v.SetDefault("browser.idle_timeout_seconds", 30)
	v.SetDefault("browser.max_lifetime_seconds", 300)
	v.SetDefault("browser.sweep_interval_seconds", 10)
	v.SetDefault("browser.health_check_timeout_ms", 2000)
	v.SetDefault("browser.launch_timeout_seconds", 30)
	v.SetDefault("browser.user_agent", "crawlkit-governor/0.1")
	v.SetDefault("pdf.max_concurrent", 2)
	v.SetDefault("pdf.memory_estimate_mb", 128)
	v.SetDefault("engine.idle_timeout_seconds", 3600)
	v.SetDefault("engine.sweep_interval_seconds", 300)
	v.SetDefault("engine.max_consecutive_failures", 3)
	v.SetDefault("perf.window_size", 100)
	v.SetDefault("perf.baseline_ms", 3000)
	v.SetDefault("perf.timeout_weight", 0.6)
	v.SetDefault("acquire.timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be > 0")
	}
	if c.RateLimit.BurstCapacity < 1 {
		return fmt.Errorf("ratelimit.burst_capacity must be >= 1")
	}
	if c.RateLimit.JitterFraction < 0 || c.RateLimit.JitterFraction >= 1 {
		return fmt.Errorf("ratelimit.jitter_fraction must be in [0, 1)")
	}
	if c.Memory.CriticalMB <= c.Memory.WarningMB {
		return fmt.Errorf("memory.critical_mb must exceed memory.warning_mb")
	}
	if c.Browser.PoolCap <= 0 {
		return fmt.Errorf("browser.pool_cap must be > 0")
	}
	if c.PDF.MaxConcurrent <= 0 {
		return fmt.Errorf("pdf.max_concurrent must be > 0")
	}
	if c.Perf.WindowSize <= 0 {
		return fmt.Errorf("perf.window_size must be > 0")
	}
	if c.Perf.TimeoutWeight <= 0 || c.Perf.TimeoutWeight > 1 {
		return fmt.Errorf("perf.timeout_weight must be in (0, 1]")
	}
	if c.Acquire.TimeoutSeconds <= 0 {
		return fmt.Errorf("acquire.timeout_seconds must be > 0")
	}
	return nil
}

// AcquireTimeout converts the acquisition wait budget into a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Acquire.TimeoutSeconds) * time.Second
}

// WarningBytes returns the warning threshold in bytes.
func (c MemoryConfig) WarningBytes() uint64 {
	return uint64(c.WarningMB) << 20
}

// CriticalBytes returns the critical threshold in bytes.
func (c MemoryConfig) CriticalBytes() uint64 {
	return uint64(c.CriticalMB) << 20
}
