// Package config loads and validates the proxy's runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	protoerrors "github.com/clusterproxy/messages-proxy/pkg/provider/errors"
)

// DiscoveryMode selects how the cluster manager enumerates candidate nodes.
type DiscoveryMode string

const (
	DiscoveryStatic       DiscoveryMode = "static"
	DiscoveryDNSSRV       DiscoveryMode = "dns_srv"
	DiscoveryServiceLabel DiscoveryMode = "service_label"
)

// RoutingStrategy selects the router's node-selection algorithm.
type RoutingStrategy string

const (
	RoutingRoundRobin  RoutingStrategy = "round_robin"
	RoutingLeastLoaded RoutingStrategy = "least_loaded"
	RoutingCacheAware  RoutingStrategy = "cache_aware"
	RoutingLatency     RoutingStrategy = "latency_based"
)

// Config is the single document the process loads at startup.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Health    HealthConfig    `mapstructure:"health"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Router    RouterConfig    `mapstructure:"router"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DiscoveryConfig configures node discovery.
type DiscoveryConfig struct {
	Mode            DiscoveryMode `mapstructure:"mode"`
	StaticNodes     []StaticNode  `mapstructure:"static_nodes"`
	DNSName         string        `mapstructure:"dns_name"`
	ServiceLabel    string        `mapstructure:"service_label"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// StaticNode is one entry in a static discovery list.
type StaticNode struct {
	ID      string `mapstructure:"id"`
	BaseURL string `mapstructure:"base_url"`
	Backend string `mapstructure:"backend"` // "openai_compatible" or "anthropic"
	Weight  int    `mapstructure:"weight"`
}

// HealthConfig configures the per-node health tracker's probe cadence,
// rolling window, state thresholds, and offline backoff, mapped 1:1
// onto health.Config.
type HealthConfig struct {
	WindowDuration      time.Duration `mapstructure:"window_duration"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	DegradedThreshold   float64       `mapstructure:"degraded_threshold"`
	UnhealthyThreshold  float64       `mapstructure:"unhealthy_threshold"`
	MaxConsecutiveFails int           `mapstructure:"max_consecutive_fails"`
	SuccessThreshold    int           `mapstructure:"success_threshold"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
}

// CacheConfig configures the cache warm-up and sync coordinator.
type CacheConfig struct {
	SyncInterval        time.Duration `mapstructure:"sync_interval"`
	WarmupConcurrency   int           `mapstructure:"warmup_concurrency"`
	EntryTTL            time.Duration `mapstructure:"entry_ttl"`
}

// RouterConfig configures routing strategy and sticky sessions.
type RouterConfig struct {
	Strategy        RoutingStrategy `mapstructure:"strategy"`
	StickyTTL       time.Duration   `mapstructure:"sticky_ttl"`
	CacheWeight     float64         `mapstructure:"cache_weight"`
	LoadWeight      float64         `mapstructure:"load_weight"`
	LatencyWeight   float64         `mapstructure:"latency_weight"`
}

// RateLimitConfig configures the per-client token-bucket limiter that
// guards the /v1/messages endpoint.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	IdleEvictAfter    time.Duration `mapstructure:"idle_evict_after"`
}

// TelemetryConfig configures OpenTelemetry span recording.
type TelemetryConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RecordInputs  bool `mapstructure:"record_inputs"`
	RecordOutputs bool `mapstructure:"record_outputs"`
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Default returns a Config populated with sensible defaults, the same
// values bound onto viper before a file/env override is applied.
func Default() Config {
	return Config{
		ListenAddr: ":8089",
		Discovery: DiscoveryConfig{
			Mode:            DiscoveryStatic,
			RefreshInterval: 30 * time.Second,
		},
		Health: HealthConfig{
			WindowDuration:      30 * time.Second,
			CheckInterval:       5 * time.Second,
			ProbeTimeout:        2 * time.Second,
			DegradedThreshold:   0.8,
			UnhealthyThreshold:  0.5,
			MaxConsecutiveFails: 3,
			SuccessThreshold:    5,
			BackoffInitial:      1 * time.Second,
			BackoffMultiplier:   2,
			BackoffMax:          60 * time.Second,
		},
		Cache: CacheConfig{
			SyncInterval:      15 * time.Second,
			WarmupConcurrency: 4,
			EntryTTL:          10 * time.Minute,
		},
		Router: RouterConfig{
			Strategy:      RoutingCacheAware,
			StickyTTL:     5 * time.Minute,
			CacheWeight:   0.6,
			LoadWeight:    0.3,
			LatencyWeight: 0.1,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
			IdleEvictAfter:    10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			RecordInputs:  true,
			RecordOutputs: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (if non-empty), layers environment
// variables prefixed PROXY_ on top, and validates the result.
//
// Env vars use underscores in place of nesting dots, e.g.
// PROXY_ROUTER_STRATEGY overrides router.strategy.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetConfigType("yaml")
	bindDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, protoerrors.NewConfigError("file", fmt.Sprintf("reading %s", path), err)
		}
	}

	v.SetEnvPrefix("PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, protoerrors.NewConfigError("", "unmarshal", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindDefaults(v *viper.Viper, def Config) {
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("discovery.mode", def.Discovery.Mode)
	v.SetDefault("discovery.refresh_interval", def.Discovery.RefreshInterval)
	v.SetDefault("health.window_duration", def.Health.WindowDuration)
	v.SetDefault("health.check_interval", def.Health.CheckInterval)
	v.SetDefault("health.probe_timeout", def.Health.ProbeTimeout)
	v.SetDefault("health.degraded_threshold", def.Health.DegradedThreshold)
	v.SetDefault("health.unhealthy_threshold", def.Health.UnhealthyThreshold)
	v.SetDefault("health.max_consecutive_fails", def.Health.MaxConsecutiveFails)
	v.SetDefault("health.success_threshold", def.Health.SuccessThreshold)
	v.SetDefault("health.backoff_initial", def.Health.BackoffInitial)
	v.SetDefault("health.backoff_multiplier", def.Health.BackoffMultiplier)
	v.SetDefault("health.backoff_max", def.Health.BackoffMax)
	v.SetDefault("cache.sync_interval", def.Cache.SyncInterval)
	v.SetDefault("cache.warmup_concurrency", def.Cache.WarmupConcurrency)
	v.SetDefault("cache.entry_ttl", def.Cache.EntryTTL)
	v.SetDefault("router.strategy", def.Router.Strategy)
	v.SetDefault("router.sticky_ttl", def.Router.StickyTTL)
	v.SetDefault("router.cache_weight", def.Router.CacheWeight)
	v.SetDefault("router.load_weight", def.Router.LoadWeight)
	v.SetDefault("router.latency_weight", def.Router.LatencyWeight)
	v.SetDefault("rate_limit.enabled", def.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_second", def.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.idle_evict_after", def.RateLimit.IdleEvictAfter)
	v.SetDefault("telemetry.enabled", def.Telemetry.Enabled)
	v.SetDefault("telemetry.record_inputs", def.Telemetry.RecordInputs)
	v.SetDefault("telemetry.record_outputs", def.Telemetry.RecordOutputs)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}

// Validate checks the config for internally-inconsistent or missing
// values that would otherwise surface as a confusing runtime failure.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return protoerrors.NewConfigError("listen_addr", "must not be empty", nil)
	}

	switch c.Discovery.Mode {
	case DiscoveryStatic:
		if len(c.Discovery.StaticNodes) == 0 {
			return protoerrors.NewConfigError("discovery.static_nodes", "must list at least one node in static mode", nil)
		}
		for i, n := range c.Discovery.StaticNodes {
			if n.ID == "" {
				return protoerrors.NewConfigError(fmt.Sprintf("discovery.static_nodes[%d].id", i), "must not be empty", nil)
			}
			if n.BaseURL == "" {
				return protoerrors.NewConfigError(fmt.Sprintf("discovery.static_nodes[%d].base_url", i), "must not be empty", nil)
			}
		}
	case DiscoveryDNSSRV:
		if c.Discovery.DNSName == "" {
			return protoerrors.NewConfigError("discovery.dns_name", "required for dns_srv mode", nil)
		}
	case DiscoveryServiceLabel:
		if c.Discovery.ServiceLabel == "" {
			return protoerrors.NewConfigError("discovery.service_label", "required for service_label mode", nil)
		}
	default:
		return protoerrors.NewConfigError("discovery.mode", fmt.Sprintf("unknown mode %q", c.Discovery.Mode), nil)
	}

	if c.Health.WindowDuration <= 0 {
		return protoerrors.NewConfigError("health.window_duration", "must be positive", nil)
	}
	if c.Health.CheckInterval <= 0 {
		return protoerrors.NewConfigError("health.check_interval", "must be positive", nil)
	}
	if c.Health.ProbeTimeout <= 0 {
		return protoerrors.NewConfigError("health.probe_timeout", "must be positive", nil)
	}
	if c.Health.DegradedThreshold <= 0 || c.Health.DegradedThreshold > 1 {
		return protoerrors.NewConfigError("health.degraded_threshold", "must be in (0, 1]", nil)
	}
	if c.Health.UnhealthyThreshold <= 0 || c.Health.UnhealthyThreshold > c.Health.DegradedThreshold {
		return protoerrors.NewConfigError("health.unhealthy_threshold", "must be in (0, degraded_threshold]", nil)
	}
	if c.Health.MaxConsecutiveFails <= 0 {
		return protoerrors.NewConfigError("health.max_consecutive_fails", "must be positive", nil)
	}
	if c.Health.SuccessThreshold <= 0 {
		return protoerrors.NewConfigError("health.success_threshold", "must be positive", nil)
	}
	if c.Health.BackoffInitial <= 0 {
		return protoerrors.NewConfigError("health.backoff_initial", "must be positive", nil)
	}
	if c.Health.BackoffMultiplier <= 1 {
		return protoerrors.NewConfigError("health.backoff_multiplier", "must be greater than 1", nil)
	}
	if c.Health.BackoffMax < c.Health.BackoffInitial {
		return protoerrors.NewConfigError("health.backoff_max", "must be at least backoff_initial", nil)
	}

	switch c.Router.Strategy {
	case RoutingRoundRobin, RoutingLeastLoaded, RoutingCacheAware, RoutingLatency:
	default:
		return protoerrors.NewConfigError("router.strategy", fmt.Sprintf("unknown strategy %q", c.Router.Strategy), nil)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return protoerrors.NewConfigError("rate_limit.requests_per_second", "must be positive when enabled", nil)
		}
		if c.RateLimit.Burst <= 0 {
			return protoerrors.NewConfigError("rate_limit.burst", "must be positive when enabled", nil)
		}
	}

	return nil
}
