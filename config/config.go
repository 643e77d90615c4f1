// Package config loads and hot-reloads the control plane's configuration
// tree: database/server/graph/rate-limit/router/async/telemetry settings
// plus feature flags. Grounded on am/load.go's viper-backed singleton
// loader and am/watcher.go's fsnotify hot-reload, repointed here at a
// feature-flag/policy file rather than an agent manifest.
package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/opctl/controlplane/errors"
)

// Config is the full application configuration tree, mapstructure-tagged
// for viper's Unmarshal.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Server      ServerConfig      `mapstructure:"server"`
	Graph       GraphConfig       `mapstructure:"graph"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Router      RouterConfig      `mapstructure:"router"`
	Async       AsyncConfig       `mapstructure:"async"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	FeatureFlags map[string]bool  `mapstructure:"feature_flags"`
}

type DatabaseConfig struct {
	DedupePath string `mapstructure:"dedupe_path"`
	WorkerPath string `mapstructure:"worker_path"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type GraphConfig struct {
	Path             string        `mapstructure:"path"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
}

type RateLimitConfig struct {
	RedisAddr string         `mapstructure:"redis_addr"`
	Routes    []RouteOverride `mapstructure:"routes"`
}

type RouteOverride struct {
	Route string  `mapstructure:"route"`
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type RouterConfig struct {
	WeightLatency float64       `mapstructure:"weight_latency"`
	WeightError   float64       `mapstructure:"weight_error"`
	WeightCost    float64       `mapstructure:"weight_cost"`
	WeightCtxFit  float64       `mapstructure:"weight_ctx_fit"`
	MaxFallbacks  int           `mapstructure:"max_fallbacks"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

type AsyncConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Enabled   bool   `mapstructure:"enabled"`
}

type TelemetryConfig struct {
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

var (
	mu       sync.Mutex
	loaded   *Config
	loadOnce sync.Once
)

// Defaults mirrors the zero-config deployment: local sqlite paths,
// no Redis, conservative rate limits.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{DedupePath: "data/dedupe.db", WorkerPath: "data/worker.db"},
		Server:   ServerConfig{ListenAddr: ":8080"},
		Graph: GraphConfig{
			Path: "data/graph.db", AcquireTimeout: 2 * time.Second,
			FailureThreshold: 5, CooldownPeriod: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Routes: []RouteOverride{{Route: "chat", Rate: 1, Burst: 60}},
		},
		Router: RouterConfig{
			WeightLatency: 0.4, WeightError: 0.4, WeightCost: 0.1, WeightCtxFit: 0.1,
			MaxFallbacks: 3, CallTimeout: 30 * time.Second,
		},
		Async:     AsyncConfig{Enabled: true},
		Telemetry: TelemetryConfig{StalenessWindow: 5 * time.Minute},
		FeatureFlags: map[string]bool{
			"materializer_enabled": true,
			"async_enabled":        true,
			"router_enabled":       true,
		},
	}
}

// Load reads configuration from the given file path (TOML), falling back
// to Defaults() for anything unset, and caches the result as the process
// singleton. Subsequent calls return the cached value; call Reset first to
// force a re-read.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if loaded != nil {
		return loaded, nil
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	loaded = cfg
	return loaded, nil
}

// LoadFromFile always re-reads path, bypassing the singleton cache.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("CCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	applyViperDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if !isFileNotFound(err) {
			return nil, errors.Wrap(err, "config: read config file")
		}
		// No file on disk: proceed with defaults, as a fresh deployment
		// with no config/ directory yet is a normal starting state.
	}

	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal config")
	}
	return out, nil
}

func applyViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.dedupe_path", cfg.Database.DedupePath)
	v.SetDefault("database.worker_path", cfg.Database.WorkerPath)
	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)
	v.SetDefault("graph.path", cfg.Graph.Path)
	v.SetDefault("graph.acquire_timeout", cfg.Graph.AcquireTimeout)
	v.SetDefault("graph.failure_threshold", cfg.Graph.FailureThreshold)
	v.SetDefault("graph.cooldown_period", cfg.Graph.CooldownPeriod)
	v.SetDefault("rate_limit.routes", cfg.RateLimit.Routes)
	v.SetDefault("router.weight_latency", cfg.Router.WeightLatency)
	v.SetDefault("router.weight_error", cfg.Router.WeightError)
	v.SetDefault("router.weight_cost", cfg.Router.WeightCost)
	v.SetDefault("router.weight_ctx_fit", cfg.Router.WeightCtxFit)
	v.SetDefault("router.max_fallbacks", cfg.Router.MaxFallbacks)
	v.SetDefault("router.call_timeout", cfg.Router.CallTimeout)
	v.SetDefault("async.enabled", cfg.Async.Enabled)
	v.SetDefault("telemetry.staleness_window", cfg.Telemetry.StalenessWindow)
	v.SetDefault("feature_flags", cfg.FeatureFlags)
}

func isFileNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// Reset clears the cached singleton, forcing the next Load to re-read.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	loaded = nil
}
