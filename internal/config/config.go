// Package config provides configuration loading for noisegate.
//
// Configuration comes from environment variables with sensible defaults.
// Variables use the NOISEGATE_ prefix with a section_field layout, e.g.
// NOISEGATE_SERVER_HTTP_PORT or NOISEGATE_ORACLE_BASE_URL.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "NOISEGATE_"

// Config holds the complete noisegate configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Cache      CacheConfig      `koanf:"cache"`
	Oracle     OracleConfig     `koanf:"oracle"`
	Discovery  DiscoveryConfig  `koanf:"discovery"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle"`
	Backtest   BacktestConfig   `koanf:"backtest"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the system-of-record location.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// CacheConfig holds the rule-cache location. An empty dir opens an
// in-memory cache.
type CacheConfig struct {
	Dir string `koanf:"dir"`
}

// OracleConfig holds the suggestion-oracle endpoint. The oracle is
// optional: with an empty base URL, discovery runs without proposals
// and review explanations fall back to templates.
type OracleConfig struct {
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// DiscoveryConfig holds clustering and pipeline cadence settings.
type DiscoveryConfig struct {
	Interval       time.Duration `koanf:"interval"`
	CorpusLimit    int           `koanf:"corpus_limit"`
	MinOccurrences int64         `koanf:"min_occurrences"`
	MaxClusters    int           `koanf:"max_clusters"`
}

// LifecycleConfig holds shadow-evaluation thresholds.
type LifecycleConfig struct {
	MinShadowMatches  int64         `koanf:"min_shadow_matches"`
	MinMatchDays      int           `koanf:"min_match_days"`
	StaleAfter        time.Duration `koanf:"stale_after"`
	StalenessInterval time.Duration `koanf:"staleness_interval"`
}

// BacktestConfig holds corpus-replay settings.
type BacktestConfig struct {
	Lookback      time.Duration `koanf:"lookback"`
	CorpusLimit   int           `koanf:"corpus_limit"`
	OverMatchRate float64       `koanf:"over_match_rate"`
}

// ClassifierConfig holds hot-path settings.
type ClassifierConfig struct {
	MemoTTL time.Duration `koanf:"memo_ttl"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Load reads configuration from the environment, applies defaults, and
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	// NOISEGATE_SERVER_HTTP_PORT -> server.http_port
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "noisegate.db"
	}

	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "gpt-4o-mini"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 30 * time.Second
	}

	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = 1 * time.Hour
	}
	if cfg.Discovery.CorpusLimit == 0 {
		cfg.Discovery.CorpusLimit = 500
	}
	if cfg.Discovery.MinOccurrences == 0 {
		cfg.Discovery.MinOccurrences = 3
	}
	if cfg.Discovery.MaxClusters == 0 {
		cfg.Discovery.MaxClusters = 20
	}

	if cfg.Lifecycle.MinShadowMatches == 0 {
		cfg.Lifecycle.MinShadowMatches = 5
	}
	if cfg.Lifecycle.MinMatchDays == 0 {
		cfg.Lifecycle.MinMatchDays = 3
	}
	if cfg.Lifecycle.StaleAfter == 0 {
		cfg.Lifecycle.StaleAfter = 30 * 24 * time.Hour
	}
	if cfg.Lifecycle.StalenessInterval == 0 {
		cfg.Lifecycle.StalenessInterval = 7 * 24 * time.Hour
	}

	if cfg.Backtest.Lookback == 0 {
		cfg.Backtest.Lookback = 7 * 24 * time.Hour
	}
	if cfg.Backtest.CorpusLimit == 0 {
		cfg.Backtest.CorpusLimit = 10000
	}
	if cfg.Backtest.OverMatchRate == 0 {
		cfg.Backtest.OverMatchRate = 0.8
	}

	if cfg.Classifier.MemoTTL == 0 {
		cfg.Classifier.MemoTTL = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Backtest.OverMatchRate <= 0 || c.Backtest.OverMatchRate > 1 {
		return fmt.Errorf("backtest.over_match_rate must be in (0, 1], got %g", c.Backtest.OverMatchRate)
	}
	if c.Lifecycle.MinShadowMatches < 1 {
		return fmt.Errorf("lifecycle.min_shadow_matches must be >= 1, got %d", c.Lifecycle.MinShadowMatches)
	}
	if c.Lifecycle.MinMatchDays < 1 {
		return fmt.Errorf("lifecycle.min_match_days must be >= 1, got %d", c.Lifecycle.MinMatchDays)
	}
	if c.Discovery.MaxClusters < 1 {
		return fmt.Errorf("discovery.max_clusters must be >= 1, got %d", c.Discovery.MaxClusters)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// OracleEnabled reports whether a suggestion oracle is configured.
func (c *Config) OracleEnabled() bool {
	return c.Oracle.BaseURL != ""
}
