package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MinFeedInterval keeps the prime rate poller from hammering its source.
var MinFeedInterval = time.Second

// Validate ensures the configuration is internally consistent and that every
// market seeds a valid rate curve.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: listen address required")
	}
	switch cfg.Storage.Backend {
	case "", "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("config: storage.%s requires a path", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("config: rate limit must be non-negative")
	}
	if cfg.Feed.URL != "" && cfg.Feed.Interval < MinFeedInterval {
		return fmt.Errorf("config: feed.interval must be at least %s", MinFeedInterval)
	}
	if cfg.Auth.HMACSecret != "" {
		if strings.TrimSpace(cfg.Auth.AdminScope) == "" {
			return fmt.Errorf("config: auth.adminScope required when admin routes are enabled")
		}
		if strings.TrimSpace(cfg.Auth.PoolScope) == "" {
			return fmt.Errorf("config: auth.poolScope required when auth is enabled")
		}
	}
	if len(cfg.Markets) == 0 {
		return fmt.Errorf("config: at least one market required")
	}
	seen := make(map[string]struct{}, len(cfg.Markets))
	for i, market := range cfg.Markets {
		id := market.NormalizedID()
		if id == "" {
			return fmt.Errorf("config: markets[%d]: id required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: markets[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		params, err := market.RateParams()
		if err != nil {
			return fmt.Errorf("config: market %s: %w", id, err)
		}
		if err := params.Validate(); err != nil {
			return fmt.Errorf("config: market %s: %w", id, err)
		}
	}
	if market := cfg.Feed.NormalizedMarket(); cfg.Feed.URL != "" && market != "" {
		if _, ok := seen[market]; !ok {
			return fmt.Errorf("config: feed.market %q is not a configured market", market)
		}
	}
	return nil
}

// LogLevel returns the parsed logging level, defaulting to info.
func (cfg *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
