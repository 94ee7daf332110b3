package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"raac/observability/logging"
)

// EnvPrefix namespaces every environment override, e.g.
// RESERVED_LISTEN_ADDRESS or RESERVED_STORAGE_BACKEND.
const EnvPrefix = "RESERVED"

// Config captures the runtime settings for reserved.
type Config struct {
	Service       string          `toml:"Service" yaml:"service" split_words:"true"`
	Environment   string          `toml:"Environment" yaml:"environment" split_words:"true"`
	ListenAddress string          `toml:"ListenAddress" yaml:"listenAddress" split_words:"true"`
	Storage       StorageConfig   `toml:"storage" yaml:"storage"`
	Journal       JournalConfig   `toml:"journal" yaml:"journal"`
	Logging       LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rateLimit" split_words:"true"`
	Feed          FeedConfig      `toml:"feed" yaml:"feed"`
	Markets       []MarketConfig  `toml:"markets" yaml:"markets" ignored:"true"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Service:       "reserved",
		Environment:   "local",
		ListenAddress: ":8085",
		Storage:       StorageConfig{Backend: "memory"},
		Logging:       LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Telemetry:     TelemetryConfig{Insecure: true, Metrics: true, Traces: true},
		Auth:          AuthConfig{Issuer: "reserved", Audience: "reserved-admin", AdminScope: "reserve:admin", PoolScope: "reserve:pool"},
		RateLimit:     RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Feed:          FeedConfig{Interval: time.Minute, MaxElapsed: 30 * time.Second},
		Markets:       []MarketConfig{{ID: "rToken"}},
	}
}

// Load reads path (TOML, or YAML for .yaml/.yml files) on top of the defaults
// and then applies environment overrides. An empty path skips the file.
// Unknown TOML keys are rejected so typos do not silently fall back to
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("config: open %s: %w", path, err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		return nil
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		return nil
	}
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.Auth.HMACSecret = logging.MaskValue(clone.Auth.HMACSecret)
	clone.Telemetry.Headers = logging.MaskValue(clone.Telemetry.Headers)
	if strings.Contains(clone.Journal.DSN, "@") {
		clone.Journal.DSN = logging.MaskValue(clone.Journal.DSN)
	}
	clone.Feed.URL = logging.MaskURL(clone.Feed.URL)
	clone.Markets = append([]MarketConfig(nil), cfg.Markets...)
	return clone
}
