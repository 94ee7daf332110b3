package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"raac/native/fixedpoint"
	"raac/native/reserve"
)

// StorageConfig selects the key-value backend reserve records are written to.
type StorageConfig struct {
	Backend string `toml:"Backend" yaml:"backend" split_words:"true"`
	Path    string `toml:"Path" yaml:"path" split_words:"true"`
}

// JournalConfig points the event journal at a SQL database. sqlite paths and
// postgres:// URLs are accepted; an empty DSN disables the journal.
type JournalConfig struct {
	DSN string `toml:"DSN" yaml:"dsn" split_words:"true"`
}

// LoggingConfig controls the structured logger. Logs go to stdout unless File
// is set, in which case they rotate through lumberjack.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level" split_words:"true"`
	File       string `toml:"File" yaml:"file" split_words:"true"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB" split_words:"true"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups" split_words:"true"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays" split_words:"true"`
	Compress   bool   `toml:"Compress" yaml:"compress" split_words:"true"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint" split_words:"true"`
	Insecure bool   `toml:"Insecure" yaml:"insecure" split_words:"true"`
	Headers  string `toml:"Headers" yaml:"headers" split_words:"true"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics" split_words:"true"`
	Traces   bool   `toml:"Traces" yaml:"traces" split_words:"true"`
}

// AuthConfig protects the governance endpoints with HMAC signed JWTs. Admin
// routes are not mounted when HMACSecret is empty, and the pool routes
// (deposit, withdraw, usage, accrue) are then open.
type AuthConfig struct {
	HMACSecret string `toml:"HMACSecret" yaml:"hmacSecret" split_words:"true"`
	Issuer     string `toml:"Issuer" yaml:"issuer" split_words:"true"`
	Audience   string `toml:"Audience" yaml:"audience" split_words:"true"`
	AdminScope string `toml:"AdminScope" yaml:"adminScope" split_words:"true"`
	PoolScope  string `toml:"PoolScope" yaml:"poolScope" split_words:"true"`
}

// RateLimitConfig throttles callers by remote address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requestsPerSecond" split_words:"true"`
	Burst             int     `toml:"Burst" yaml:"burst" split_words:"true"`
}

// FeedConfig configures the prime rate poller. The poller is disabled when
// URL is empty. An empty Market applies the feed to every reserve.
type FeedConfig struct {
	URL        string        `toml:"URL" yaml:"url" split_words:"true"`
	Market     string        `toml:"Market" yaml:"market" split_words:"true"`
	Interval   time.Duration `toml:"Interval" yaml:"interval" split_words:"true"`
	MaxElapsed time.Duration `toml:"MaxElapsed" yaml:"maxElapsed" split_words:"true"`
}

// NormalizedMarket returns Market normalised like MarketConfig.NormalizedID.
func (f FeedConfig) NormalizedMarket() string {
	return normalizeID(f.Market)
}

// MarketConfig seeds one reserve. Rates are decimal fractions, so "0.05"
// means 5% a year.
type MarketConfig struct {
	ID                 string `toml:"ID" yaml:"id"`
	PrimeRate          string `toml:"PrimeRate" yaml:"primeRate"`
	BaseRate           string `toml:"BaseRate" yaml:"baseRate"`
	OptimalRate        string `toml:"OptimalRate" yaml:"optimalRate"`
	MaxRate            string `toml:"MaxRate" yaml:"maxRate"`
	OptimalUtilization string `toml:"OptimalUtilization" yaml:"optimalUtilization"`
	ProtocolFee        string `toml:"ProtocolFee" yaml:"protocolFee"`
}

// NormalizedID trims and NFC normalises the market identifier so visually
// identical ids map to the same reserve.
func (m MarketConfig) NormalizedID() string {
	return normalizeID(m.ID)
}

func normalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// RateParams converts the decimal rates into ray parameters. Empty fields
// fall back to reserve.DefaultRateParams.
func (m MarketConfig) RateParams() (reserve.RateParams, error) {
	params := reserve.DefaultRateParams()
	var err error
	if params.PrimeRate, err = rayOrDefault("PrimeRate", m.PrimeRate, params.PrimeRate); err != nil {
		return reserve.RateParams{}, err
	}
	if params.BaseRate, err = rayOrDefault("BaseRate", m.BaseRate, params.BaseRate); err != nil {
		return reserve.RateParams{}, err
	}
	if params.OptimalRate, err = rayOrDefault("OptimalRate", m.OptimalRate, params.OptimalRate); err != nil {
		return reserve.RateParams{}, err
	}
	if params.MaxRate, err = rayOrDefault("MaxRate", m.MaxRate, params.MaxRate); err != nil {
		return reserve.RateParams{}, err
	}
	if params.OptimalUtilizationRate, err = rayOrDefault("OptimalUtilization", m.OptimalUtilization, params.OptimalUtilizationRate); err != nil {
		return reserve.RateParams{}, err
	}
	if params.ProtocolFeeRate, err = rayOrDefault("ProtocolFee", m.ProtocolFee, params.ProtocolFeeRate); err != nil {
		return reserve.RateParams{}, err
	}
	return params, nil
}

func rayOrDefault(field, value string, fallback *uint256.Int) (*uint256.Int, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	ray, err := fixedpoint.RayFromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return ray, nil
}
