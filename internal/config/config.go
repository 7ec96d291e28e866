// Package config assembles runtime configuration from the environment, with
// an optional YAML file for the tunables that have no natural env encoding.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"spreadscan/internal/market"
	"spreadscan/internal/spreads"
)

// Config is the full runtime configuration of the ingest engine.
type Config struct {
	RedisAddr   string
	MetricsAddr string

	Venues      []market.VenueID
	UseTwoPhase bool

	BackendAPIURL string
	ServiceSecret string

	MinSpreadBps float64
	TopN         int
	Weights      spreads.Weights

	RefreshInterval time.Duration
	MonitorInterval time.Duration
	StaleAfter      time.Duration

	// DefaultSymbols feeds the legacy all-symbol mode when two-phase
	// ingestion is disabled.
	DefaultSymbols []string
}

// fileConfig is the YAML overlay, pointed at by SPREADSCAN_CONFIG.
type fileConfig struct {
	MinSpreadBps    float64          `yaml:"min_spread_bps"`
	TopN            int              `yaml:"top_n"`
	Weights         *spreads.Weights `yaml:"weights"`
	RefreshInterval string           `yaml:"refresh_interval"`
	MonitorInterval string           `yaml:"monitor_interval"`
	StaleAfter      string           `yaml:"stale_after"`
	DefaultSymbols  []string         `yaml:"default_symbols"`
}

var defaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "MATICUSDT", "AVAXUSDT", "DOTUSDT",
	"LTCUSDT", "LINKUSDT", "UNIUSDT", "ATOMUSDT", "ETCUSDT",
}

// Load reads the environment and the optional YAML overlay.
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:       getEnv("REDIS_HOST", "localhost") + ":" + getEnv("REDIS_PORT", "6379"),
		MetricsAddr:     ":" + getEnv("METRICS_PORT", "9090"),
		UseTwoPhase:     getEnv("USE_TWO_PHASE", "true") == "true",
		BackendAPIURL:   getEnv("BACKEND_API_URL", "http://localhost:8000"),
		ServiceSecret:   getEnv("SERVICE_SECRET", "default-dev-secret"),
		MinSpreadBps:    5.0,
		TopN:            50,
		Weights:         spreads.DefaultWeights(),
		RefreshInterval: 30 * time.Second,
		MonitorInterval: 15 * time.Second,
		StaleAfter:      30 * time.Second,
		DefaultSymbols:  defaultSymbols,
	}

	venues, err := parseVenues(getEnv("ENABLED_EXCHANGES", joinAll()))
	if err != nil {
		return nil, err
	}
	cfg.Venues = venues

	if raw := os.Getenv("MIN_SPREAD_BPS"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad MIN_SPREAD_BPS %q: %w", raw, err)
		}
		cfg.MinSpreadBps = v
	}

	if path := os.Getenv("SPREADSCAN_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.validate()
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if fc.MinSpreadBps > 0 {
		c.MinSpreadBps = fc.MinSpreadBps
	}
	if fc.TopN > 0 {
		c.TopN = fc.TopN
	}
	if fc.Weights != nil {
		c.Weights = *fc.Weights
	}
	if err := setDuration(&c.RefreshInterval, fc.RefreshInterval, "refresh_interval"); err != nil {
		return err
	}
	if err := setDuration(&c.MonitorInterval, fc.MonitorInterval, "monitor_interval"); err != nil {
		return err
	}
	if err := setDuration(&c.StaleAfter, fc.StaleAfter, "stale_after"); err != nil {
		return err
	}
	if len(fc.DefaultSymbols) > 0 {
		c.DefaultSymbols = fc.DefaultSymbols
	}
	return nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

func (c *Config) validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("config: no venues enabled")
	}
	if c.MinSpreadBps < 0 {
		return fmt.Errorf("config: min_spread_bps must not be negative")
	}
	if c.RefreshInterval < 5*time.Second {
		return fmt.Errorf("config: refresh_interval below five seconds hammers venue REST APIs")
	}
	return nil
}

func parseVenues(raw string) ([]market.VenueID, error) {
	known := make(map[market.VenueID]bool)
	for _, id := range market.AllVenues() {
		known[id] = true
	}
	var out []market.VenueID
	seen := make(map[market.VenueID]bool)
	for _, part := range strings.Split(raw, ",") {
		name := market.VenueID(strings.TrimSpace(strings.ToLower(part)))
		if name == "" {
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("config: unknown exchange %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func joinAll() string {
	ids := market.AllVenues()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
