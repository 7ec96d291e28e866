package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.True(t, cfg.UseTwoPhase)
	assert.Equal(t, 5.0, cfg.MinSpreadBps)
	assert.Len(t, cfg.Venues, len(market.AllVenues()))
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 30*time.Second, cfg.StaleAfter)
	assert.Len(t, cfg.DefaultSymbols, 15)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("ENABLED_EXCHANGES", "binance, Bybit ,okx")
	t.Setenv("USE_TWO_PHASE", "false")
	t.Setenv("MIN_SPREAD_BPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, []market.VenueID{market.Binance, market.Bybit, market.OKX}, cfg.Venues)
	assert.False(t, cfg.UseTwoPhase)
	assert.Equal(t, 2.5, cfg.MinSpreadBps)
}

func TestLoadRejectsUnknownExchange(t *testing.T) {
	t.Setenv("ENABLED_EXCHANGES", "binance,hyperliquid")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hyperliquid")
}

func TestLoadRejectsEmptyExchangeList(t *testing.T) {
	t.Setenv("ENABLED_EXCHANGES", " , ")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadMinSpread(t *testing.T) {
	t.Setenv("MIN_SPREAD_BPS", "lots")
	_, err := Load()
	require.Error(t, err)
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spreadscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
min_spread_bps: 3
top_n: 10
weights:
  spread: 2.0
  depth: 1.0
  volume: 0.5
  funding: 0.2
refresh_interval: 10m
stale_after: 45s
default_symbols: [BTCUSDT, ETHUSDT]
`), 0o644))
	t.Setenv("SPREADSCAN_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.MinSpreadBps)
	assert.Equal(t, 10, cfg.TopN)
	assert.Equal(t, 2.0, cfg.Weights.Spread)
	assert.Equal(t, 10*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 45*time.Second, cfg.StaleAfter)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.DefaultSymbols)
}

func TestYAMLOverlayBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spreadscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refresh_interval: soon\n"), 0o644))
	t.Setenv("SPREADSCAN_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh_interval")
}

func TestRefreshIntervalFloorIsEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spreadscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refresh_interval: 1s\n"), 0o644))
	t.Setenv("SPREADSCAN_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}
