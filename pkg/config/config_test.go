package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("BINANCE_SYMBOLS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data/copytrade.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.ErrorBackoff)
	assert.Equal(t, 1000, cfg.ProcessedSetCap)
	assert.Equal(t, 500, cfg.ProcessedSetKeep)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.BinanceSymbols)
	assert.InDelta(t, 0.5, cfg.FallbackFactor, 1e-12)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/legacy.db")
	t.Setenv("DB_PATH", "")
	t.Setenv("POLL_INTERVAL", "750ms")
	t.Setenv("ERROR_BACKOFF", "not-a-duration")
	t.Setenv("BINANCE_SYMBOLS", " xrpusdt, ,solusdt ")
	t.Setenv("MAX_NOTIONAL_PCT", "15")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/legacy.db", cfg.DBPath)
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.ErrorBackoff, "malformed duration falls back to default")
	assert.Equal(t, []string{"XRPUSDT", "SOLUSDT"}, cfg.BinanceSymbols)
	assert.InDelta(t, 15.0, cfg.MaxNotionalPct, 1e-12)
}

func TestValidate(t *testing.T) {
	t.Setenv("PROCESSED_SET_CAP", "")
	t.Setenv("PROCESSED_SET_KEEP", "")
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"cap above 100", func(c *Config) { c.MaxTradeRiskPct = 120 }},
		{"keep not below cap", func(c *Config) { c.ProcessedSetKeep = c.ProcessedSetCap }},
		{"fallback factor zero", func(c *Config) { c.FallbackFactor = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
