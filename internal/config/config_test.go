package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-stage-bot/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_JSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"stock_pool": ["600519", "000001"],
		"index_symbol": "000001.SH",
		"risk": {"total_capital": 500000}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"600519", "000001"}, cfg.StockPool)
	assert.Equal(t, "file", cfg.DataSource)
	assert.Equal(t, 150, cfg.Weeks)
	assert.Equal(t, 500000.0, cfg.Risk.TotalCapital)
	assert.Equal(t, 2.0, cfg.Risk.MaxLossPercent)
	assert.Equal(t, 8.0, cfg.Risk.StopLossPercent)
	assert.Equal(t, 10, cfg.Risk.MaxPositions)
	assert.Equal(t, 20.0, cfg.Risk.SinglePositionMaxPercent)
	assert.Equal(t, 30, cfg.Analyzer.MAPeriod)
	assert.Equal(t, 20, cfg.Analyzer.MinObservations)
	assert.Equal(t, 0.02, cfg.Analyzer.SlopeThreshold)
	assert.Equal(t, 5, cfg.Schedule.Weekday)
	assert.Equal(t, "15:30", cfg.Schedule.Time)
	assert.Equal(t, "info", cfg.LogConfig.Level)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
data_source: binance
stock_pool:
  - BTCUSDT
  - ETHUSDT
weeks: 120
analyzer:
  slope_threshold: 0.03
log:
  level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "binance", cfg.DataSource)
	assert.Equal(t, 120, cfg.Weeks)
	assert.Equal(t, 0.03, cfg.Analyzer.SlopeThreshold)
	assert.Equal(t, 30, cfg.Analyzer.MAPeriod)
	assert.Equal(t, "debug", cfg.LogConfig.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("empty stock pool", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"stock_pool": []}`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "StockPool")
	})

	t.Run("unknown data source", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"stock_pool": ["A"], "data_source": "ftp"}`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DataSource")
	})

	t.Run("unknown field", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"stock_pool": ["A"], "grid_spacing": 0.01}`)
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("too few weeks", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"stock_pool": ["A"], "weeks": 10}`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Weeks")
	})
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("STOCK_POOL", "AAA, BBB ,,CCC")
	t.Setenv("MAX_LOSS_PERCENT", "1.5")
	path := writeFile(t, "config.json", `{"stock_pool": ["ZZZ"]}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, cfg.StockPool)
	assert.Equal(t, 1.5, cfg.Risk.MaxLossPercent)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"INDEX_SYMBOL":       "000300",
		"TOTAL_CAPITAL":      "2000000",
		"STOP_LOSS_PERCENT":  "7",
		"LOG_LEVEL":          "warn",
		"BINANCE_API_KEY":    "k",
		"BINANCE_SECRET_KEY": "s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &models.Config{}
	require.NoError(t, ApplyEnv(cfg, lookup))
	assert.Equal(t, "000300", cfg.IndexSymbol)
	assert.Equal(t, 2000000.0, cfg.Risk.TotalCapital)
	assert.Equal(t, 7.0, cfg.Risk.StopLossPercent)
	assert.Equal(t, "warn", cfg.LogConfig.Level)
	assert.Equal(t, "k", cfg.BinanceAPIKey)
	assert.Equal(t, "s", cfg.BinanceSecretKey)

	env["TOTAL_CAPITAL"] = "lots"
	assert.Error(t, ApplyEnv(cfg, lookup))
}

func TestLoadConfig_Example(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"688", "8"}, cfg.ExcludedPrefixes)
	assert.Equal(t, "000300", cfg.IndexSymbol)
	assert.Equal(t, 8, cfg.ScanConcurrency)
	assert.Equal(t, "both", cfg.LogConfig.Output)
}
