package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 130, cfg.Planner.MAPeriod)
	assert.Equal(t, 0.22, cfg.Planner.TaxRate)
	assert.Equal(t, "50 15 * * 1-5", cfg.Schedule.SyncCron)
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
storage:
  driver: sqlite
  sqlite_path: /tmp/x.db
market:
  provider: static
  static_prices:
    TQQQ: 100
execution:
  max_plan_age: 5m
planner:
  weights:
    TQQQ: 0.6
    SOXL: 0.4
  trend:
    halve_per_condition: true
    hedges: [PFIX, TMF]
    partners:
      PFIX: TMF
      TMF: PFIX
cycle:
  take_profit: false
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Execution.MaxPlanAge)
	assert.Equal(t, 100.0, cfg.Market.StaticPrices["TQQQ"])
	assert.Equal(t, 0.4, cfg.Planner.Weights["SOXL"])
	assert.True(t, cfg.Planner.Trend.HalvePerCondition)
	assert.Equal(t, []string{"PFIX", "TMF"}, cfg.Planner.Trend.Hedges)
	assert.Equal(t, "PFIX", cfg.Planner.Trend.Partners["TMF"])
	assert.False(t, cfg.Cycle.TakeProfit)
	assert.Equal(t, 0.02, cfg.Execution.PriceTolerance, "unset keys keep defaults")
}

func TestLoad_EnvWins(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\n")
	t.Setenv("PORT", "7070")
	t.Setenv("AUTO_EXECUTE", "true")
	t.Setenv("INITIAL_CASH", "2500.5")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Schedule.AutoExecute)
	assert.Equal(t, 2500.5, cfg.Ledger.InitialCash)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("PORT", "eighty")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"postgres without url": func(c *config.Config) { c.Storage.Driver = "postgres" },
		"alpaca without keys":  func(c *config.Config) { c.Market.Provider = "alpaca" },
		"unknown driver":       func(c *config.Config) { c.Storage.Driver = "mongo" },
		"tax rate above one":   func(c *config.Config) { c.Planner.TaxRate = 1.5 },
		"bad timezone":         func(c *config.Config) { c.Schedule.Timezone = "Mars/Olympus" },
		"zero lot size":        func(c *config.Config) { c.Planner.LotSize = 0 },
		"partner of a non-hedge": func(c *config.Config) {
			c.Planner.Trend.Hedges = []string{"TMF"}
			c.Planner.Trend.Partners = map[string]string{"PFIX": "TMF"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := config.Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, config.Default().Validate())
}
