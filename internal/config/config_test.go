package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/config"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	defer os.Chdir(wd)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.Backend != "file" {
		t.Errorf("Unexpected defaults: port %d backend %s", cfg.Server.Port, cfg.Storage.Backend)
	}
	if cfg.Monitor.Interval != 30*time.Minute {
		t.Errorf("Expected 30m interval, got %v", cfg.Monitor.Interval)
	}
	if !cfg.StopLoss.Trails[types.StrategyBalanced].Equal(decimal.NewFromFloat(0.08)) {
		t.Errorf("Default trails lost: %v", cfg.StopLoss.Trails)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded defaults should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "screener.yaml", `
log_level: debug
server:
  port: 9000
  allowed_origins: ["http://localhost:3000"]
storage:
  backend: REDIS
  redis:
    addr: redis:6379
    timeout: 2s
engine:
  var_method: Parametric
  universe: ["600519", "000858"]
monitor:
  interval: 10m
  trading_hours_only: false
stoploss:
  default_strategy: aggressive
  trails:
    conservative: 0.04
    balanced: "0.07"
    aggressive: 0.1
alerts:
  bands:
    var: [0.1, 0.3, 0.6]
weights:
  deltas:
    bull:
      growth: 0.05
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Server.Port != 9000 {
		t.Errorf("Scalars not loaded: %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Origins not replaced: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Storage.Backend != "redis" || cfg.Storage.Redis.Timeout != 2*time.Second {
		t.Errorf("Storage not loaded: %+v", cfg.Storage)
	}
	if cfg.Engine.VaRMethod != types.VaRParametric || len(cfg.Engine.Universe) != 2 {
		t.Errorf("Engine not loaded: %+v", cfg.Engine)
	}
	if cfg.Monitor.Interval != 10*time.Minute || cfg.Monitor.TradingHoursOnly {
		t.Errorf("Monitor not loaded: %+v", cfg.Monitor)
	}
	if cfg.StopLoss.DefaultStrategy != types.StrategyAggressive {
		t.Errorf("Expected AGGRESSIVE, got %s", cfg.StopLoss.DefaultStrategy)
	}
	if !cfg.StopLoss.Trails[types.StrategyBalanced].Equal(decimal.RequireFromString("0.07")) {
		t.Errorf("Unexpected balanced trail %v", cfg.StopLoss.Trails)
	}
	if len(cfg.StopLoss.Trails) != 3 {
		t.Errorf("Trails should be replaced, got %v", cfg.StopLoss.Trails)
	}
	if b := cfg.Alerts.Bands[types.AlertVaR]; len(b) != 3 || b[0] != 0.1 {
		t.Errorf("VaR bands not loaded: %v", cfg.Alerts.Bands)
	}
	if d := cfg.Weights.Deltas[types.EnvironmentBull]; d[types.FactorGrowth] != 0.05 {
		t.Errorf("Bull deltas not loaded: %v", cfg.Weights.Deltas)
	}
	if _, ok := cfg.Weights.Deltas[types.EnvironmentBear]; ok {
		t.Error("Deltas should be replaced, not merged")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded config should validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "screener.yaml", "server:\n  port: 9000\n")
	t.Setenv("SCREENER_SERVER_PORT", "9100")
	t.Setenv("SCREENER_MONITOR_INTERVAL", "45s")
	t.Setenv("SCREENER_STORAGE_BACKEND", "redis")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Monitor.Interval != 45*time.Second {
		t.Errorf("Expected 45s interval, got %v", cfg.Monitor.Interval)
	}
	if cfg.Storage.Backend != "redis" {
		t.Errorf("Expected redis backend, got %s", cfg.Storage.Backend)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"log level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"port", func(c *config.Config) { c.Server.Port = 0 }},
		{"backend", func(c *config.Config) { c.Storage.Backend = "s3" }},
		{"redis addr", func(c *config.Config) { c.Storage.Backend = "redis"; c.Storage.Redis.Addr = "" }},
		{"webhook", func(c *config.Config) { c.Webhook.URL = "ftp://example" }},
		{"workers", func(c *config.Config) { c.Workers.NumWorkers = 0 }},
		{"monitor", func(c *config.Config) { c.Monitor.TimeZone = "Nowhere/City" }},
		{"trail", func(c *config.Config) { delete(c.StopLoss.Trails, types.StrategyBalanced) }},
		{"factor", func(c *config.Config) { c.Scoring.Enabled = []types.FactorKind{"luck"} }},
		{"var method", func(c *config.Config) { c.Engine.VaRMethod = "guess" }},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if !errors.Is(err, types.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tc.name, err)
		}
	}
}
