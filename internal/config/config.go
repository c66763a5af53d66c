// Package config loads the service configuration with viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/atlas-desktop/screener-backend/internal/alerts"
	"github.com/atlas-desktop/screener-backend/internal/engine"
	"github.com/atlas-desktop/screener-backend/internal/monitor"
	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/risk"
	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/internal/stoploss"
	"github.com/atlas-desktop/screener-backend/internal/weights"
	"github.com/atlas-desktop/screener-backend/internal/workers"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. SCREENER_SERVER_PORT
const EnvPrefix = "SCREENER"

// Config is the complete service configuration
type Config struct {
	LogLevel string              `mapstructure:"log_level"`
	DataDir  string              `mapstructure:"data_dir"`
	Server   types.ServerConfig  `mapstructure:"server"`
	Storage  types.StorageConfig `mapstructure:"storage"`

	Engine   engine.Config           `mapstructure:"engine"`
	Risk     risk.CalculatorConfig   `mapstructure:"risk"`
	Regime   regime.ClassifierConfig `mapstructure:"regime"`
	Weights  weights.Config          `mapstructure:"weights"`
	Scoring  scoring.Config          `mapstructure:"scoring"`
	StopLoss stoploss.Config         `mapstructure:"stoploss"`
	Alerts   alerts.Config           `mapstructure:"alerts"`
	Webhook  alerts.WebhookConfig    `mapstructure:"webhook"`
	Workers  workers.PoolConfig      `mapstructure:"workers"`
	Monitor  monitor.Config          `mapstructure:"monitor"`
}

// Default assembles every component default
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "./data/market",
		Server:   types.DefaultServerConfig(),
		Storage:  types.DefaultStorageConfig(),
		Engine:   *engine.DefaultConfig(),
		Risk:     *risk.DefaultCalculatorConfig(),
		Regime:   *regime.DefaultClassifierConfig(),
		Weights:  *weights.DefaultConfig(),
		Scoring:  *scoring.DefaultConfig(),
		StopLoss: *stoploss.DefaultConfig(),
		Alerts:   *alerts.DefaultConfig(),
		Webhook:  *alerts.DefaultWebhookConfig(""),
		Workers:  *workers.DefaultPoolConfig("screener"),
		Monitor:  *monitor.DefaultConfig(),
	}
}

// Load reads path, or screener.{yaml,json,toml} from ./configs and the
// working directory when path is empty, and applies SCREENER_ overrides.
// A missing file is not an error when no path was given.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("screener")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	)), func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()

	return cfg, nil
}

// setDefaults registers the scalar keys so environment overrides apply
// without a config file
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.enable_metrics", d.Server.EnableMetrics)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", d.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.redis.pool_size", d.Storage.Redis.PoolSize)
	v.SetDefault("storage.redis.timeout", d.Storage.Redis.Timeout)

	v.SetDefault("engine.var_method", string(d.Engine.VaRMethod))
	v.SetDefault("engine.index_code", d.Engine.IndexCode)
	v.SetDefault("engine.history_days", d.Engine.HistoryDays)

	v.SetDefault("risk.lookback_days", d.Risk.LookbackDays)
	v.SetDefault("risk.risk_free_rate", d.Risk.RiskFreeRate)
	v.SetDefault("risk.horizon_days", d.Risk.HorizonDays)
	v.SetDefault("risk.monte_carlo_paths", d.Risk.MonteCarloPaths)
	v.SetDefault("risk.seed", d.Risk.Seed)

	v.SetDefault("alerts.cooldown", d.Alerts.Cooldown)
	v.SetDefault("webhook.url", d.Webhook.URL)
	v.SetDefault("webhook.rate_per_second", d.Webhook.RatePerSecond)
	v.SetDefault("webhook.attempts", d.Webhook.Attempts)
	v.SetDefault("webhook.queue_size", d.Webhook.QueueSize)

	v.SetDefault("workers.num_workers", d.Workers.NumWorkers)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)

	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.trading_hours_only", d.Monitor.TradingHoursOnly)
	v.SetDefault("monitor.time_zone", d.Monitor.TimeZone)
	v.SetDefault("monitor.cycle_timeout", d.Monitor.CycleTimeout)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes numbers and numeric strings into decimal.Decimal
func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

// normalize restores the case of enum map keys, which viper lowercases
func (c *Config) normalize() {
	trails := make(map[types.StopStrategy]decimal.Decimal, len(c.StopLoss.Trails))
	for k, v := range c.StopLoss.Trails {
		trails[types.StopStrategy(strings.ToUpper(string(k)))] = v
	}
	c.StopLoss.Trails = trails
	c.StopLoss.DefaultStrategy = types.StopStrategy(strings.ToUpper(string(c.StopLoss.DefaultStrategy)))

	deltas := make(map[types.EnvironmentKind]map[types.FactorKind]float64, len(c.Weights.Deltas))
	for k, v := range c.Weights.Deltas {
		deltas[types.EnvironmentKind(strings.ToUpper(string(k)))] = v
	}
	c.Weights.Deltas = deltas

	bands := make(map[types.AlertKind][]float64, len(c.Alerts.Bands))
	for k, v := range c.Alerts.Bands {
		bands[types.AlertKind(strings.ToUpper(string(k)))] = v
	}
	c.Alerts.Bands = bands

	c.Engine.VaRMethod = types.VaRMethod(strings.ToLower(string(c.Engine.VaRMethod)))
	c.Risk.DefaultMethod = types.VaRMethod(strings.ToLower(string(c.Risk.DefaultMethod)))
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
}

// Validate checks every section; all failures are configuration errors
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return types.Errorf(types.KindConfiguration, "config", "invalid log_level %q", c.LogLevel)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return types.Errorf(types.KindConfiguration, "config", "invalid server port %d", c.Server.Port)
	}
	if c.DataDir == "" {
		return types.NewError(types.KindConfiguration, "config", "data_dir is required")
	}
	switch c.Storage.Backend {
	case "file":
		if c.Storage.DataDir == "" {
			return types.NewError(types.KindConfiguration, "config", "storage.data_dir is required for the file backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return types.NewError(types.KindConfiguration, "config", "storage.redis.addr is required for the redis backend")
		}
	default:
		return types.Errorf(types.KindConfiguration, "config", "unknown storage backend %q", c.Storage.Backend)
	}
	if c.Webhook.URL != "" {
		if !utils.ValidateWebhookURL(c.Webhook.URL) {
			return types.Errorf(types.KindConfiguration, "config", "invalid webhook url %q", c.Webhook.URL)
		}
	}
	if c.Workers.NumWorkers <= 0 {
		return types.NewError(types.KindConfiguration, "config", "workers.num_workers must be positive")
	}

	validators := []interface{ Validate() error }{
		&c.Engine,
		&c.Risk,
		&c.Regime,
		&c.Weights,
		&c.StopLoss,
		&c.Alerts,
		&c.Monitor,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	for _, kind := range c.Scoring.Enabled {
		if !kind.Valid() {
			return types.Errorf(types.KindConfiguration, "config", "unknown scoring factor %q", kind)
		}
	}
	return nil
}
