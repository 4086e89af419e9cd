// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in that order of precedence (env wins).
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Market    MarketConfig    `yaml:"market"`
	Planner   PlannerConfig   `yaml:"planner"`
	Execution ExecutionConfig `yaml:"execution"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Cycle     CycleConfig     `yaml:"cycle"`
	Ledger    LedgerConfig    `yaml:"ledger"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

type StorageConfig struct {
	Driver      string        `yaml:"driver" validate:"oneof=memory postgres sqlite"`
	DatabaseURL string        `yaml:"database_url" validate:"required_if=Driver postgres"`
	SQLitePath  string        `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type MarketConfig struct {
	Provider       string             `yaml:"provider" validate:"oneof=alpaca yahoo static"`
	AlpacaKey      string             `yaml:"alpaca_key" validate:"required_if=Provider alpaca"`
	AlpacaSecret   string             `yaml:"alpaca_secret" validate:"required_if=Provider alpaca"`
	AlpacaFeed     string             `yaml:"alpaca_feed"`
	FetchTimeout   time.Duration      `yaml:"fetch_timeout"`
	CallTimeout    time.Duration      `yaml:"call_timeout"`
	MaxConcurrency int                `yaml:"max_concurrency" validate:"min=1,max=64"`
	RatePerSecond  float64            `yaml:"rate_per_second" validate:"gte=0"`
	HistoryDays    int                `yaml:"history_days" validate:"min=1"`
	StaticPrices   map[string]float64 `yaml:"static_prices"`
}

type PlannerConfig struct {
	MinTradeValue float64            `yaml:"min_trade_value" validate:"gte=0"`
	TaxRate       float64            `yaml:"tax_rate" validate:"gte=0,lte=1"`
	LotSize       float64            `yaml:"lot_size" validate:"gt=0"`
	MAPeriod      int                `yaml:"ma_period" validate:"min=2"`
	Weights       map[string]float64 `yaml:"weights"`
	Trend         TrendConfig        `yaml:"trend"`
}

// TrendConfig reshapes the configured weights by trend. Partners maps a
// hedge to the symbol whose weight doubles when that hedge is killed.
type TrendConfig struct {
	HalvePerCondition bool              `yaml:"halve_per_condition"`
	Hedges            []string          `yaml:"hedges" validate:"dive,required"`
	Partners          map[string]string `yaml:"partners" validate:"dive,keys,required,endkeys,required"`
}

type ExecutionConfig struct {
	PriceTolerance float64       `yaml:"price_tolerance" validate:"gte=0,lte=1"`
	MaxPlanAge     time.Duration `yaml:"max_plan_age"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	MinReserve     float64       `yaml:"min_reserve" validate:"gte=0"`
}

type ScheduleConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Timezone      string        `yaml:"timezone" validate:"required"`
	SyncCron      string        `yaml:"sync_cron" validate:"required"`
	RebalanceCron string        `yaml:"rebalance_cron" validate:"required"`
	AutoExecute   bool          `yaml:"auto_execute"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

// CycleConfig controls staged deployment. With TakeProfit a sync sells the
// whole cycle once the price reaches avg × (1 + target rate) and starts over.
type CycleConfig struct {
	TakeProfit bool `yaml:"take_profit"`
}

type LedgerConfig struct {
	InitialCash float64 `yaml:"initial_cash" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Driver: "memory", SQLitePath: "data/engine.db", CacheTTL: 30 * time.Second},
		Market: MarketConfig{
			Provider:       "yahoo",
			AlpacaFeed:     "iex",
			FetchTimeout:   20 * time.Second,
			CallTimeout:    10 * time.Second,
			MaxConcurrency: 4,
			RatePerSecond:  5,
			HistoryDays:    200,
		},
		Planner: PlannerConfig{MinTradeValue: 10, TaxRate: 0.22, LotSize: 1, MAPeriod: 130},
		Execution: ExecutionConfig{
			PriceTolerance: 0.02,
			MaxPlanAge:     15 * time.Minute,
			LockTimeout:    5 * time.Second,
		},
		Schedule: ScheduleConfig{
			Enabled:       true,
			Timezone:      "America/New_York",
			SyncCron:      "50 15 * * 1-5",
			RebalanceCron: "50 15 26 * *",
			JobTimeout:    5 * time.Minute,
		},
		Cycle:  CycleConfig{TakeProfit: true},
		Ledger: LedgerConfig{InitialCash: 10000},
	}
}

// Load reads path (a missing file is fine), then .env, then environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("REDIS_URL", &c.Storage.RedisURL)
	str("MARKET_PROVIDER", &c.Market.Provider)
	str("ALPACA_API_KEY", &c.Market.AlpacaKey)
	str("ALPACA_API_SECRET", &c.Market.AlpacaSecret)
	str("ALPACA_FEED", &c.Market.AlpacaFeed)
	str("LOG_LEVEL", &c.Log.Level)
	str("SCHEDULE_TIMEZONE", &c.Schedule.Timezone)
	str("SYNC_CRON", &c.Schedule.SyncCron)
	str("REBALANCE_CRON", &c.Schedule.RebalanceCron)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	for key, dst := range map[string]*bool{
		"LOG_PRETTY":       &c.Log.Pretty,
		"SCHEDULE_ENABLED": &c.Schedule.Enabled,
		"AUTO_EXECUTE":     &c.Schedule.AutoExecute,
		"TAKE_PROFIT":      &c.Cycle.TakeProfit,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	if v := os.Getenv("INITIAL_CASH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("INITIAL_CASH: %w", err)
		}
		c.Ledger.InitialCash = f
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that the timezone exists.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid config: schedule.timezone: %w", err)
	}
	for hedge := range c.Planner.Trend.Partners {
		if !slices.Contains(c.Planner.Trend.Hedges, hedge) {
			return fmt.Errorf("invalid config: planner.trend.partners: %s is not a hedge", hedge)
		}
	}
	return nil
}

// Location returns the scheduling timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
