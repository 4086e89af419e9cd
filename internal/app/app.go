// Package app wires configuration into a running engine. Both the HTTP
// server and the one-shot CLI commands build their services here.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/api"
	"github.com/infinitrader/engine/internal/config"
	"github.com/infinitrader/engine/internal/cycle"
	"github.com/infinitrader/engine/internal/execution"
	"github.com/infinitrader/engine/internal/funds"
	"github.com/infinitrader/engine/internal/logging"
	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/metrics"
	"github.com/infinitrader/engine/internal/rebalance"
	"github.com/infinitrader/engine/internal/scheduler"
	"github.com/infinitrader/engine/internal/settings"
	"github.com/infinitrader/engine/internal/store"
	"github.com/infinitrader/engine/internal/symlock"
)

const serviceName = "infinitrader-engine"

// App holds every long-lived service.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	Store     store.Store
	Provider  marketdata.Provider
	Fetcher   *marketdata.Fetcher
	Settings  *settings.Service
	Rebalance *rebalance.Service
	Engine    *execution.Engine
	Tracker   *cycle.Tracker
	Hub       *api.WSHub
	Scheduler *scheduler.Scheduler

	cleanup []func()
}

// New builds the engine from cfg. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st
	if err := st.InitAccount(ctx, decimal.NewFromFloat(cfg.Ledger.InitialCash)); err != nil {
		a.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	provider, err := openProvider(cfg.Market)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Provider = marketdata.NewGuarded(provider, marketdata.GuardConfig{
		Timeout:       cfg.Market.CallTimeout,
		RatePerSecond: cfg.Market.RatePerSecond,
	}, log)

	history := cfg.Market.HistoryDays
	if history < cfg.Planner.MAPeriod+1 {
		history = cfg.Planner.MAPeriod + 1
	}
	a.Fetcher = marketdata.NewFetcher(a.Provider, cfg.Market.MaxConcurrency, cfg.Market.FetchTimeout, history)

	locks := symlock.New(cfg.Execution.LockTimeout)
	a.Settings = settings.NewService(st, locks, log)

	weights := make(map[string]decimal.Decimal, len(cfg.Planner.Weights))
	for sym, w := range cfg.Planner.Weights {
		weights[strings.ToUpper(sym)] = decimal.NewFromFloat(w)
	}
	planner := rebalance.NewPlanner(rebalance.Config{
		MinTradeValue: decimal.NewFromFloat(cfg.Planner.MinTradeValue),
		TaxRate:       decimal.NewFromFloat(cfg.Planner.TaxRate),
		LotSize:       decimal.NewFromFloat(cfg.Planner.LotSize),
		MAPeriod:      cfg.Planner.MAPeriod,
		Trend:         trendPolicy(cfg.Planner.Trend),
	}, rebalance.StrategyFor(weights))
	a.Rebalance = rebalance.NewService(planner, st, a.Settings, a.Fetcher, log)

	a.Engine = execution.NewEngine(st, locks, funds.NewBudget(decimal.NewFromFloat(cfg.Execution.MinReserve)),
		a.Fetcher, a.Rebalance, execution.Config{
			PriceTolerance: decimal.NewFromFloat(cfg.Execution.PriceTolerance),
			MaxPlanAge:     cfg.Execution.MaxPlanAge,
			TaxRate:        decimal.NewFromFloat(cfg.Planner.TaxRate),
		}, log)

	a.Tracker = cycle.NewTracker(a.Engine, st, a.Settings, a.Fetcher, cycle.Config{
		LotSize:    decimal.NewFromFloat(cfg.Planner.LotSize),
		Location:   cfg.Location(),
		TakeProfit: cfg.Cycle.TakeProfit,
	}, log)

	a.Hub = api.NewWSHub(log)
	a.Engine.SetPublisher(a.Hub)
	a.Tracker.SetPublisher(a.Hub)

	a.Scheduler = scheduler.New(cfg.Location(), cfg.Schedule.JobTimeout, log)
	if err := a.Scheduler.AddJob(cfg.Schedule.SyncCron, &scheduler.SyncJob{Tracker: a.Tracker, Log: log}); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.Scheduler.AddJob(cfg.Schedule.RebalanceCron, &scheduler.RebalanceJob{
		Engine: a.Engine, AutoExecute: cfg.Schedule.AutoExecute, Log: log,
	}); err != nil {
		a.Close()
		return nil, err
	}

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Bool("redis_cache", cfg.Storage.RedisURL != "").
		Str("provider", provider.Name()).
		Str("weights", planner.Weights().Name()).
		Msg("engine ready")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config.Storage
	var st store.Store

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		a.cleanup = append(a.cleanup, func() { pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		st = pg
		a.Log.Info().Msg("connected to PostgreSQL")
	case "sqlite":
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { sq.Close() })
		st = sq
		a.Log.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite")
	default:
		a.Log.Warn().Msg("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		a.Log.Info().Msg("Redis cache enabled")
	}
	return st, nil
}

func trendPolicy(cfg config.TrendConfig) rebalance.TrendPolicy {
	t := rebalance.TrendPolicy{HalvePerCondition: cfg.HalvePerCondition}
	if len(cfg.Hedges) > 0 {
		t.Hedges = make(map[string]bool, len(cfg.Hedges))
		for _, sym := range cfg.Hedges {
			t.Hedges[strings.ToUpper(sym)] = true
		}
	}
	if len(cfg.Partners) > 0 {
		t.Partners = make(map[string]string, len(cfg.Partners))
		for hedge, partner := range cfg.Partners {
			t.Partners[strings.ToUpper(hedge)] = strings.ToUpper(partner)
		}
	}
	return t
}

func openProvider(cfg config.MarketConfig) (marketdata.Provider, error) {
	switch cfg.Provider {
	case "alpaca":
		return marketdata.NewAlpaca(cfg.AlpacaKey, cfg.AlpacaSecret, cfg.AlpacaFeed)
	case "static":
		prices := make(map[string]decimal.Decimal, len(cfg.StaticPrices))
		for sym, p := range cfg.StaticPrices {
			prices[sym] = decimal.NewFromFloat(p)
		}
		return marketdata.NewStatic(prices), nil
	default:
		return marketdata.NewYahoo(cfg.CallTimeout), nil
	}
}

// Handler returns the API handler.
func (a *App) Handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Settings: a.Settings,
		Cycles:   a.Tracker,
		Preview:  a.Rebalance,
		Executor: a.Engine,
		Ledger:   a.Store,
		Hub:      a.Hub,
	}, a.Log)
}

// Router builds the HTTP router with middleware, /health, /metrics and the API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(a.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.Config.Server.WriteTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", api.Health(serviceName))
	r.Handle("/metrics", metrics.Handler())

	a.Handler().RegisterRoutes(r)
	return r
}

// Close releases stores and connections in reverse order.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// Server returns an http.Server for the router.
func (a *App) Server() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
