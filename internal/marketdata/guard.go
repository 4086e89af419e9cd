package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/infinitrader/engine/internal/metrics"
	"github.com/infinitrader/engine/internal/model"
)

// GuardConfig tunes the protections applied around a provider.
type GuardConfig struct {
	// Timeout bounds every upstream call. Zero means 10s.
	Timeout time.Duration
	// RatePerSecond caps outbound calls. Zero disables limiting.
	RatePerSecond float64
	// Burst is the limiter bucket size. Defaults to RatePerSecond.
	Burst int
	// TripAfter consecutive failures opens the breaker. Zero means 3.
	TripAfter uint32
	// CoolDown is how long the breaker stays open. Zero means 60s.
	CoolDown time.Duration
}

// Guarded wraps a Provider with a deadline, a rate limiter and a circuit
// breaker. Every failure it returns wraps model.ErrMarketDataUnavailable.
type Guarded struct {
	inner   Provider
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewGuarded wraps p.
func NewGuarded(p Provider, cfg GuardConfig, log zerolog.Logger) *Guarded {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}

	g := &Guarded{
		inner:   p,
		timeout: cfg.Timeout,
		log:     log.With().Str("component", "marketdata").Str("provider", p.Name()).Logger(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	st := gobreaker.Settings{Name: p.Name()}
	st.Interval = 60 * time.Second
	st.Timeout = cfg.CoolDown
	trip := cfg.TripAfter
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= trip
	}
	st.IsSuccessful = func(err error) bool {
		// A caller giving up is not the upstream's fault.
		return err == nil || errors.Is(err, context.Canceled)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		open := 0.0
		if to == gobreaker.StateOpen {
			open = 1
		}
		metrics.BreakerOpen.WithLabelValues(name).Set(open)
		g.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	}
	g.breaker = gobreaker.NewCircuitBreaker(st)
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	v, err := g.call(ctx, "latest_price", sym, func(ctx context.Context) (interface{}, error) {
		return g.inner.LatestPrice(ctx, sym)
	})
	if err != nil {
		return decimal.Zero, err
	}
	price := v.(decimal.Decimal)
	if !price.IsPositive() {
		return decimal.Zero, model.NewSymbolError(sym, fmt.Errorf("%w: non-positive price %s", model.ErrMarketDataUnavailable, price))
	}
	return price, nil
}

func (g *Guarded) DailyCloses(ctx context.Context, sym string, n int) ([]decimal.Decimal, error) {
	v, err := g.call(ctx, "daily_closes", sym, func(ctx context.Context) (interface{}, error) {
		return g.inner.DailyCloses(ctx, sym, n)
	})
	if err != nil {
		return nil, err
	}
	return v.([]decimal.Decimal), nil
}

func (g *Guarded) call(ctx context.Context, op, sym string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			metrics.MarketDataRequests.WithLabelValues(g.Name(), op, "throttled").Inc()
			return nil, unavailable(sym, fmt.Errorf("rate limit: %w", err))
		}
	}

	start := time.Now()
	v, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	metrics.MarketDataLatency.WithLabelValues(g.Name(), op).Observe(time.Since(start).Seconds())
	metrics.MarketDataRequests.WithLabelValues(g.Name(), op, metrics.Result(err)).Inc()

	if err != nil {
		g.log.Debug().Err(err).Str("symbol", sym).Str("call", op).Msg("market data call failed")
		return nil, unavailable(sym, err)
	}
	return v, nil
}

func unavailable(sym string, err error) error {
	var se *model.SymbolError
	if errors.As(err, &se) && errors.Is(err, model.ErrMarketDataUnavailable) {
		return err
	}
	if errors.Is(err, model.ErrMarketDataUnavailable) {
		return model.NewSymbolError(sym, err)
	}
	return model.NewSymbolError(sym, fmt.Errorf("%w: %v", model.ErrMarketDataUnavailable, err))
}
