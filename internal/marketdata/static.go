package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// Static serves prices and histories held in memory. It backs the "static"
// provider setting and stands in for a live feed in tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	closes map[string][]decimal.Decimal
	fails  map[string]error

	// Delay is applied to every call; calls honour ctx while waiting.
	Delay time.Duration
}

// NewStatic creates a Static provider seeded with prices.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{
		prices: make(map[string]decimal.Decimal),
		closes: make(map[string][]decimal.Decimal),
		fails:  make(map[string]error),
	}
	for sym, p := range prices {
		s.prices[sym] = p
	}
	return s
}

func (s *Static) Name() string { return "static" }

// SetPrice sets the live price of sym.
func (s *Static) SetPrice(sym string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[sym] = price
}

// SetCloses sets the daily close history of sym, oldest first.
func (s *Static) SetCloses(sym string, closes []decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]decimal.Decimal, len(closes))
	copy(cp, closes)
	s.closes[sym] = cp
}

// Fail makes every call for sym return err. A nil err clears the failure.
func (s *Static) Fail(sym string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, sym)
		return
	}
	s.fails[sym] = err
}

func (s *Static) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Static) LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	if err := s.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fails[sym]; err != nil {
		return decimal.Zero, err
	}
	p, ok := s.prices[sym]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", model.ErrMarketDataUnavailable, sym)
	}
	return p, nil
}

func (s *Static) DailyCloses(ctx context.Context, sym string, n int) ([]decimal.Decimal, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fails[sym]; err != nil {
		return nil, err
	}
	closes := s.closes[sym]
	if n > 0 && len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	out := make([]decimal.Decimal, len(closes))
	copy(out, closes)
	return out, nil
}
