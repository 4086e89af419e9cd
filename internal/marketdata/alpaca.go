package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Alpaca fetches prices and daily bars from the Alpaca market data API.
type Alpaca struct {
	client *marketdata.Client
	feed   marketdata.Feed
	now    func() time.Time
}

// NewAlpaca creates an Alpaca provider. feed defaults to IEX (free tier).
func NewAlpaca(apiKey, apiSecret, feed string) (*Alpaca, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("alpaca: api key and secret are required")
	}
	f := marketdata.IEX
	if feed != "" {
		f = marketdata.Feed(feed)
	}
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Feed:      f,
	})
	return &Alpaca{client: client, feed: f, now: time.Now}, nil
}

func (a *Alpaca) Name() string { return "alpaca" }

func (a *Alpaca) LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	trade, err := await(ctx, func() (*marketdata.Trade, error) {
		return a.client.GetLatestTrade(sym, marketdata.GetLatestTradeRequest{Feed: a.feed})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca latest trade %s: %w", sym, err)
	}
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, fmt.Errorf("alpaca latest trade %s: empty response", sym)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

func (a *Alpaca) DailyCloses(ctx context.Context, sym string, n int) ([]decimal.Decimal, error) {
	end := a.now()
	// Roughly 252 sessions per 365 days, padded for holidays.
	start := end.AddDate(0, 0, -(n*3/2 + 10))

	bars, err := await(ctx, func() ([]marketdata.Bar, error) {
		return a.client.GetBars(sym, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			End:       end,
			Feed:      a.feed,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", sym, err)
	}

	closes := make([]decimal.Decimal, 0, len(bars))
	for _, b := range bars {
		if b.Close <= 0 {
			continue
		}
		closes = append(closes, decimal.NewFromFloat(b.Close))
	}
	if n > 0 && len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	return closes, nil
}

// await runs a blocking SDK call and gives up when ctx ends. The call itself
// keeps running in the background; its result is dropped.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
