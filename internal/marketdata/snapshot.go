package marketdata

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fetcher gathers quotes for many symbols at once with bounded fan-out and
// an overall deadline. A symbol that fails or times out is returned with its
// error set; it never fails the whole snapshot.
type Fetcher struct {
	provider    Provider
	concurrency int
	timeout     time.Duration
	history     int
	now         func() time.Time
}

// NewFetcher creates a Fetcher. history is the number of daily closes
// requested per symbol when history is wanted.
func NewFetcher(p Provider, concurrency int, timeout time.Duration, history int) *Fetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Fetcher{
		provider:    p,
		concurrency: concurrency,
		timeout:     timeout,
		history:     history,
		now:         time.Now,
	}
}

// Provider returns the underlying provider.
func (f *Fetcher) Provider() Provider { return f.provider }

// Prices fetches live prices only.
func (f *Fetcher) Prices(ctx context.Context, symbols []string) map[string]Quote {
	return f.snapshot(ctx, symbols, false)
}

// Snapshot fetches live prices and daily close history.
func (f *Fetcher) Snapshot(ctx context.Context, symbols []string) map[string]Quote {
	return f.snapshot(ctx, symbols, true)
}

func (f *Fetcher) snapshot(ctx context.Context, symbols []string, withHistory bool) map[string]Quote {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	quotes := make([]Quote, len(symbols))
	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			q := Quote{Symbol: sym}
			q.Price, q.PriceErr = f.provider.LatestPrice(ctx, sym)
			if withHistory && q.PriceErr == nil {
				q.Closes, q.HistoryErr = f.provider.DailyCloses(ctx, sym, f.history)
			}
			q.FetchedAt = f.now()
			quotes[i] = q
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Quote, len(symbols))
	for _, q := range quotes {
		out[q.Symbol] = q
	}
	return out
}
