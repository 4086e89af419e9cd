package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Yahoo fetches daily charts from the public Yahoo Finance chart API.
// It needs no credentials and serves as the default live provider.
type Yahoo struct {
	Client  *http.Client
	BaseURL string
}

// NewYahoo creates a Yahoo provider with the given HTTP timeout.
func NewYahoo(timeout time.Duration) *Yahoo {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Yahoo{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: "https://query1.finance.yahoo.com",
	}
}

func (y *Yahoo) Name() string { return "yahoo" }

type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type yahooBar struct {
	at    time.Time
	close float64
}

func (y *Yahoo) fetchChart(ctx context.Context, sym, rng string) (float64, []yahooBar, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=%s",
		y.BaseURL, url.PathEscape(sym), rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := y.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("yahoo fetch %s: %w", sym, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("yahoo read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, nil, fmt.Errorf("yahoo %s: status %d", sym, resp.StatusCode)
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return 0, nil, fmt.Errorf("yahoo decode: %w", err)
	}
	if chart.Chart.Error != nil {
		return 0, nil, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return 0, nil, fmt.Errorf("yahoo %s: no data returned", sym)
	}

	res := chart.Chart.Result[0]
	var bars []yahooBar
	if len(res.Indicators.Quote) > 0 {
		closes := res.Indicators.Quote[0].Close
		for i, ts := range res.Timestamp {
			if i >= len(closes) || closes[i] == nil || *closes[i] <= 0 {
				continue // holidays and half-formed bars
			}
			bars = append(bars, yahooBar{at: time.Unix(ts, 0), close: *closes[i]})
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].at.Before(bars[j].at) })
	return res.Meta.RegularMarketPrice, bars, nil
}

func (y *Yahoo) LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	price, bars, err := y.fetchChart(ctx, sym, "5d")
	if err != nil {
		return decimal.Zero, err
	}
	if price <= 0 {
		if len(bars) == 0 {
			return decimal.Zero, fmt.Errorf("yahoo %s: no price data", sym)
		}
		price = bars[len(bars)-1].close
	}
	return decimal.NewFromFloat(price), nil
}

func (y *Yahoo) DailyCloses(ctx context.Context, sym string, n int) ([]decimal.Decimal, error) {
	rng := "2y"
	switch {
	case n <= 20:
		rng = "1mo"
	case n <= 60:
		rng = "3mo"
	case n <= 120:
		rng = "6mo"
	case n <= 250:
		rng = "1y"
	}
	_, bars, err := y.fetchChart(ctx, sym, rng)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = decimal.NewFromFloat(b.close)
	}
	return closes, nil
}
