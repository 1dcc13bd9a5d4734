// Package history downloads long-range OHLCV from the free Yahoo
// chart API. It is the backtest-preparation data source; live cycles
// never touch it.
package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alpha_engine/internal/bars"
	"alpha_engine/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

// intervalMap is the fixed timeframe-key -> provider-interval mapping.
// It covers the broker timeframes plus the provider-only 2m, 5d and
// 3mo keys. 4h has no native interval; it is fetched at 1h and
// resampled.
var intervalMap = map[string]string{
	"1m":  "1m",
	"2m":  "2m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"4h":  "60m",
	"1d":  "1d",
	"5d":  "5d",
	"1w":  "1wk",
	"1mo": "1mo",
	"3mo": "3mo",
}

// Provider downloads and normalizes OHLCV series.
type Provider struct {
	client *resty.Client
	log    *logrus.Logger
}

// New builds a provider with sane HTTP defaults.
func New(log *logrus.Logger) *Provider {
	client := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("User-Agent", "alpha_engine/1.0")
	return &Provider{client: client, log: log}
}

// NewWithBaseURL is used by tests to point at a stub server.
func NewWithBaseURL(baseURL string, log *logrus.Logger) *Provider {
	p := New(log)
	p.client.SetBaseURL(baseURL)
	return p
}

// chartResponse mirrors the subset of the chart payload we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Download fetches one symbol. Either start/end or period ("1y",
// "6mo", ...) select the range; when both are empty the provider
// defaults to one year.
func (p *Provider) Download(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, period string) ([]models.Bar, error) {
	interval, ok := intervalMap[string(tf)]
	if !ok {
		return nil, fmt.Errorf("history: unsupported timeframe %q", tf)
	}

	params := map[string]string{
		"interval":       interval,
		"includePrePost": "false",
		"events":         "div,splits",
	}
	switch {
	case !start.IsZero():
		params["period1"] = strconv.FormatInt(start.Unix(), 10)
		if end.IsZero() {
			end = time.Now()
		}
		params["period2"] = strconv.FormatInt(end.Unix(), 10)
	case period != "":
		params["range"] = period
	default:
		params["range"] = "1y"
	}

	var body chartResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		Get("/v8/finance/chart/" + providerSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("history download %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history download %s: status %d", symbol, resp.StatusCode())
	}
	if body.Chart.Error != nil {
		return nil, fmt.Errorf("history download %s: %s: %s", symbol, body.Chart.Error.Code, body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 || len(body.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	series := normalize(body)
	if tf == models.TF4Hour {
		series = bars.Resample(series, models.TF4Hour)
	}
	return series, nil
}

// DownloadMultiple fans out per symbol and drops the ones that fail,
// logging each failure. The result only holds non-empty series.
func (p *Provider) DownloadMultiple(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time, period string) (map[string][]models.Bar, error) {
	type fetched struct {
		symbol string
		series []models.Bar
	}
	results := make(chan fetched, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			series, err := p.Download(gctx, symbol, tf, start, end, period)
			if err != nil {
				p.log.WithField("symbol", symbol).WithError(err).Warn("history download failed, dropping symbol")
				return nil
			}
			results <- fetched{symbol: symbol, series: series}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make(map[string][]models.Bar)
	for f := range results {
		if len(f.series) > 0 {
			out[f.symbol] = f.series
		}
	}
	return out, nil
}

// normalize drops rows with any missing OHLC value and coerces volume
// to int64 with missing -> 0.
func normalize(body chartResponse) []models.Bar {
	result := body.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	series := make([]models.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) || i >= len(quote.Close) {
			break
		}
		o, h, l, c := quote.Open[i], quote.High[i], quote.Low[i], quote.Close[i]
		if o == nil || h == nil || l == nil || c == nil {
			continue
		}
		var vol int64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			vol = int64(*quote.Volume[i])
		}
		series = append(series, models.Bar{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   *o,
			High:   *h,
			Low:    *l,
			Close:  *c,
			Volume: vol,
		})
	}
	return bars.SortDedupe(series)
}

// providerSymbol maps crypto pairs to the provider's dash notation
// (BTC/USD -> BTC-USD).
func providerSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}
