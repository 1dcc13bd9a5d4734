package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/models"
	"alpha_engine/internal/store"
)

// fakeBroker counts calls and serves canned bars and prices. The
// counters are mutex-guarded because the service fans out.
type fakeBroker struct {
	mu        sync.Mutex
	bars      map[string][]models.Bar
	barsErr   error
	barsCalls int

	price      decimal.Decimal
	priceErr   error
	priceCalls int

	marketOpen bool
	clockErr   error
}

var _ broker.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) GetAccount(ctx context.Context) (*models.Account, error) {
	return &models.Account{}, nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) GetOrders(ctx context.Context, status broker.OrderStatusFilter, limit int) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, id string) error { return nil }

func (f *fakeBroker) CancelAllOrders(ctx context.Context) error { return nil }

func (f *fakeBroker) GetPositions(ctx context.Context) ([]models.Position, error) { return nil, nil }

func (f *fakeBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return nil, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol string) (*models.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) CloseAllPositions(ctx context.Context) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeBroker) GetBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.barsCalls++
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	return f.bars[symbol], nil
}

func (f *fakeBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	return f.price, nil
}

func (f *fakeBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	if f.clockErr != nil {
		return false, f.clockErr
	}
	return f.marketOpen, nil
}

func (f *fakeBroker) GetClock(ctx context.Context) (*models.Clock, error) {
	return &models.Clock{IsOpen: f.marketOpen}, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), quietLogger())
	require.NoError(t, err)
	return st
}

func dailyBars(start time.Time, closes ...float64) []models.Bar {
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{
			Time: start.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100,
		}
	}
	return out
}

func TestGetBarsCaching(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &fakeBroker{bars: map[string][]models.Bar{"AAPL": dailyBars(start, 1, 2, 3)}}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	first := s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 100)
	require.Len(t, first, 3)
	assert.Equal(t, 1, b.barsCalls)

	// Second call inside the TTL hits the cache.
	second := s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 100)
	require.Len(t, second, 3)
	assert.Equal(t, 1, b.barsCalls)

	// Different limit means a different cache key.
	s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 50)
	assert.Equal(t, 2, b.barsCalls)
}

func TestGetBarsZeroTTLBypassesCache(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &fakeBroker{bars: map[string][]models.Bar{"AAPL": dailyBars(start, 1)}}
	s := New(b, newTestStore(t), nil, 0, quietLogger())

	s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 100)
	s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 100)
	assert.Equal(t, 2, b.barsCalls)
}

func TestGetBarsFailureYieldsEmpty(t *testing.T) {
	b := &fakeBroker{barsErr: errors.New("api down")}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	out := s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 100)
	assert.Empty(t, out)
}

func TestGetBarsForSymbolsDropsEmpty(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &fakeBroker{bars: map[string][]models.Bar{
		"AAPL": dailyBars(start, 1, 2),
		// MSFT intentionally absent.
	}}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	out := s.GetBarsForSymbols(context.Background(), []string{"AAPL", "MSFT"}, models.TF1Day, 100)
	require.Len(t, out, 1)
	assert.Contains(t, out, "AAPL")
}

func TestGetLatestPriceCaching(t *testing.T) {
	b := &fakeBroker{price: decimal.NewFromFloat(123.45)}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	p, err := s.GetLatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromFloat(123.45)))

	_, err = s.GetLatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, b.priceCalls)
}

func TestGetLatestPriceError(t *testing.T) {
	b := &fakeBroker{priceErr: broker.ErrUnavailableQuote}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	_, err := s.GetLatestPrice(context.Background(), "BTC/USD")
	assert.Error(t, err)
}

func TestGetLatestPricesDropsFailures(t *testing.T) {
	b := &fakeBroker{priceErr: errors.New("down")}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	out := s.GetLatestPrices(context.Background(), []string{"AAPL", "MSFT"})
	assert.Empty(t, out)
}

func TestIsMarketOpen(t *testing.T) {
	b := &fakeBroker{marketOpen: true}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())
	assert.True(t, s.IsMarketOpen(context.Background()))

	b.clockErr = errors.New("down")
	assert.False(t, s.IsMarketOpen(context.Background()), "clock failure treated as closed")
}

func TestSmartFetchLocal(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Save("AAPL", models.TF1Day, dailyBars(start, 1, 2, 3)))

	s := New(&fakeBroker{}, st, nil, time.Minute, quietLogger())
	out := s.SmartFetch(context.Background(), []string{"AAPL", "MSFT"}, models.TF1Day, start, start.AddDate(0, 0, 2), SourceLocal)
	require.Len(t, out, 1)
	assert.Len(t, out["AAPL"], 3)
}

func TestSmartFetchAutoUsesCoveringStore(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Save("AAPL", models.TF1Day, dailyBars(start, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)))

	// No history provider wired: the store must satisfy the request.
	s := New(&fakeBroker{}, st, nil, time.Minute, quietLogger())
	out := s.SmartFetch(context.Background(), []string{"AAPL"}, models.TF1Day,
		start.AddDate(0, 0, 1), start.AddDate(0, 0, 5), SourceAuto)
	require.Len(t, out, 1)
	assert.Len(t, out["AAPL"], 5)
}

func TestCacheAdministration(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &fakeBroker{
		bars:  map[string][]models.Bar{"AAPL": dailyBars(start, 1)},
		price: decimal.NewFromFloat(10),
	}
	s := New(b, newTestStore(t), nil, time.Minute, quietLogger())

	s.GetBars(context.Background(), "AAPL", models.TF1Day, time.Time{}, time.Time{}, 100)
	_, err := s.GetLatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	stats := s.CacheStats()
	assert.Equal(t, 1, stats["bar_entries"])
	assert.Equal(t, 1, stats["price_entries"])
	assert.Equal(t, 60, stats["ttl_seconds"])

	assert.Zero(t, s.ClearExpired(), "nothing is stale yet")

	s.ClearCache()
	stats = s.CacheStats()
	assert.Equal(t, 0, stats["bar_entries"])
	assert.Equal(t, 0, stats["price_entries"])
}
