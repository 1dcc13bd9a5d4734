package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/models"
)

// fakeBroker serves a canned account and position list.
type fakeBroker struct {
	account    *models.Account
	positions  []models.Position
	accountErr error
}

var _ broker.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) GetAccount(ctx context.Context) (*models.Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return f.account, nil
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

func (f *fakeBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	for i := range f.positions {
		if f.positions[i].Symbol == symbol {
			return &f.positions[i], nil
		}
	}
	return nil, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol string) (*models.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) CloseAllPositions(ctx context.Context) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeBroker) GetBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Bar, error) {
	return nil, nil
}

func (f *fakeBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, broker.ErrUnavailableQuote
}

func (f *fakeBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeBroker) GetClock(ctx context.Context) (*models.Clock, error) {
	return &models.Clock{IsOpen: true}, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testAccount(equity, buyingPower float64) *models.Account {
	return &models.Account{
		ID:          "acct-1",
		Equity:      decimal.NewFromFloat(equity),
		Cash:        decimal.NewFromFloat(equity),
		BuyingPower: decimal.NewFromFloat(buyingPower),
		Status:      "ACTIVE",
	}
}

func TestEvaluateOrderApproves(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	m := New(b, DefaultLimits(), quietLogger())

	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 10, 100, "test")
	require.True(t, check.Approved, check.Reason)
	assert.Equal(t, 100_000.0, check.Details["equity"])
}

func TestEvaluateOrderRejectsOnRefreshFailure(t *testing.T) {
	b := &fakeBroker{accountErr: errors.New("api down")}
	m := New(b, DefaultLimits(), quietLogger())

	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 10, 100, "test")
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "account state unavailable")
}

func TestEvaluateOrderDailyLossLimit(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	m := New(b, DefaultLimits(), quietLogger())

	// Prime equityAtOpen, then push the daily loss past 2% of it.
	m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 1, 100, "test")
	m.UpdateDailyPnL(-2500)

	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 1, 100, "test")
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "daily loss limit")
}

func TestEvaluateOrderTradesLimit(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	limits := DefaultLimits()
	limits.MaxTradesPerDay = 2
	m := New(b, limits, quietLogger())

	m.RecordTrade(0)
	m.RecordTrade(0)

	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 1, 100, "test")
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "daily trade limit")
}

func TestEvaluateOrderPositionSizeLimit(t *testing.T) {
	b := &fakeBroker{
		account: testAccount(100_000, 200_000),
		positions: []models.Position{{
			Symbol:      "AAPL",
			Qty:         decimal.NewFromInt(20),
			MarketValue: decimal.NewFromFloat(4000),
		}},
	}
	m := New(b, DefaultLimits(), quietLogger())

	// 5% of 100k is 5000; 4000 existing + 2000 new breaches it.
	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 20, 100, "test")
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "size limit")

	// A sell of the same size is fine: it reduces exposure.
	check = m.EvaluateOrder(context.Background(), "AAPL", models.Sell, 20, 100, "test")
	assert.True(t, check.Approved, check.Reason)
}

func TestEvaluateOrderOpenPositionsLimit(t *testing.T) {
	positions := make([]models.Position, 20)
	for i := range positions {
		positions[i] = models.Position{Symbol: "SYM", MarketValue: decimal.NewFromInt(10)}
	}
	b := &fakeBroker{account: testAccount(100_000, 200_000), positions: positions}
	m := New(b, DefaultLimits(), quietLogger())

	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 1, 100, "test")
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "open position limit")

	check = m.EvaluateOrder(context.Background(), "SYM", models.Sell, 1, 100, "test")
	assert.True(t, check.Approved, "sells bypass the open-position cap")
}

func TestEvaluateOrderBuyingPower(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 500)}
	m := New(b, DefaultLimits(), quietLogger())

	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 10, 100, "test")
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "insufficient buying power")
}

func TestDayRollResetsCounters(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	limits := DefaultLimits()
	limits.MaxTradesPerDay = 1
	m := New(b, limits, quietLogger())

	now := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	m.RecordTrade(-100)
	check := m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 1, 100, "test")
	require.False(t, check.Approved)

	// Next calendar day: counters reset, the order passes again.
	now = now.AddDate(0, 0, 1)
	check = m.EvaluateOrder(context.Background(), "AAPL", models.Buy, 1, 100, "test")
	assert.True(t, check.Approved, check.Reason)

	status := m.Status()
	daily := status["daily"].(map[string]any)
	assert.Equal(t, 0.0, daily["pnl"])
	assert.Equal(t, "2024-03-06", daily["date"])
}

func TestCalculatePositionSize(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	m := New(b, DefaultLimits(), quietLogger())

	// 5% of equity is 5000, well under 95% of buying power.
	qty := m.CalculatePositionSize(context.Background(), "AAPL", 100, 0)
	assert.Equal(t, 50.0, qty)

	// Explicit target percentage wins over the limit default.
	qty = m.CalculatePositionSize(context.Background(), "AAPL", 100, 10)
	assert.Equal(t, 100.0, qty)
}

func TestCalculatePositionSizeSubtractsExisting(t *testing.T) {
	b := &fakeBroker{
		account: testAccount(100_000, 200_000),
		positions: []models.Position{{
			Symbol:      "AAPL",
			MarketValue: decimal.NewFromFloat(3000),
		}},
	}
	m := New(b, DefaultLimits(), quietLogger())

	qty := m.CalculatePositionSize(context.Background(), "AAPL", 100, 0)
	assert.Equal(t, 20.0, qty)
}

func TestCalculatePositionSizeCappedByBuyingPower(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 1000)}
	m := New(b, DefaultLimits(), quietLogger())

	// 95% of the 1000 buying power beats 5% of equity.
	qty := m.CalculatePositionSize(context.Background(), "AAPL", 100, 0)
	assert.Equal(t, 9.5, qty)
}

func TestCalculatePositionSizeTooSmall(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	m := New(b, DefaultLimits(), quietLogger())

	assert.Zero(t, m.CalculatePositionSize(context.Background(), "AAPL", 0, 0))
	assert.Zero(t, m.CalculatePositionSize(context.Background(), "AAPL", 10_000_000, 0))
}

func TestUpdateLimits(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	m := New(b, DefaultLimits(), quietLogger())

	m.UpdateLimits(map[string]any{
		"max_daily_loss_pct": 3.5,
		"max_trades_per_day": float64(10),
		"bogus_key":          1,
	})
	limits := m.Limits()
	assert.Equal(t, 3.5, limits.MaxDailyLossPct)
	assert.Equal(t, 10, limits.MaxTradesPerDay)
	assert.Equal(t, 5.0, limits.MaxPositionSizePct, "untouched fields keep their value")
}

func TestStatusWithoutAccount(t *testing.T) {
	b := &fakeBroker{account: testAccount(100_000, 200_000)}
	m := New(b, DefaultLimits(), quietLogger())

	status := m.Status()
	account := status["account"].(map[string]any)
	assert.Nil(t, account["equity"], "no refresh has happened yet")
	assert.Equal(t, 0, status["open_positions"])
}
