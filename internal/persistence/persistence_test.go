package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"), quietLogger())
	require.NoError(t, err)
	return db
}

func f64(v float64) *float64 { return &v }

func TestOpenSQLiteURLPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := Open("sqlite:///"+path, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, db)
}

func TestRecordTradeAttemptRoundtrip(t *testing.T) {
	db := newTestDB(t)

	filled := time.Date(2024, 3, 5, 15, 4, 0, 0, time.UTC)
	id, err := db.RecordTradeAttempt(&models.TradeRecord{
		StrategyName:   "sma_crossover",
		Symbol:         "AAPL",
		Side:           "buy",
		Qty:            50,
		OrderType:      "market",
		TimeInForce:    "day",
		FilledAvgPrice: f64(100.25),
		FilledQty:      f64(50),
		Status:         models.TradeStatusFilled,
		BrokerOrderID:  "order-1",
		Signal:         "BUY",
		RealizedPnL:    12.5,
		Notes:          "cycle fill",
		FilledAt:       &filled,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	rec, err := db.GetTrade(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sma_crossover", rec.StrategyName)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Equal(t, models.TradeStatusFilled, rec.Status)
	assert.Equal(t, "order-1", rec.BrokerOrderID)
	require.NotNil(t, rec.FilledAvgPrice)
	assert.Equal(t, 100.25, *rec.FilledAvgPrice)
	assert.Equal(t, 12.5, rec.RealizedPnL)
	assert.False(t, rec.CreatedAt.IsZero(), "zero CreatedAt gets stamped on insert")
}

func TestGetTradeNotFound(t *testing.T) {
	db := newTestDB(t)
	rec, err := db.GetTrade(999)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStrategyRunLifecycle(t *testing.T) {
	db := newTestDB(t)

	id, err := db.OpenStrategyRun(&models.StrategyRun{
		StrategyName: "rsi_reversal",
		Status:       models.RunStatusRunning,
		Symbols:      "AAPL,MSFT",
		Timeframe:    "1h",
		Parameters:   `{"rsi_period":14}`,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, db.MarkStrategyRunStopped("rsi_reversal"))

	runs, err := db.ListStrategyRuns("rsi_reversal", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusStopped, runs[0].Status)
	require.NotNil(t, runs[0].StoppedAt)
	assert.False(t, runs[0].StartedAt.IsZero())
}

func TestStrategyRunErrored(t *testing.T) {
	db := newTestDB(t)

	_, err := db.OpenStrategyRun(&models.StrategyRun{
		StrategyName: "rsi_reversal",
		Status:       models.RunStatusRunning,
	})
	require.NoError(t, err)
	require.NoError(t, db.MarkStrategyRunErrored("rsi_reversal", "broker unreachable"))

	runs, err := db.ListStrategyRuns("rsi_reversal", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusError, runs[0].Status)
	assert.Equal(t, "broker unreachable", runs[0].ErrorMessage)
}

func TestCloseRunWithoutOpenRunIsNoop(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.MarkStrategyRunStopped("ghost"))
	assert.NoError(t, db.MarkStrategyRunErrored("ghost", "boom"))
	assert.NoError(t, db.UpdateStrategyRunSignals("ghost", "{}"))
}

func TestUpdateStrategyRunSignals(t *testing.T) {
	db := newTestDB(t)

	started := time.Now().Add(-time.Hour)
	_, err := db.OpenStrategyRun(&models.StrategyRun{
		StrategyName: "sma_crossover",
		Status:       models.RunStatusRunning,
		StartedAt:    started,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := db.RecordTradeAttempt(&models.TradeRecord{
			StrategyName: "sma_crossover",
			Symbol:       "AAPL",
			Side:         "buy",
			Qty:          1,
			Status:       models.TradeStatusFilled,
		})
		require.NoError(t, err)
	}
	// A trade from before the run must not count.
	_, err = db.RecordTradeAttempt(&models.TradeRecord{
		StrategyName: "sma_crossover",
		Symbol:       "AAPL",
		Side:         "sell",
		Qty:          1,
		Status:       models.TradeStatusFilled,
		CreatedAt:    started.Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, db.UpdateStrategyRunSignals("sma_crossover", `{"AAPL":"BUY"}`))

	runs, err := db.ListStrategyRuns("sma_crossover", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, `{"AAPL":"BUY"}`, runs[0].LastSignal)
	assert.Equal(t, 2, runs[0].TotalTrades)
}

func seedTrades(t *testing.T, db *DB) {
	t.Helper()
	rows := []models.TradeRecord{
		{StrategyName: "sma_crossover", Symbol: "AAPL", Side: "buy", Qty: 10, Status: models.TradeStatusFilled, RealizedPnL: 100},
		{StrategyName: "sma_crossover", Symbol: "MSFT", Side: "sell", Qty: 5, Status: models.TradeStatusFilled, RealizedPnL: -40},
		{StrategyName: "rsi_reversal", Symbol: "AAPL", Side: "buy", Qty: 3, Status: models.TradeStatusRejected},
		{StrategyName: "rsi_reversal", Symbol: "BTC/USD", Side: "buy", Qty: 0.5, Status: models.TradeStatusError},
	}
	for i := range rows {
		_, err := db.RecordTradeAttempt(&rows[i])
		require.NoError(t, err)
	}
}

func TestListTradesFilters(t *testing.T) {
	db := newTestDB(t)
	seedTrades(t, db)

	all, total, err := db.ListTrades(TradeFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "BTC/USD", all[0].Symbol, "newest first")

	byStrategy, total, err := db.ListTrades(TradeFilter{Strategy: "sma_crossover"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, byStrategy, 2)

	bySide, _, err := db.ListTrades(TradeFilter{Side: "sell"})
	require.NoError(t, err)
	require.Len(t, bySide, 1)
	assert.Equal(t, "MSFT", bySide[0].Symbol)

	byStatus, _, err := db.ListTrades(TradeFilter{Status: models.TradeStatusRejected})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	// Limit caps the page but not the total.
	page, total, err := db.ListTrades(TradeFilter{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Len(t, page, 2)

	none, _, err := db.ListTrades(TradeFilter{Until: time.Now().Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTradeSummary(t *testing.T) {
	db := newTestDB(t)
	seedTrades(t, db)

	summary, err := db.TradeSummary("")
	require.NoError(t, err)
	assert.EqualValues(t, 4, summary["total_trades"])
	assert.EqualValues(t, 2, summary["filled_trades"])
	assert.EqualValues(t, 1, summary["rejected_trades"])
	assert.EqualValues(t, 1, summary["error_trades"])
	assert.Equal(t, 60.0, summary["realized_pnl"])

	scoped, err := db.TradeSummary("rsi_reversal")
	require.NoError(t, err)
	assert.EqualValues(t, 2, scoped["total_trades"])
	assert.EqualValues(t, 0, scoped["filled_trades"])
}

func TestSnapshots(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := db.AppendPerformanceSnapshot(&models.PerformanceSnapshot{
			StrategyName: "",
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			Equity:       f64(100_000 + float64(i)*500),
			TotalPnL:     float64(i) * 500,
		})
		require.NoError(t, err)
	}

	snaps, err := db.ListSnapshots("", base.Add(30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Timestamp.Before(snaps[1].Timestamp), "oldest first")
	require.NotNil(t, snaps[0].Equity)
	assert.Equal(t, 100_500.0, *snaps[0].Equity)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/trading",
		redactURL("postgres://user:secret@db:5432/trading"))
	assert.Equal(t, "trading.db", redactURL("trading.db"))
}
