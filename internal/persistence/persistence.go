// Package persistence stores trades, strategy runs and performance
// snapshots behind GORM, on SQLite by default or Postgres when the
// database URL says so.
package persistence

import (
	"fmt"
	"strings"
	"time"

	"alpha_engine/internal/engine"
	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Trade is the trades table row.
type Trade struct {
	ID             uint    `gorm:"primaryKey"`
	StrategyName   string  `gorm:"size:100;index;not null"`
	Symbol         string  `gorm:"size:20;index;not null"`
	Side           string  `gorm:"size:10;not null"`
	Qty            float64 `gorm:"not null"`
	OrderType      string  `gorm:"size:20;default:market"`
	TimeInForce    string  `gorm:"size:10"`
	LimitPrice     *float64
	StopPrice      *float64
	FilledAvgPrice *float64
	FilledQty      *float64
	Status         string `gorm:"size:20;index;default:pending"`
	BrokerOrderID  string `gorm:"size:64;index"`
	Signal         string  `gorm:"size:10"`
	RealizedPnL    float64 `gorm:"column:realized_pnl"`
	Notes          string
	CreatedAt      time.Time `gorm:"index"`
	SubmittedAt    *time.Time
	FilledAt       *time.Time
}

// StrategyRun is the strategy_runs table row.
type StrategyRun struct {
	ID            uint   `gorm:"primaryKey"`
	StrategyName  string `gorm:"size:100;index;not null"`
	Status        string `gorm:"size:20;index;default:running"`
	Symbols       string `gorm:"size:255"`
	Timeframe     string `gorm:"size:10"`
	Parameters    string
	LastSignal    string
	ErrorMessage  string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64 `gorm:"column:total_pnl"`
	StartedAt     time.Time
	StoppedAt     *time.Time
}

// PerformanceSnapshot is the performance_snapshots table row.
type PerformanceSnapshot struct {
	ID            uint      `gorm:"primaryKey"`
	StrategyName  string    `gorm:"size:100;index"`
	Timestamp     time.Time `gorm:"index;not null"`
	Equity        *float64
	Cash          *float64
	BuyingPower   *float64
	TotalPnL      float64  `gorm:"column:total_pnl"`
	DailyPnL      float64  `gorm:"column:daily_pnl"`
	UnrealizedPnL *float64 `gorm:"column:unrealized_pnl"`
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       *float64
	SharpeRatio   *float64
	MaxDrawdown   *float64
}

// DB wraps the GORM handle.
type DB struct {
	db  *gorm.DB
	log *logrus.Logger
}

var _ engine.Port = (*DB)(nil)

// Open connects according to the URL scheme: postgres:// goes to
// Postgres, anything else is treated as a SQLite path
// (sqlite:///path/to.db or a bare filename). Migrations run on open.
func Open(databaseURL string, log *logrus.Logger) (*DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	default:
		path := strings.TrimPrefix(databaseURL, "sqlite:///")
		path = strings.TrimPrefix(path, "sqlite://")
		if path == "" {
			path = "trading.db"
		}
		dialector = sqlite.Open(path)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := gdb.AutoMigrate(&Trade{}, &StrategyRun{}, &PerformanceSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	log.WithField("url", redactURL(databaseURL)).Info("database connected")
	return &DB{db: gdb, log: log}, nil
}

func redactURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}

// --- engine.Port implementation ---

// RecordTradeAttempt persists one order attempt.
func (d *DB) RecordTradeAttempt(rec *models.TradeRecord) (uint, error) {
	row := Trade{
		StrategyName:   rec.StrategyName,
		Symbol:         rec.Symbol,
		Side:           rec.Side,
		Qty:            rec.Qty,
		OrderType:      rec.OrderType,
		TimeInForce:    rec.TimeInForce,
		LimitPrice:     rec.LimitPrice,
		StopPrice:      rec.StopPrice,
		FilledAvgPrice: rec.FilledAvgPrice,
		FilledQty:      rec.FilledQty,
		Status:         rec.Status,
		BrokerOrderID:  rec.BrokerOrderID,
		Signal:         rec.Signal,
		RealizedPnL:    rec.RealizedPnL,
		Notes:          rec.Notes,
		CreatedAt:      rec.CreatedAt,
		SubmittedAt:    rec.SubmittedAt,
		FilledAt:       rec.FilledAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := d.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// OpenStrategyRun creates a running run row.
func (d *DB) OpenStrategyRun(run *models.StrategyRun) (uint, error) {
	row := StrategyRun{
		StrategyName: run.StrategyName,
		Status:       run.Status,
		Symbols:      run.Symbols,
		Timeframe:    run.Timeframe,
		Parameters:   run.Parameters,
		StartedAt:    run.StartedAt,
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now()
	}
	if err := d.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// MarkStrategyRunStopped closes the latest running run.
func (d *DB) MarkStrategyRunStopped(strategyName string) error {
	return d.closeLatestRun(strategyName, map[string]any{
		"status":     models.RunStatusStopped,
		"stopped_at": time.Now(),
	})
}

// MarkStrategyRunErrored closes the latest running run with an error.
func (d *DB) MarkStrategyRunErrored(strategyName, errorMessage string) error {
	return d.closeLatestRun(strategyName, map[string]any{
		"status":        models.RunStatusError,
		"error_message": errorMessage,
		"stopped_at":    time.Now(),
	})
}

func (d *DB) closeLatestRun(strategyName string, updates map[string]any) error {
	var run StrategyRun
	err := d.db.Where("strategy_name = ? AND status = ?", strategyName, models.RunStatusRunning).
		Order("id DESC").First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	return d.db.Model(&run).Updates(updates).Error
}

// UpdateStrategyRunSignals stores the latest signal map and refreshes
// the run's trade count.
func (d *DB) UpdateStrategyRunSignals(strategyName, signalsJSON string) error {
	var run StrategyRun
	err := d.db.Where("strategy_name = ? AND status = ?", strategyName, models.RunStatusRunning).
		Order("id DESC").First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	var total int64
	if err := d.db.Model(&Trade{}).
		Where("strategy_name = ? AND created_at >= ?", strategyName, run.StartedAt).
		Count(&total).Error; err != nil {
		return err
	}
	return d.db.Model(&run).Updates(map[string]any{
		"last_signal":  signalsJSON,
		"total_trades": int(total),
	}).Error
}

// AppendPerformanceSnapshot stores one metrics capture.
func (d *DB) AppendPerformanceSnapshot(snap *models.PerformanceSnapshot) error {
	row := PerformanceSnapshot{
		StrategyName:  snap.StrategyName,
		Timestamp:     snap.Timestamp,
		Equity:        snap.Equity,
		Cash:          snap.Cash,
		BuyingPower:   snap.BuyingPower,
		TotalPnL:      snap.TotalPnL,
		DailyPnL:      snap.DailyPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		TotalTrades:   snap.TotalTrades,
		WinningTrades: snap.WinningTrades,
		LosingTrades:  snap.LosingTrades,
		WinRate:       snap.WinRate,
		SharpeRatio:   snap.SharpeRatio,
		MaxDrawdown:   snap.MaxDrawdown,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	return d.db.Create(&row).Error
}

// --- queries for the API surface ---

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	Strategy string
	Symbol   string
	Side     string
	Status   string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// ListTrades returns trades newest first.
func (d *DB) ListTrades(f TradeFilter) ([]models.TradeRecord, int64, error) {
	q := d.db.Model(&Trade{})
	if f.Strategy != "" {
		q = q.Where("strategy_name = ?", f.Strategy)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Side != "" {
		q = q.Where("side = ?", f.Side)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at <= ?", f.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []Trade
	if err := q.Order("id DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	out := make([]models.TradeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, tradeToModel(row))
	}
	return out, total, nil
}

func tradeToModel(row Trade) models.TradeRecord {
	return models.TradeRecord{
		ID:             row.ID,
		StrategyName:   row.StrategyName,
		Symbol:         row.Symbol,
		Side:           row.Side,
		Qty:            row.Qty,
		OrderType:      row.OrderType,
		TimeInForce:    row.TimeInForce,
		LimitPrice:     row.LimitPrice,
		StopPrice:      row.StopPrice,
		FilledAvgPrice: row.FilledAvgPrice,
		FilledQty:      row.FilledQty,
		Status:         row.Status,
		BrokerOrderID:  row.BrokerOrderID,
		Signal:         row.Signal,
		RealizedPnL:    row.RealizedPnL,
		Notes:          row.Notes,
		CreatedAt:      row.CreatedAt,
		SubmittedAt:    row.SubmittedAt,
		FilledAt:       row.FilledAt,
	}
}

// GetTrade fetches one trade by id; nil means not found.
func (d *DB) GetTrade(id uint) (*models.TradeRecord, error) {
	var row Trade
	if err := d.db.First(&row, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	rec := tradeToModel(row)
	return &rec, nil
}

// TradeSummary aggregates per-strategy counts and realized P&L.
// Empty strategy means all strategies.
func (d *DB) TradeSummary(strategy string) (map[string]any, error) {
	q := d.db.Model(&Trade{})
	if strategy != "" {
		q = q.Where("strategy_name = ?", strategy)
	}

	var total, filled, rejected, errored int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	if err := q.Session(&gorm.Session{}).Where("status IN ?", []string{
		models.TradeStatusFilled, models.TradeStatusPartiallyFilled,
	}).Count(&filled).Error; err != nil {
		return nil, err
	}
	if err := q.Session(&gorm.Session{}).Where("status = ?", models.TradeStatusRejected).Count(&rejected).Error; err != nil {
		return nil, err
	}
	if err := q.Session(&gorm.Session{}).Where("status = ?", models.TradeStatusError).Count(&errored).Error; err != nil {
		return nil, err
	}

	var realized struct{ Total float64 }
	if err := q.Session(&gorm.Session{}).
		Select("COALESCE(SUM(realized_pnl), 0) AS total").
		Scan(&realized).Error; err != nil {
		return nil, err
	}

	return map[string]any{
		"total_trades":    total,
		"filled_trades":   filled,
		"rejected_trades": rejected,
		"error_trades":    errored,
		"realized_pnl":    realized.Total,
	}, nil
}

// ListStrategyRuns returns runs newest first.
func (d *DB) ListStrategyRuns(strategy string, limit int) ([]models.StrategyRun, error) {
	q := d.db.Model(&StrategyRun{})
	if strategy != "" {
		q = q.Where("strategy_name = ?", strategy)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []StrategyRun
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.StrategyRun, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.StrategyRun{
			ID:            row.ID,
			StrategyName:  row.StrategyName,
			Status:        row.Status,
			Symbols:       row.Symbols,
			Timeframe:     row.Timeframe,
			Parameters:    row.Parameters,
			LastSignal:    row.LastSignal,
			ErrorMessage:  row.ErrorMessage,
			TotalTrades:   row.TotalTrades,
			WinningTrades: row.WinningTrades,
			LosingTrades:  row.LosingTrades,
			TotalPnL:      row.TotalPnL,
			StartedAt:     row.StartedAt,
			StoppedAt:     row.StoppedAt,
		})
	}
	return out, nil
}

// ListSnapshots returns snapshots since a time, oldest first, for
// equity-curve rendering. Empty strategy means portfolio snapshots.
func (d *DB) ListSnapshots(strategy string, since time.Time, limit int) ([]models.PerformanceSnapshot, error) {
	q := d.db.Model(&PerformanceSnapshot{}).Where("strategy_name = ?", strategy)
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var rows []PerformanceSnapshot
	if err := q.Order("timestamp ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.PerformanceSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.PerformanceSnapshot{
			ID:            row.ID,
			StrategyName:  row.StrategyName,
			Timestamp:     row.Timestamp,
			Equity:        row.Equity,
			Cash:          row.Cash,
			BuyingPower:   row.BuyingPower,
			TotalPnL:      row.TotalPnL,
			DailyPnL:      row.DailyPnL,
			UnrealizedPnL: row.UnrealizedPnL,
			TotalTrades:   row.TotalTrades,
			WinningTrades: row.WinningTrades,
			LosingTrades:  row.LosingTrades,
			WinRate:       row.WinRate,
			SharpeRatio:   row.SharpeRatio,
			MaxDrawdown:   row.MaxDrawdown,
		})
	}
	return out, nil
}
