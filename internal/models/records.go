package models

import "time"

// Trade record statuses. Every order the engine attempts is persisted,
// including risk rejections and broker errors.
const (
	TradeStatusPending         = "pending"
	TradeStatusSubmitted       = "submitted"
	TradeStatusFilled          = "filled"
	TradeStatusPartiallyFilled = "partially_filled"
	TradeStatusCanceled        = "canceled"
	TradeStatusRejected        = "rejected"
	TradeStatusError           = "error"
)

// TradeRecord is one persisted order attempt.
type TradeRecord struct {
	ID             uint       `json:"id"`
	StrategyName   string     `json:"strategy_name"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Qty            float64    `json:"qty"`
	OrderType      string     `json:"order_type"`
	TimeInForce    string     `json:"time_in_force"`
	LimitPrice     *float64   `json:"limit_price,omitempty"`
	StopPrice      *float64   `json:"stop_price,omitempty"`
	FilledAvgPrice *float64   `json:"filled_avg_price,omitempty"`
	FilledQty      *float64   `json:"filled_qty,omitempty"`
	Status         string     `json:"status"`
	BrokerOrderID  string     `json:"broker_order_id,omitempty"`
	Signal         string     `json:"signal,omitempty"`
	RealizedPnL    float64    `json:"realized_pnl"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
}

// Strategy run statuses.
const (
	RunStatusRunning = "running"
	RunStatusStopped = "stopped"
	RunStatusError   = "error"
)

// StrategyRun is one activation of a strategy from start to stop or
// error. At most one run per strategy is running at any instant.
type StrategyRun struct {
	ID            uint       `json:"id"`
	StrategyName  string     `json:"strategy_name"`
	Status        string     `json:"status"`
	Symbols       string     `json:"symbols"` // comma separated
	Timeframe     string     `json:"timeframe"`
	Parameters    string     `json:"parameters"`  // JSON
	LastSignal    string     `json:"last_signal"` // JSON
	ErrorMessage  string     `json:"error_message,omitempty"`
	TotalTrades   int        `json:"total_trades"`
	WinningTrades int        `json:"winning_trades"`
	LosingTrades  int        `json:"losing_trades"`
	TotalPnL      float64    `json:"total_pnl"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
}

// PerformanceSnapshot is a periodic capture of portfolio or
// per-strategy metrics. StrategyName empty means global portfolio.
type PerformanceSnapshot struct {
	ID            uint      `json:"id"`
	StrategyName  string    `json:"strategy_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Equity        *float64  `json:"equity,omitempty"`
	Cash          *float64  `json:"cash,omitempty"`
	BuyingPower   *float64  `json:"buying_power,omitempty"`
	TotalPnL      float64   `json:"total_pnl"`
	DailyPnL      float64   `json:"daily_pnl"`
	UnrealizedPnL *float64  `json:"unrealized_pnl,omitempty"`
	TotalTrades   int       `json:"total_trades"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	WinRate       *float64  `json:"win_rate,omitempty"`
	SharpeRatio   *float64  `json:"sharpe_ratio,omitempty"`
	MaxDrawdown   *float64  `json:"max_drawdown,omitempty"`
}
