package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one OHLCV candle. Timestamps are tz-aware (UTC unless
// a store or provider says otherwise) and strictly ascending per
// (symbol, timeframe). OHLC is float64 because the indicator math runs
// on it; money amounts elsewhere stay decimal.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Order represents a generic order as any broker reports it.
type Order struct {
	ID              string           `json:"id"`
	ClientOrderID   string           `json:"client_order_id"`
	Symbol          string           `json:"symbol"`
	Qty             decimal.Decimal  `json:"qty"`
	FilledQty       decimal.Decimal  `json:"filled_qty"`
	Type            OrderType        `json:"type"`
	Side            Side             `json:"side"`
	TimeInForce     TimeInForce      `json:"time_in_force"`
	Status          string           `json:"status"` // new, accepted, filled, canceled, expired, rejected
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	FilledAvgPrice  decimal.Decimal  `json:"filled_avg_price"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	FilledAt        *time.Time       `json:"filled_at,omitempty"`
}

// OrderRequest is what the engine hands to the broker adapter. The
// adapter translates it to venue-specific request shapes.
type OrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	ClientOrderID string
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TakeProfit    *decimal.Decimal // bracket child, rounded to 2 decimals by the adapter
	StopLoss      *decimal.Decimal // bracket child, rounded to 2 decimals by the adapter
}

// Bracketed reports whether the request must be submitted as a bracket
// order (market entry plus OCO children).
func (r OrderRequest) Bracketed() bool {
	return r.TakeProfit != nil || r.StopLoss != nil
}

// Quote represents a generic bid/ask quote.
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Account is a read-only snapshot of the broker account.
type Account struct {
	ID             string          `json:"id"`
	Currency       string          `json:"currency"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Status         string          `json:"status"`
}

// Clock represents the market status.
type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Position is a read-only view of a position held at the broker.
// Lifecycle belongs to the broker; the core never mutates these.
type Position struct {
	Symbol          string          `json:"symbol"`
	Qty             decimal.Decimal `json:"qty"`
	Side            string          `json:"side"` // long, short
	AvgEntryPrice   decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	MarketValue     decimal.Decimal `json:"market_value"`
	UnrealizedPL    decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPct decimal.Decimal `json:"unrealized_plpc"`
}
