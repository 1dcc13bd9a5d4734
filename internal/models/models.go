package models

import (
	"fmt"
	"strings"
	"time"
)

// Signal is the per-symbol output of a strategy cycle.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the order types the core understands.
type OrderType string

const (
	Market       OrderType = "market"
	Limit        OrderType = "limit"
	Stop         OrderType = "stop"
	StopLimit    OrderType = "stop_limit"
	TrailingStop OrderType = "trailing_stop"
)

// TimeInForce values used by the engine. Crypto pairs trade GTC,
// equities DAY.
type TimeInForce string

const (
	Day TimeInForce = "day"
	GTC TimeInForce = "gtc"
)

// Timeframe is a closed enumeration of bar spacings.
type Timeframe string

const (
	TF1Min   Timeframe = "1m"
	TF5Min   Timeframe = "5m"
	TF15Min  Timeframe = "15m"
	TF30Min  Timeframe = "30m"
	TF1Hour  Timeframe = "1h"
	TF4Hour  Timeframe = "4h"
	TF1Day   Timeframe = "1d"
	TF1Week  Timeframe = "1w"
	TF1Month Timeframe = "1mo"
)

var timeframeSeconds = map[Timeframe]int64{
	TF1Min:   60,
	TF5Min:   300,
	TF15Min:  900,
	TF30Min:  1800,
	TF1Hour:  3600,
	TF4Hour:  14400,
	TF1Day:   86400,
	TF1Week:  604800,
	TF1Month: 2592000,
}

// historyLimits is the per-timeframe default window the engine feeds
// strategies each cycle.
var historyLimits = map[Timeframe]int{
	TF1Min:   200,
	TF5Min:   200,
	TF15Min:  150,
	TF30Min:  150,
	TF1Hour:  100,
	TF4Hour:  100,
	TF1Day:   100,
	TF1Week:  100,
	TF1Month: 60,
}

// ParseTimeframe validates a timeframe key.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Seconds returns the bar spacing.
func (tf Timeframe) Seconds() int64 { return timeframeSeconds[tf] }

// Duration returns the bar spacing as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeSeconds[tf]) * time.Second
}

// HistoryLimit returns the default number of bars fetched per cycle.
func (tf Timeframe) HistoryLimit() int { return historyLimits[tf] }

// Valid reports whether tf belongs to the enumeration.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeSeconds[tf]
	return ok
}

// Timeframes returns all known keys, shortest spacing first.
func Timeframes() []Timeframe {
	return []Timeframe{TF1Min, TF5Min, TF15Min, TF30Min, TF1Hour, TF4Hour, TF1Day, TF1Week, TF1Month}
}

// IsCrypto reports whether a symbol denotes a crypto pair. Crypto
// symbols carry a slash (BTC/USD) and trade 24/7.
func IsCrypto(symbol string) bool {
	return strings.Contains(symbol, "/")
}
