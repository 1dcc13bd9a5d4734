// Package strategy defines the trading-strategy contract, the shared
// state machine every strategy embeds, and the compile-time registry
// the engine resolves strategies through.
package strategy

import (
	"fmt"
	"time"

	"alpha_engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a strategy instance.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// BracketParams is the optional take-profit / stop-loss hint a
// strategy attaches before returning a signal. The engine reads it
// once per submission and clears it.
type BracketParams struct {
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// TradeInfo is what OnTradeExecuted receives after a submission.
type TradeInfo struct {
	Symbol  string
	Side    models.Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	OrderID string
	Status  string
}

// Strategy is the full capability the engine and the API consume.
// Concrete strategies embed *Base for everything except
// CalculateSignals, Parameters and ApplyParameter.
type Strategy interface {
	Name() string
	Description() string
	Symbols() []string
	Timeframe() models.Timeframe
	// SkipMarketCheck is true for 24/7 (crypto) strategies; the engine
	// then runs cycles regardless of the equity-market clock.
	SkipMarketCheck() bool

	Status() Status
	LastError() string
	LastRun() time.Time
	TotalSignals() int

	Start() error
	Stop()
	Fail(msg string)

	// CalculateSignals returns one signal per configured symbol.
	CalculateSignals(data map[string][]models.Bar) (map[string]models.Signal, error)
	// Parameters returns the configurable parameter map.
	Parameters() map[string]any
	// ApplyParameter sets one known parameter; false means the key is
	// not recognized.
	ApplyParameter(key string, value any) bool

	// TakeBracketParams returns and clears the attached bracket hint.
	TakeBracketParams() *BracketParams

	OnStart()
	OnStop()
	OnTradeExecuted(trade TradeInfo)
}

// Run guards a signal computation with the state machine: it refuses
// to run outside RUNNING, flips the strategy to ERROR on a
// CalculateSignals failure (preserving the message and re-raising),
// and counts non-HOLD signals on success.
func Run(s Strategy, data map[string][]models.Bar) (map[string]models.Signal, error) {
	if s.Status() != StatusRunning {
		return nil, fmt.Errorf("strategy %s is not running (status %s)", s.Name(), s.Status())
	}
	signals, err := s.CalculateSignals(data)
	if err != nil {
		s.Fail(err.Error())
		return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
	}
	actionable := 0
	for _, sig := range signals {
		if sig != models.SignalHold {
			actionable++
		}
	}
	markRun(s, actionable)
	return signals, nil
}

// UpdateParameters applies the incoming keys that the strategy already
// exposes through Parameters(); unknown keys are ignored with a
// warning.
func UpdateParameters(s Strategy, params map[string]any) {
	known := s.Parameters()
	for key, value := range params {
		if _, ok := known[key]; !ok {
			logrus.WithFields(logrus.Fields{"strategy": s.Name(), "key": key}).
				Warn("ignoring unknown parameter")
			continue
		}
		if !s.ApplyParameter(key, value) {
			logrus.WithFields(logrus.Fields{"strategy": s.Name(), "key": key}).
				Warn("parameter rejected")
		}
	}
}

// ValidateData filters the per-symbol map down to symbols carrying at
// least minBars bars.
func ValidateData(data map[string][]models.Bar, minBars int) map[string][]models.Bar {
	out := make(map[string][]models.Bar, len(data))
	for sym, series := range data {
		if len(series) >= minBars {
			out[sym] = series
		}
	}
	return out
}

// Info is the API-facing description of a strategy.
type Info struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Symbols      []string         `json:"symbols"`
	Timeframe    models.Timeframe `json:"timeframe"`
	Parameters   map[string]any   `json:"parameters"`
	Status       Status           `json:"status"`
	LastRun      *time.Time       `json:"last_run,omitempty"`
	TotalSignals int              `json:"total_signals"`
	Instantiated bool             `json:"instantiated"`
}

// Describe builds the Info view of a live instance.
func Describe(s Strategy) Info {
	info := Info{
		Name:         s.Name(),
		Description:  s.Description(),
		Symbols:      s.Symbols(),
		Timeframe:    s.Timeframe(),
		Parameters:   s.Parameters(),
		Status:       s.Status(),
		TotalSignals: s.TotalSignals(),
		Instantiated: true,
	}
	if lr := s.LastRun(); !lr.IsZero() {
		info.LastRun = &lr
	}
	return info
}

// IntParam coerces a parameter value that may arrive as JSON float64.
func IntParam(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

// FloatParam coerces a parameter value to float64.
func FloatParam(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
