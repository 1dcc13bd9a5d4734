// Package broker defines the uniform brokerage capability the engine
// depends on. The alpaca subpackage is the only code that knows
// venue-specific enum names or request shapes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alpha_engine/internal/models"

	"github.com/shopspring/decimal"
)

// OrderStatusFilter for GetOrders.
type OrderStatusFilter string

const (
	OrdersOpen   OrderStatusFilter = "open"
	OrdersClosed OrderStatusFilter = "closed"
	OrdersAll    OrderStatusFilter = "all"
)

// Broker is the uniform operations surface for account, orders,
// positions, bars, clock and latest price.
type Broker interface {
	GetAccount(ctx context.Context) (*models.Account, error)

	// SubmitOrder submits req. If req carries take-profit or stop-loss
	// prices the order is submitted as a bracket; child prices are
	// rounded to 2 decimals before reaching the venue. Fractional
	// quantities are supported.
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrders(ctx context.Context, status OrderStatusFilter, limit int) ([]models.Order, error)
	CancelOrder(ctx context.Context, id string) error
	CancelAllOrders(ctx context.Context) error

	GetPositions(ctx context.Context) ([]models.Position, error)
	// GetPosition returns (nil, nil) when no position exists.
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	ClosePosition(ctx context.Context, symbol string) (*models.Order, error)
	CloseAllPositions(ctx context.Context) ([]models.Order, error)

	// GetBars returns ascending, deduplicated, tz-aware bars. Crypto
	// pairs (slash in the symbol) are routed to the crypto feed.
	GetBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Bar, error)

	// GetLatestPrice returns the last trade for equities and the
	// bid/ask midpoint for crypto (falling back to whichever side is
	// positive; ErrUnavailableQuote when neither is).
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	IsMarketOpen(ctx context.Context) (bool, error)
	GetClock(ctx context.Context) (*models.Clock, error)
}

// ErrorKind classifies broker failures for the caller.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindInvalid   ErrorKind = "invalid"
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindNotFound  ErrorKind = "not_found"
)

// Error wraps a venue failure with a retryability classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimit
}

// ErrUnavailableQuote is returned by GetLatestPrice when a crypto
// quote has no positive side.
var ErrUnavailableQuote = errors.New("no positive bid or ask available")

// KindOf extracts the classification from err, defaulting to transient
// for unclassified failures (network errors from the SDK).
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}
