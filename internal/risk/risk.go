// Package risk gates every proposed order before it reaches the
// broker and sizes new positions from account equity.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Limits holds the configured risk limits. Percentages are whole
// percents (2.0 means 2%). A zero limit disables that check.
type Limits struct {
	MaxDailyLossPct    float64 `json:"max_daily_loss_pct"`
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	MaxTradesPerDay    int     `json:"max_trades_per_day"`
	MaxOpenPositions   int     `json:"max_open_positions"`
	MinBuyingPowerPct  float64 `json:"min_buying_power_pct"`
}

// DefaultLimits mirrors the stock configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossPct:    2.0,
		MaxPositionSizePct: 5.0,
		MaxTradesPerDay:    50,
		MaxOpenPositions:   20,
		MinBuyingPowerPct:  10.0,
	}
}

// Check is the outcome of evaluating one order.
type Check struct {
	Approved bool           `json:"approved"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func approve(details map[string]any) Check {
	return Check{Approved: true, Details: details}
}

func reject(reason string, details map[string]any) Check {
	return Check{Approved: false, Reason: reason, Details: details}
}

// Manager evaluates orders against the daily-loss, trade-count,
// position-size, open-positions and buying-power rules, in that
// order, short-circuiting on the first failure. Daily counters reset
// when the calendar day rolls over.
type Manager struct {
	broker broker.Broker
	log    *logrus.Logger

	mu            sync.Mutex
	limits        Limits
	currentDate   string
	dailyPnL      float64
	tradesToday   int
	equityAtOpen  float64
	lastAccount   *models.Account
	lastPositions []models.Position

	now func() time.Time
}

// New builds a manager with the given limits.
func New(b broker.Broker, limits Limits, log *logrus.Logger) *Manager {
	log.WithFields(logrus.Fields{
		"max_daily_loss_pct":    limits.MaxDailyLossPct,
		"max_position_size_pct": limits.MaxPositionSizePct,
		"max_trades_per_day":    limits.MaxTradesPerDay,
	}).Info("risk manager initialized")
	return &Manager{broker: b, limits: limits, log: log, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// EvaluateOrder runs the check chain for one proposed order. A failed
// account refresh rejects the order outright: trading blind is worse
// than skipping a cycle.
func (m *Manager) EvaluateOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, strategyName string) Check {
	orderValue := qty * price
	m.log.WithFields(logrus.Fields{
		"symbol": symbol, "side": side, "qty": qty, "price": price,
		"order_value": orderValue, "strategy": strategyName,
	}).Debug("evaluating order")

	if err := m.refreshState(ctx); err != nil {
		m.log.WithError(err).Error("account state refresh failed")
		return reject(fmt.Sprintf("account state unavailable: %v", err), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	checks := []func(symbol string, side models.Side, orderValue float64) Check{
		m.checkDailyLossLocked,
		m.checkTradesLimitLocked,
		m.checkPositionSizeLocked,
		m.checkOpenPositionsLocked,
		m.checkBuyingPowerLocked,
	}
	for _, fn := range checks {
		if result := fn(symbol, side, orderValue); !result.Approved {
			m.log.WithFields(logrus.Fields{
				"symbol": symbol, "side": side, "qty": qty, "reason": result.Reason,
			}).Warn("order rejected")
			return result
		}
	}

	m.log.WithFields(logrus.Fields{
		"symbol": symbol, "side": side, "qty": qty, "price": price,
	}).Info("order approved")

	equity := 0.0
	if m.lastAccount != nil {
		equity = m.lastAccount.Equity.InexactFloat64()
	}
	return approve(map[string]any{
		"equity":         equity,
		"daily_pnl":      m.dailyPnL,
		"trades_today":   m.tradesToday,
		"open_positions": len(m.lastPositions),
	})
}

func (m *Manager) checkDailyLossLocked(_ string, _ models.Side, _ float64) Check {
	if m.limits.MaxDailyLossPct <= 0 || m.equityAtOpen <= 0 {
		return approve(nil)
	}
	maxLoss := m.equityAtOpen * (m.limits.MaxDailyLossPct / 100)
	currentLoss := math.Abs(math.Min(m.dailyPnL, 0))
	if currentLoss >= maxLoss {
		return reject(
			fmt.Sprintf("daily loss limit reached: $%.2f >= $%.2f (%.1f%% of equity)",
				currentLoss, maxLoss, m.limits.MaxDailyLossPct),
			map[string]any{
				"daily_pnl":      m.dailyPnL,
				"max_daily_loss": maxLoss,
				"equity_at_open": m.equityAtOpen,
			})
	}
	return approve(nil)
}

func (m *Manager) checkTradesLimitLocked(_ string, _ models.Side, _ float64) Check {
	if m.limits.MaxTradesPerDay <= 0 {
		return approve(nil)
	}
	if m.tradesToday >= m.limits.MaxTradesPerDay {
		return reject(
			fmt.Sprintf("daily trade limit reached: %d >= %d", m.tradesToday, m.limits.MaxTradesPerDay),
			map[string]any{"trades_today": m.tradesToday})
	}
	return approve(nil)
}

func (m *Manager) checkPositionSizeLocked(symbol string, side models.Side, orderValue float64) Check {
	if m.limits.MaxPositionSizePct <= 0 || m.lastAccount == nil {
		return approve(nil)
	}
	// Sells close positions; only buys grow exposure.
	if side == models.Sell {
		return approve(nil)
	}
	equity := m.lastAccount.Equity.InexactFloat64()
	maxValue := equity * (m.limits.MaxPositionSizePct / 100)

	existing := m.existingValueLocked(symbol)
	totalExposure := existing + orderValue
	if totalExposure > maxValue {
		return reject(
			fmt.Sprintf("position exceeds size limit: $%.2f > $%.2f (%.1f%% of equity)",
				totalExposure, maxValue, m.limits.MaxPositionSizePct),
			map[string]any{
				"order_value":        orderValue,
				"existing_value":     existing,
				"total_exposure":     totalExposure,
				"max_position_value": maxValue,
				"equity":             equity,
			})
	}
	return approve(nil)
}

func (m *Manager) checkOpenPositionsLocked(_ string, side models.Side, _ float64) Check {
	if m.limits.MaxOpenPositions <= 0 || side == models.Sell {
		return approve(nil)
	}
	if len(m.lastPositions) >= m.limits.MaxOpenPositions {
		return reject(
			fmt.Sprintf("open position limit reached: %d >= %d", len(m.lastPositions), m.limits.MaxOpenPositions),
			map[string]any{"open_positions": len(m.lastPositions)})
	}
	return approve(nil)
}

func (m *Manager) checkBuyingPowerLocked(_ string, side models.Side, orderValue float64) Check {
	if m.lastAccount == nil || side == models.Sell {
		return approve(nil)
	}
	buyingPower := m.lastAccount.BuyingPower.InexactFloat64()
	if orderValue > buyingPower {
		return reject(
			fmt.Sprintf("insufficient buying power: order $%.2f > available $%.2f", orderValue, buyingPower),
			map[string]any{"order_value": orderValue, "buying_power": buyingPower})
	}
	// Low remaining buying power warns but does not reject.
	if equity := m.lastAccount.Equity.InexactFloat64(); equity > 0 {
		remainingPct := (buyingPower - orderValue) / equity * 100
		if remainingPct < m.limits.MinBuyingPowerPct {
			m.log.WithFields(logrus.Fields{
				"remaining_pct": remainingPct,
				"minimum_pct":   m.limits.MinBuyingPowerPct,
			}).Warn("remaining buying power low")
		}
	}
	return approve(nil)
}

// CalculatePositionSize returns the share quantity for a new entry:
// the lesser of targetPct of equity (minus the symbol's existing
// exposure) and 95% of buying power, divided by price and rounded to
// four decimals. Pass targetPct <= 0 to use MaxPositionSizePct.
// Returns 0 when no meaningful position fits.
func (m *Manager) CalculatePositionSize(ctx context.Context, symbol string, price float64, targetPct float64) float64 {
	if price <= 0 {
		return 0
	}
	if err := m.refreshState(ctx); err != nil {
		m.log.WithError(err).Error("position sizing failed")
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastAccount == nil {
		return 0
	}
	equity := m.lastAccount.Equity.InexactFloat64()
	buyingPower := m.lastAccount.BuyingPower.InexactFloat64()
	pct := targetPct
	if pct <= 0 {
		pct = m.limits.MaxPositionSizePct
	}

	maxByEquity := equity * (pct / 100)
	maxByBP := buyingPower * 0.95

	available := math.Min(maxByEquity-m.existingValueLocked(symbol), maxByBP)
	available = math.Max(available, 0)

	qty := available / price
	if qty < 0.01 {
		return 0
	}
	qty = math.Round(qty*10000) / 10000

	m.log.WithFields(logrus.Fields{
		"symbol": symbol, "qty": qty, "value": available,
		"equity": equity, "buying_power": buyingPower,
	}).Debug("position size calculated")
	return qty
}

// RecordTrade increments today's trade counter and accumulates pnl.
func (m *Manager) RecordTrade(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	m.tradesToday++
	m.dailyPnL += pnl
	m.log.WithFields(logrus.Fields{
		"trades_today": m.tradesToday, "pnl": pnl, "daily_pnl": m.dailyPnL,
	}).Debug("trade recorded")
}

// UpdateDailyPnL overwrites the accumulated daily P&L.
func (m *Manager) UpdateDailyPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = pnl
}

// Limits returns the current limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// UpdateLimits replaces fields that are present in the patch map.
// Unknown keys warn and are skipped.
func (m *Manager) UpdateLimits(patch map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range patch {
		switch key {
		case "max_daily_loss_pct":
			if v, ok := toFloat(value); ok {
				m.limits.MaxDailyLossPct = v
			}
		case "max_position_size_pct":
			if v, ok := toFloat(value); ok {
				m.limits.MaxPositionSizePct = v
			}
		case "max_trades_per_day":
			if v, ok := toFloat(value); ok {
				m.limits.MaxTradesPerDay = int(v)
			}
		case "max_open_positions":
			if v, ok := toFloat(value); ok {
				m.limits.MaxOpenPositions = int(v)
			}
		case "min_buying_power_pct":
			if v, ok := toFloat(value); ok {
				m.limits.MinBuyingPowerPct = v
			}
		default:
			m.log.WithField("limit", key).Warn("unknown risk limit, skipping")
			continue
		}
		m.log.WithFields(logrus.Fields{"limit": key, "value": value}).Info("risk limit updated")
	}
}

// Status snapshots limits, daily counters and the cached account.
func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	account := map[string]any{"equity": nil, "cash": nil, "buying_power": nil}
	if m.lastAccount != nil {
		account["equity"] = m.lastAccount.Equity.InexactFloat64()
		account["cash"] = m.lastAccount.Cash.InexactFloat64()
		account["buying_power"] = m.lastAccount.BuyingPower.InexactFloat64()
	}
	var date any
	if m.currentDate != "" {
		date = m.currentDate
	}
	return map[string]any{
		"limits": map[string]any{
			"max_daily_loss_pct":    m.limits.MaxDailyLossPct,
			"max_position_size_pct": m.limits.MaxPositionSizePct,
			"max_trades_per_day":    m.limits.MaxTradesPerDay,
			"max_open_positions":    m.limits.MaxOpenPositions,
			"min_buying_power_pct":  m.limits.MinBuyingPowerPct,
		},
		"daily": map[string]any{
			"date":           date,
			"pnl":            m.dailyPnL,
			"trades_count":   m.tradesToday,
			"equity_at_open": m.equityAtOpen,
		},
		"account":        account,
		"open_positions": len(m.lastPositions),
	}
}

// refreshState fetches account and positions concurrently.
func (m *Manager) refreshState(ctx context.Context) error {
	var (
		account   *models.Account
		positions []models.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := m.broker.GetAccount(gctx)
		if err != nil {
			return err
		}
		account = a
		return nil
	})
	g.Go(func() error {
		p, err := m.broker.GetPositions(gctx)
		if err != nil {
			return err
		}
		positions = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAccount = account
	m.lastPositions = positions
	if m.equityAtOpen <= 0 && account != nil {
		if eq := account.Equity.InexactFloat64(); eq > 0 {
			m.equityAtOpen = eq
		}
	}
	return nil
}

func (m *Manager) existingValueLocked(symbol string) float64 {
	for _, pos := range m.lastPositions {
		if pos.Symbol == symbol {
			return pos.MarketValue.InexactFloat64()
		}
	}
	return 0
}

// rollDayLocked resets daily counters when the calendar day changes.
func (m *Manager) rollDayLocked() {
	today := m.now().Format("2006-01-02")
	if m.currentDate == today {
		return
	}
	if m.currentDate != "" {
		m.log.WithFields(logrus.Fields{
			"date": today, "previous_pnl": m.dailyPnL, "previous_trades": m.tradesToday,
		}).Info("new trading day")
	}
	m.currentDate = today
	m.dailyPnL = 0
	m.tradesToday = 0
	if m.lastAccount != nil {
		if eq := m.lastAccount.Equity.InexactFloat64(); eq > 0 {
			m.equityAtOpen = eq
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
