// Package engine orchestrates live trading: per-strategy cycle loops
// (data, signals, risk, orders), persistence of every attempt, and an
// event bus for WebSocket fan-out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/marketdata"
	"alpha_engine/internal/models"
	"alpha_engine/internal/risk"
	"alpha_engine/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Status is the engine lifecycle state.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusShuttingDown Status = "shutting_down"
	StatusError        Status = "error"
)

var (
	// ErrNotReady means the engine has not been initialized, or is
	// shutting down.
	ErrNotReady = errors.New("engine is not running, call Initialize first")
	// ErrStrategyActive means the strategy already has a live loop.
	ErrStrategyActive = errors.New("strategy is already running")
	// ErrStrategyInactive means no loop exists for the strategy.
	ErrStrategyInactive = errors.New("strategy has no active loop")
)

const maxConsecutiveErrors = 5

// errorBackoffUnit bounds the per-error backoff step: the wait before
// retry n is n * min(interval, errorBackoffUnit).
const errorBackoffUnit = 30 * time.Second

// snapshotInterval paces the periodic performance captures.
const snapshotInterval = time.Hour

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	runID  uint
}

// Engine coordinates broker, market data, strategies, risk and
// persistence. Each started strategy runs its own goroutine loop at
// its timeframe's cadence; one broken strategy never takes down the
// others.
type Engine struct {
	broker     broker.Broker
	marketData *marketdata.Service
	registry   *strategy.Registry
	risk       *risk.Manager
	port       Port
	bus        *Bus
	log        *logrus.Logger

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	loops     map[string]*loopHandle
	baseCtx   context.Context
	baseStop  context.CancelFunc

	totalOrders int
	totalCycles int

	backoffUnit time.Duration

	snapshotWG sync.WaitGroup
}

// New wires the engine. Pass NopPort{} to run without persistence.
func New(b broker.Broker, md *marketdata.Service, reg *strategy.Registry, rm *risk.Manager, port Port, bus *Bus, log *logrus.Logger) *Engine {
	return &Engine{
		broker:      b,
		marketData:  md,
		registry:    reg,
		risk:        rm,
		port:        port,
		bus:         bus,
		log:         log,
		status:      StatusStopped,
		loops:       make(map[string]*loopHandle),
		backoffUnit: errorBackoffUnit,
	}
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

// Registry exposes the strategy registry.
func (e *Engine) Registry() *strategy.Registry { return e.registry }

// Risk exposes the risk manager.
func (e *Engine) Risk() *risk.Manager { return e.risk }

// MarketData exposes the market-data service.
func (e *Engine) MarketData() *marketdata.Service { return e.marketData }

// Broker exposes the broker.
func (e *Engine) Broker() broker.Broker { return e.broker }

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsRunning reports whether strategies can be started.
func (e *Engine) IsRunning() bool { return e.Status() == StatusRunning }

// Initialize verifies the broker connection and moves the engine to
// RUNNING. A failed broker probe leaves the engine in ERROR.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusRunning {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusInitializing
	e.mu.Unlock()

	e.log.Info("initializing trading engine")

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.mu.Unlock()
		return fmt.Errorf("broker connection failed: %w", err)
	}
	marketOpen, err := e.broker.IsMarketOpen(ctx)
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.mu.Unlock()
		return fmt.Errorf("broker clock unavailable: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"account":     account.ID,
		"equity":      account.Equity,
		"cash":        account.Cash,
		"market_open": marketOpen,
	}).Info("broker connected")

	e.mu.Lock()
	e.status = StatusRunning
	e.startedAt = time.Now()
	e.baseCtx, e.baseStop = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.snapshotWG.Add(1)
	go e.snapshotLoop(e.baseCtx)

	e.bus.Emit(EventEngineStarted, map[string]any{
		"account_id":           account.ID,
		"equity":               account.Equity.InexactFloat64(),
		"strategies_available": e.registry.Names(),
		"market_open":          marketOpen,
	})
	return nil
}

// StartStrategy launches the cycle loop for a registered strategy.
func (e *Engine) StartStrategy(name string) (strategy.Info, error) {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return strategy.Info{}, ErrNotReady
	}
	if _, active := e.loops[name]; active {
		e.mu.Unlock()
		return strategy.Info{}, fmt.Errorf("%w: %s", ErrStrategyActive, name)
	}
	e.mu.Unlock()

	st, err := e.registry.Get(name)
	if err != nil {
		return strategy.Info{}, err
	}
	if err := st.Start(); err != nil {
		return strategy.Info{}, err
	}

	params, _ := json.Marshal(st.Parameters())
	runID, err := e.port.OpenStrategyRun(&models.StrategyRun{
		StrategyName: name,
		Status:       models.RunStatusRunning,
		Symbols:      strings.Join(st.Symbols(), ","),
		Timeframe:    string(st.Timeframe()),
		Parameters:   string(params),
		StartedAt:    time.Now(),
	})
	if err != nil {
		e.log.WithField("strategy", name).WithError(err).Error("strategy run not persisted")
	}

	e.mu.Lock()
	loopCtx, cancel := context.WithCancel(e.baseCtx)
	handle := &loopHandle{cancel: cancel, done: make(chan struct{}), runID: runID}
	e.loops[name] = handle
	e.mu.Unlock()

	go e.strategyLoop(loopCtx, st, handle)

	e.log.WithFields(logrus.Fields{
		"strategy":  name,
		"symbols":   st.Symbols(),
		"timeframe": st.Timeframe(),
		"run_id":    runID,
	}).Info("strategy started")

	e.bus.Emit(EventStrategyStarted, map[string]any{
		"strategy":  name,
		"symbols":   st.Symbols(),
		"timeframe": string(st.Timeframe()),
		"run_id":    runID,
	})
	return strategy.Describe(st), nil
}

// StopStrategy cancels the loop and waits for the in-flight cycle.
func (e *Engine) StopStrategy(name string) error {
	e.mu.Lock()
	handle, ok := e.loops[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStrategyInactive, name)
	}
	delete(e.loops, name)
	e.mu.Unlock()

	handle.cancel()
	<-handle.done

	if st, err := e.registry.Get(name); err == nil && st.Status() == strategy.StatusRunning {
		st.Stop()
	}
	if err := e.port.MarkStrategyRunStopped(name); err != nil {
		e.log.WithField("strategy", name).WithError(err).Error("strategy run not closed")
	}

	e.log.WithField("strategy", name).Info("strategy stopped")
	e.bus.Emit(EventStrategyStopped, map[string]any{"strategy": name})
	return nil
}

// Stop shuts the engine down gracefully: all strategy loops are
// stopped and awaited before the status flips to STOPPED.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		e.log.Warn("engine already stopped")
		return
	}
	e.status = StatusShuttingDown
	names := make([]string, 0, len(e.loops))
	for name := range e.loops {
		names = append(names, name)
	}
	e.mu.Unlock()

	e.log.Info("stopping trading engine")
	for _, name := range names {
		if err := e.StopStrategy(name); err != nil {
			e.log.WithField("strategy", name).WithError(err).Error("strategy stop failed")
		}
	}

	e.mu.Lock()
	if e.baseStop != nil {
		e.baseStop()
	}
	e.mu.Unlock()
	e.snapshotWG.Wait()

	e.mu.Lock()
	e.status = StatusStopped
	cycles, orders := e.totalCycles, e.totalOrders
	e.mu.Unlock()

	e.log.Info("trading engine stopped")
	e.bus.Emit(EventEngineStopped, map[string]any{
		"total_cycles": cycles,
		"total_orders": orders,
	})
}

// ActiveStrategies lists strategies with live loops, sorted by name.
func (e *Engine) ActiveStrategies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.loops))
	for name := range e.loops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StatusReport is the /api/engine/status payload.
func (e *Engine) StatusReport() map[string]any {
	e.mu.Lock()
	status := e.status
	startedAt := e.startedAt
	cycles, orders := e.totalCycles, e.totalOrders
	e.mu.Unlock()

	var started any
	if !startedAt.IsZero() {
		started = startedAt.Format(time.RFC3339)
	}
	return map[string]any{
		"engine_status":              string(status),
		"started_at":                 started,
		"active_strategies":          e.ActiveStrategies(),
		"total_strategies_available": len(e.registry.Names()),
		"total_cycles":               cycles,
		"total_orders_submitted":     orders,
		"risk_manager":               e.risk.Status(),
	}
}

// AccountSummary fetches the live account and positions view.
func (e *Engine) AccountSummary(ctx context.Context) (map[string]any, error) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	posOut := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		posOut = append(posOut, map[string]any{
			"symbol":          p.Symbol,
			"qty":             p.Qty.InexactFloat64(),
			"side":            p.Side,
			"avg_entry_price": p.AvgEntryPrice.InexactFloat64(),
			"current_price":   p.CurrentPrice.InexactFloat64(),
			"market_value":    p.MarketValue.InexactFloat64(),
			"unrealized_pl":   p.UnrealizedPL.InexactFloat64(),
			"unrealized_plpc": p.UnrealizedPLPct.InexactFloat64(),
		})
	}
	return map[string]any{
		"account_id":      account.ID,
		"equity":          account.Equity.InexactFloat64(),
		"cash":            account.Cash.InexactFloat64(),
		"buying_power":    account.BuyingPower.InexactFloat64(),
		"portfolio_value": account.PortfolioValue.InexactFloat64(),
		"status":          account.Status,
		"positions":       posOut,
		"position_count":  len(positions),
	}, nil
}

// --- Strategy loop ---

func (e *Engine) strategyLoop(ctx context.Context, st strategy.Strategy, handle *loopHandle) {
	defer close(handle.done)

	name := st.Name()
	interval := st.Timeframe().Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	barsLimit := st.Timeframe().HistoryLimit()

	log := e.log.WithField("strategy", name)
	log.WithFields(logrus.Fields{
		"interval":   interval,
		"timeframe":  st.Timeframe(),
		"bars_limit": barsLimit,
	}).Info("strategy loop started")

	consecutiveErrors := 0

	for st.Status() == strategy.StatusRunning && e.IsRunning() {
		cycleStart := time.Now()

		err := e.executeCycle(ctx, st, barsLimit)
		if ctx.Err() != nil {
			log.Info("strategy loop canceled")
			return
		}
		if err != nil {
			consecutiveErrors++
			log.WithError(err).WithFields(logrus.Fields{
				"consecutive": consecutiveErrors,
				"max":         maxConsecutiveErrors,
			}).Error("cycle failed")

			if consecutiveErrors >= maxConsecutiveErrors {
				msg := fmt.Sprintf("stopped after %d consecutive errors, last: %v", maxConsecutiveErrors, err)
				log.Error("too many consecutive errors, stopping strategy")
				st.Fail(msg)
				if perr := e.port.MarkStrategyRunErrored(name, err.Error()); perr != nil {
					log.WithError(perr).Error("strategy run error not persisted")
				}
				e.bus.Emit(EventStrategyError, map[string]any{
					"strategy":           name,
					"error":              err.Error(),
					"consecutive_errors": consecutiveErrors,
				})
				e.mu.Lock()
				delete(e.loops, name)
				e.mu.Unlock()
				return
			}

			// Progressive backoff before retrying.
			wait := time.Duration(consecutiveErrors) * minDuration(interval, e.backoffUnit)
			log.WithField("wait", wait).Info("backing off before retry")
			if !sleepCtx(ctx, wait) {
				return
			}
			// A strategy-body failure left the strategy in ERROR;
			// re-arm it so the retry can run.
			if st.Status() == strategy.StatusError {
				if serr := st.Start(); serr != nil {
					log.WithError(serr).Error("strategy could not be re-armed")
					return
				}
			}
			continue
		}

		consecutiveErrors = 0
		e.mu.Lock()
		e.totalCycles++
		e.mu.Unlock()

		elapsed := time.Since(cycleStart)
		sleep := interval - elapsed
		if sleep < time.Second {
			sleep = time.Second
		}
		log.WithFields(logrus.Fields{"elapsed": elapsed, "next_in": sleep}).Debug("cycle completed")
		if !sleepCtx(ctx, sleep) {
			log.Info("strategy loop canceled")
			return
		}
	}
	log.Info("strategy loop finished")
}

// executeCycle runs one full pass: market check, data, signals, risk,
// orders, persistence, events.
func (e *Engine) executeCycle(ctx context.Context, st strategy.Strategy, barsLimit int) error {
	name := st.Name()
	log := e.log.WithField("strategy", name)

	// Crypto strategies trade around the clock.
	if !st.SkipMarketCheck() {
		if !e.marketData.IsMarketOpen(ctx) {
			log.Debug("market closed, skipping cycle")
			return nil
		}
	}

	data := e.marketData.GetBarsForSymbols(ctx, st.Symbols(), st.Timeframe(), barsLimit)
	if len(data) == 0 {
		return fmt.Errorf("no market data for %v", st.Symbols())
	}

	signals, err := strategy.Run(st, data)
	if err != nil {
		return err
	}

	active := make(map[string]models.Signal)
	for sym, sig := range signals {
		if sig != models.SignalHold {
			active[sym] = sig
		}
	}

	if len(active) == 0 {
		log.Debug("no actionable signals this cycle")
		e.bus.Emit(EventCycleCompleted, map[string]any{
			"strategy":         name,
			"signals":          signalStrings(signals),
			"orders_submitted": 0,
		})
		return nil
	}

	e.bus.Emit(EventSignalGenerated, map[string]any{
		"strategy": name,
		"signals":  signalStrings(active),
	})

	// A broker failure on one signal never blocks the remaining
	// signals, but it still counts as a cycle error for the caller.
	submitted := 0
	var signalErr error
	for symbol, sig := range active {
		order, perr := e.processSignal(ctx, st, symbol, sig)
		if perr != nil {
			log.WithFields(logrus.Fields{"symbol": symbol, "signal": sig}).
				WithError(perr).Error("signal processing failed")
			signalErr = perr
			continue
		}
		if order != nil {
			submitted++
		}
	}

	if raw, jerr := json.Marshal(signalStrings(signals)); jerr == nil {
		if perr := e.port.UpdateStrategyRunSignals(name, string(raw)); perr != nil {
			log.WithError(perr).Error("strategy run signals not persisted")
		}
	}

	e.bus.Emit(EventCycleCompleted, map[string]any{
		"strategy":         name,
		"signals":          signalStrings(signals),
		"orders_submitted": submitted,
	})
	return signalErr
}

// processSignal turns one BUY/SELL signal into an order, or into a
// persisted rejection. A nil order with nil error means the signal was
// skipped (no price, zero size, no position to sell).
func (e *Engine) processSignal(ctx context.Context, st strategy.Strategy, symbol string, sig models.Signal) (*models.Order, error) {
	name := st.Name()
	log := e.log.WithFields(logrus.Fields{"strategy": name, "symbol": symbol})

	var side models.Side
	switch sig {
	case models.SignalBuy:
		side = models.Buy
	case models.SignalSell:
		side = models.Sell
	default:
		return nil, nil
	}

	price, err := e.marketData.GetLatestPrice(ctx, symbol)
	if err != nil || !price.IsPositive() {
		log.Warn("no price available, skipping signal")
		return nil, nil
	}
	priceF := price.InexactFloat64()

	var qty float64
	if side == models.Buy {
		qty = e.risk.CalculatePositionSize(ctx, symbol, priceF, 0)
		if qty <= 0 {
			log.Info("position size is zero, not trading")
			return nil, nil
		}
	} else {
		position, perr := e.broker.GetPosition(ctx, symbol)
		if perr != nil {
			return nil, perr
		}
		if position == nil {
			log.Debug("no open position, ignoring sell signal")
			return nil, nil
		}
		qty = position.Qty.Abs().InexactFloat64()
	}

	check := e.risk.EvaluateOrder(ctx, symbol, side, qty, priceF, name)
	if !check.Approved {
		log.WithFields(logrus.Fields{"side": side, "qty": qty, "reason": check.Reason}).
			Warn("order rejected by risk")
		e.recordTrade(&models.TradeRecord{
			StrategyName: name,
			Symbol:       symbol,
			Side:         string(side),
			Qty:          qty,
			OrderType:    string(models.Market),
			Signal:       string(sig),
			Status:       models.TradeStatusRejected,
			Notes:        "Risk rejected: " + check.Reason,
			CreatedAt:    time.Now(),
		})
		e.bus.Emit(EventRiskRejected, map[string]any{
			"strategy": name,
			"symbol":   symbol,
			"side":     string(side),
			"qty":      qty,
			"reason":   check.Reason,
		})
		return nil, nil
	}

	// Crypto trades around the clock; DAY would expire at the equity close.
	tif := models.Day
	if models.IsCrypto(symbol) {
		tif = models.GTC
	}

	// Idempotency key so a retried submit cannot double-fill.
	req := models.OrderRequest{
		Symbol:        symbol,
		Qty:           decimal.NewFromFloat(qty),
		Side:          side,
		Type:          models.Market,
		TimeInForce:   tif,
		ClientOrderID: st.Name() + "-" + uuid.NewString(),
	}
	if bracket := st.TakeBracketParams(); bracket != nil {
		tp, sl := bracket.TakeProfit, bracket.StopLoss
		req.TakeProfit = &tp
		req.StopLoss = &sl
		log.WithFields(logrus.Fields{"take_profit": tp, "stop_loss": sl}).Info("bracket order")
	}

	order, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		log.WithFields(logrus.Fields{"side": side, "qty": qty}).
			WithError(err).Error("order submission failed")
		e.recordTrade(&models.TradeRecord{
			StrategyName: name,
			Symbol:       symbol,
			Side:         string(side),
			Qty:          qty,
			OrderType:    string(models.Market),
			TimeInForce:  string(tif),
			Signal:       string(sig),
			Status:       models.TradeStatusError,
			Notes:        "Broker error: " + err.Error(),
			CreatedAt:    time.Now(),
		})
		return nil, fmt.Errorf("submit %s %s: %w", side, symbol, err)
	}

	e.mu.Lock()
	e.totalOrders++
	e.mu.Unlock()
	e.risk.RecordTrade(0)

	log.WithFields(logrus.Fields{
		"side": side, "qty": qty, "order_id": order.ID, "status": order.Status,
	}).Info("order submitted")

	now := time.Now()
	rec := &models.TradeRecord{
		StrategyName:  name,
		Symbol:        symbol,
		Side:          string(side),
		Qty:           qty,
		OrderType:     string(models.Market),
		TimeInForce:   string(tif),
		Signal:        string(sig),
		Status:        order.Status,
		BrokerOrderID: order.ID,
		CreatedAt:     now,
		SubmittedAt:   &now,
		FilledAt:      order.FilledAt,
	}
	if order.FilledAvgPrice.IsPositive() {
		p := order.FilledAvgPrice.InexactFloat64()
		rec.FilledAvgPrice = &p
	}
	if order.FilledQty.IsPositive() {
		q := order.FilledQty.InexactFloat64()
		rec.FilledQty = &q
	}
	e.recordTrade(rec)

	fillPrice := order.FilledAvgPrice
	if !fillPrice.IsPositive() {
		fillPrice = price
	}
	st.OnTradeExecuted(strategy.TradeInfo{
		Symbol:  symbol,
		Side:    side,
		Qty:     decimal.NewFromFloat(qty),
		Price:   fillPrice,
		OrderID: order.ID,
		Status:  order.Status,
	})

	e.bus.Emit(EventOrderSubmitted, map[string]any{
		"strategy": name,
		"symbol":   symbol,
		"side":     string(side),
		"qty":      qty,
		"price":    fillPrice.InexactFloat64(),
		"order_id": order.ID,
		"status":   order.Status,
	})
	return order, nil
}

func (e *Engine) recordTrade(rec *models.TradeRecord) {
	if _, err := e.port.RecordTradeAttempt(rec); err != nil {
		e.log.WithError(err).Error("trade not persisted")
	}
}

// snapshotLoop captures an hourly portfolio snapshot while the engine
// runs.
func (e *Engine) snapshotLoop(ctx context.Context) {
	defer e.snapshotWG.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.captureSnapshot(ctx)
		}
	}
}

func (e *Engine) captureSnapshot(ctx context.Context) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		e.log.WithError(err).Warn("snapshot skipped, account unavailable")
		return
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.log.WithError(err).Warn("snapshot skipped, positions unavailable")
		return
	}

	equity := account.Equity.InexactFloat64()
	cash := account.Cash.InexactFloat64()
	bp := account.BuyingPower.InexactFloat64()
	unrealized := 0.0
	for _, p := range positions {
		unrealized += p.UnrealizedPL.InexactFloat64()
	}

	riskStatus := e.risk.Status()
	dailyPnL := 0.0
	if daily, ok := riskStatus["daily"].(map[string]any); ok {
		if v, ok := daily["pnl"].(float64); ok {
			dailyPnL = v
		}
	}

	snap := &models.PerformanceSnapshot{
		Timestamp:     time.Now(),
		Equity:        &equity,
		Cash:          &cash,
		BuyingPower:   &bp,
		DailyPnL:      dailyPnL,
		UnrealizedPnL: &unrealized,
	}
	if err := e.port.AppendPerformanceSnapshot(snap); err != nil {
		e.log.WithError(err).Error("performance snapshot not persisted")
	}
}

// --- small helpers ---

func signalStrings(signals map[string]models.Signal) map[string]string {
	out := make(map[string]string, len(signals))
	for sym, sig := range signals {
		out[sym] = string(sig)
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// sleepCtx waits d or until ctx is canceled; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
