// Package backtest replays a strategy over historical bars with
// deterministic next-bar execution: signals generated on bar i fill at
// the open of bar i+1, never inside the bar that produced them.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"alpha_engine/internal/bars"
	"alpha_engine/internal/marketdata"
	"alpha_engine/internal/models"
	"alpha_engine/internal/strategy"

	"github.com/sirupsen/logrus"
)

// Config drives one backtest run.
type Config struct {
	Strategy        strategy.Strategy
	Start           time.Time
	End             time.Time
	InitialCapital  float64
	Commission      float64 // per fill, in dollars
	PositionSizePct float64 // fraction of equity per entry
	MaxPositions    int
	AllowShort      bool
	Timeframe       models.Timeframe // empty means the strategy's own
	Source          marketdata.Source
}

// EffectiveTimeframe resolves the timeframe override.
func (c Config) EffectiveTimeframe() models.Timeframe {
	if c.Timeframe != "" {
		return c.Timeframe
	}
	return c.Strategy.Timeframe()
}

func (c *Config) applyDefaults() {
	if c.InitialCapital <= 0 {
		c.InitialCapital = 100_000
	}
	if c.PositionSizePct <= 0 {
		c.PositionSizePct = 0.10
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 10
	}
	if c.Source == "" {
		c.Source = marketdata.SourceAuto
	}
}

// Trade is one completed round trip.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // BUY = long entry, SELL = short entry
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	EntryDate  time.Time `json:"entry_date"`
	ExitPrice  float64   `json:"exit_price"`
	ExitDate   time.Time `json:"exit_date"`
	Commission float64   `json:"commission"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	BarsHeld   int       `json:"bars_held"`
}

// EquityPoint is one sample of the portfolio value over time.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// SignalLogEntry records the actionable signals of one bar.
type SignalLogEntry struct {
	BarIdx    int               `json:"bar_idx"`
	Timestamp time.Time         `json:"timestamp"`
	Signals   map[string]string `json:"signals"`
}

// Result is the full outcome of a run.
type Result struct {
	EquityCurve  []EquityPoint           `json:"equity_curve"`
	Trades       []Trade                 `json:"trades"`
	SignalsLog   []SignalLogEntry        `json:"signals_log"`
	Metrics      map[string]any          `json:"metrics"`
	DailyReturns []float64               `json:"daily_returns"`
	DataUsed     map[string][]models.Bar `json:"-"`
}

type openPosition struct {
	symbol      string
	side        string
	qty         float64
	entryPrice  float64
	entryDate   time.Time
	entryBarIdx int
}

// Backtester runs one configured backtest. Not safe for concurrent
// use; build one per run.
type Backtester struct {
	cfg Config
	mds *marketdata.Service
	log *logrus.Logger
}

// New builds a backtester for one run.
func New(cfg Config, mds *marketdata.Service, log *logrus.Logger) *Backtester {
	cfg.applyDefaults()
	return &Backtester{cfg: cfg, mds: mds, log: log}
}

// Run executes the backtest.
func (b *Backtester) Run(ctx context.Context) (*Result, error) {
	st := b.cfg.Strategy
	tf := b.cfg.EffectiveTimeframe()

	b.log.WithFields(logrus.Fields{
		"strategy":  st.Name(),
		"symbols":   st.Symbols(),
		"timeframe": tf,
		"start":     b.cfg.Start.Format("2006-01-02"),
		"end":       b.cfg.End.Format("2006-01-02"),
		"capital":   b.cfg.InitialCapital,
	}).Info("backtest started")

	data := b.mds.SmartFetch(ctx, st.Symbols(), tf, b.cfg.Start, b.cfg.End, b.cfg.Source)
	if len(data) == 0 {
		return nil, fmt.Errorf("no historical data for any symbol, download first")
	}

	timeline := buildTimeline(data)
	if len(timeline) < 2 {
		return nil, fmt.Errorf("insufficient data: only %d bars, need at least 2", len(timeline))
	}
	b.log.WithFields(logrus.Fields{
		"bars":  len(timeline),
		"first": timeline[0],
		"last":  timeline[len(timeline)-1],
	}).Info("timeline built")

	state := &runState{
		cash:      b.cfg.InitialCapital,
		positions: make(map[string]*openPosition),
	}

	if err := st.Start(); err != nil {
		return nil, err
	}

	lookback := estimateLookback(st.Parameters())
	b.log.WithField("lookback", lookback).Debug("lookback estimated")

	pending := map[string]models.Signal{}

	for i, now := range timeline {
		if len(pending) > 0 {
			b.executeSignals(state, pending, data, timeline, i)
			pending = map[string]models.Signal{}
		}

		state.equityHistory = append(state.equityHistory, EquityPoint{
			Time:   now,
			Equity: b.equityAt(state, data, now),
		})

		if i < lookback {
			continue
		}

		window := buildWindow(data, now)
		if len(window) == 0 {
			continue
		}

		signals, err := strategy.Run(st, window)
		if err != nil {
			b.log.WithFields(logrus.Fields{"bar": i, "time": now}).
				WithError(err).Warn("strategy error, continuing")
			// Put the strategy back to work for the next bar.
			if serr := st.Start(); serr != nil {
				return nil, serr
			}
			continue
		}

		active := make(map[string]models.Signal)
		for sym, sig := range signals {
			if sig != models.SignalHold {
				active[sym] = sig
			}
		}
		if len(active) > 0 {
			entry := SignalLogEntry{BarIdx: i, Timestamp: now, Signals: make(map[string]string)}
			for sym, sig := range active {
				entry.Signals[sym] = string(sig)
			}
			state.signalsLog = append(state.signalsLog, entry)
		}
		pending = active
	}

	b.closeAllPositions(state, data, timeline, len(timeline)-1)

	finalTime := timeline[len(timeline)-1]
	state.equityHistory = append(state.equityHistory, EquityPoint{
		Time:   finalTime,
		Equity: b.equityAt(state, data, finalTime),
	})

	st.Stop()

	curve := dedupeKeepLast(state.equityHistory)
	returns := pctChange(curve)
	metrics := calculateMetrics(curve, state.trades)

	b.log.WithFields(logrus.Fields{
		"total_return_pct": metrics["total_return_pct"],
		"sharpe_ratio":     metrics["sharpe_ratio"],
		"total_trades":     metrics["total_trades"],
		"win_rate_pct":     metrics["win_rate_pct"],
	}).Info("backtest finished")

	return &Result{
		EquityCurve:  curve,
		Trades:       state.trades,
		SignalsLog:   state.signalsLog,
		Metrics:      metrics,
		DailyReturns: returns,
		DataUsed:     data,
	}, nil
}

type runState struct {
	cash          float64
	positions     map[string]*openPosition
	trades        []Trade
	signalsLog    []SignalLogEntry
	equityHistory []EquityPoint
}

// --- signal execution ---

func (b *Backtester) executeSignals(state *runState, signals map[string]models.Signal, data map[string][]models.Bar, timeline []time.Time, barIdx int) {
	now := timeline[barIdx]
	for _, symbol := range sortedKeys(signals) {
		series, ok := data[symbol]
		if !ok {
			continue
		}
		bar, ok := barAt(series, now)
		if !ok {
			continue
		}
		execPrice := bar.Open

		switch signals[symbol] {
		case models.SignalBuy:
			b.openLong(state, symbol, execPrice, now, barIdx)
		case models.SignalSell:
			if _, held := state.positions[symbol]; held {
				b.closePosition(state, symbol, execPrice, now, barIdx)
			} else if b.cfg.AllowShort {
				b.openShort(state, symbol, execPrice, now, barIdx)
			}
		}
	}
}

func (b *Backtester) openLong(state *runState, symbol string, price float64, now time.Time, barIdx int) {
	if _, held := state.positions[symbol]; held {
		return
	}
	if len(state.positions) >= b.cfg.MaxPositions {
		b.log.WithField("symbol", symbol).Debug("max positions reached, ignoring buy")
		return
	}

	equity := state.cash
	for _, pos := range state.positions {
		equity += pos.qty * price
	}
	positionValue := equity * b.cfg.PositionSizePct
	qty := positionValue / price

	if qty <= 0 || positionValue > state.cash {
		b.log.WithField("symbol", symbol).Debug("insufficient cash for buy")
		return
	}

	cost := qty*price + b.cfg.Commission
	state.cash -= cost
	state.positions[symbol] = &openPosition{
		symbol: symbol, side: "BUY", qty: qty,
		entryPrice: price, entryDate: now, entryBarIdx: barIdx,
	}
	b.log.WithFields(logrus.Fields{"symbol": symbol, "qty": qty, "price": price}).Debug("open long")
}

func (b *Backtester) openShort(state *runState, symbol string, price float64, now time.Time, barIdx int) {
	if _, held := state.positions[symbol]; held {
		return
	}
	if len(state.positions) >= b.cfg.MaxPositions {
		return
	}

	equity := state.cash
	for _, pos := range state.positions {
		equity += pos.qty * price
	}
	qty := equity * b.cfg.PositionSizePct / price
	if qty <= 0 {
		return
	}

	state.cash += qty*price - b.cfg.Commission
	state.positions[symbol] = &openPosition{
		symbol: symbol, side: "SELL", qty: qty,
		entryPrice: price, entryDate: now, entryBarIdx: barIdx,
	}
	b.log.WithFields(logrus.Fields{"symbol": symbol, "qty": qty, "price": price}).Debug("open short")
}

func (b *Backtester) closePosition(state *runState, symbol string, price float64, now time.Time, barIdx int) {
	pos, ok := state.positions[symbol]
	if !ok {
		return
	}
	commission := b.cfg.Commission

	var pnl, pnlPct float64
	if pos.side == "BUY" {
		state.cash += pos.qty*price - commission
		pnl = (price-pos.entryPrice)*pos.qty - commission*2
		pnlPct = (price - pos.entryPrice) / pos.entryPrice
	} else {
		state.cash -= pos.qty*price + commission
		pnl = (pos.entryPrice-price)*pos.qty - commission*2
		pnlPct = (pos.entryPrice - price) / pos.entryPrice
	}

	state.trades = append(state.trades, Trade{
		Symbol:     symbol,
		Side:       pos.side,
		Qty:        pos.qty,
		EntryPrice: pos.entryPrice,
		EntryDate:  pos.entryDate,
		ExitPrice:  price,
		ExitDate:   now,
		Commission: commission * 2,
		PnL:        pnl,
		PnLPct:     pnlPct,
		BarsHeld:   barIdx - pos.entryBarIdx,
	})
	b.log.WithFields(logrus.Fields{"symbol": symbol, "pnl": pnl}).Debug("close position")
	delete(state.positions, symbol)
}

// closeAllPositions force-closes at the close of the final bar.
func (b *Backtester) closeAllPositions(state *runState, data map[string][]models.Bar, timeline []time.Time, barIdx int) {
	now := timeline[barIdx]
	for _, symbol := range sortedPositionKeys(state.positions) {
		series, ok := data[symbol]
		if !ok {
			continue
		}
		if bar, ok := barAt(series, now); ok {
			b.closePosition(state, symbol, bar.Close, now, barIdx)
		}
	}
}

// equityAt marks open positions to the close of the bar at t; a symbol
// with no bar yet is valued at entry.
func (b *Backtester) equityAt(state *runState, data map[string][]models.Bar, t time.Time) float64 {
	equity := state.cash
	for symbol, pos := range state.positions {
		if series, ok := data[symbol]; ok {
			if bar, found := barAt(series, t); found {
				equity += pos.qty * bar.Close
				continue
			}
		}
		equity += pos.qty * pos.entryPrice
	}
	return equity
}

// --- timeline and windows ---

// buildTimeline unions every symbol's timestamps, sorted ascending.
func buildTimeline(data map[string][]models.Bar) []time.Time {
	seen := make(map[int64]time.Time)
	for _, series := range data {
		for _, bar := range series {
			seen[bar.Time.UnixNano()] = bar.Time
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// buildWindow restricts each series to bars at or before t.
func buildWindow(data map[string][]models.Bar, t time.Time) map[string][]models.Bar {
	window := make(map[string][]models.Bar, len(data))
	for symbol, series := range data {
		if w := bars.WindowThrough(series, t); len(w) > 0 {
			window[symbol] = w
		}
	}
	return window
}

// barAt returns the latest bar at or before t.
func barAt(series []models.Bar, t time.Time) (models.Bar, bool) {
	idx := sort.Search(len(series), func(i int) bool { return series[i].Time.After(t) })
	if idx == 0 {
		return models.Bar{}, false
	}
	return series[idx-1], true
}

// estimateLookback derives a warmup bar count from period-like
// parameters, with a safety margin.
func estimateLookback(params map[string]any) int {
	keywords := []string{"period", "length", "window", "slow", "fast", "long", "short", "signal"}
	lookback := 1
	for key, value := range params {
		var v float64
		switch n := value.(type) {
		case int:
			v = float64(n)
		case int64:
			v = float64(n)
		case float64:
			v = n
		default:
			continue
		}
		lower := strings.ToLower(key)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				if int(v) > lookback {
					lookback = int(v)
				}
				break
			}
		}
	}
	return int(float64(lookback)*1.5) + 5
}

// --- metrics ---

func calculateMetrics(curve []EquityPoint, trades []Trade) map[string]any {
	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity

	totalReturn := (final - initial) / initial
	returns := pctChange(curve)

	tradingYears := 1.0 / 365.25
	if len(curve) > 1 {
		days := curve[len(curve)-1].Time.Sub(curve[0].Time).Hours() / 24
		tradingYears = math.Max(days/365.25, 1.0/365.25)
	}

	annualized := -1.0
	if totalReturn > -1 {
		annualized = math.Pow(1+totalReturn, 1/tradingYears) - 1
	}

	dailyVol, annualVol := 0.0, 0.0
	if len(returns) > 1 {
		dailyVol = sampleStd(returns)
		annualVol = dailyVol * math.Sqrt(252)
	}

	sharpe := 0.0
	if dailyVol > 0 && len(returns) > 1 {
		sharpe = mean(returns) / dailyVol * math.Sqrt(252)
	}

	maxDD := 0.0
	cummax := curve[0].Equity
	for _, p := range curve {
		if p.Equity > cummax {
			cummax = p.Equity
		}
		if dd := (p.Equity - cummax) / cummax; dd < maxDD {
			maxDD = dd
		}
	}

	var pnls, winners, losers, barsHeld []float64
	totalCommissions := 0.0
	for _, t := range trades {
		pnls = append(pnls, t.PnL)
		if t.PnL > 0 {
			winners = append(winners, t.PnL)
		} else {
			losers = append(losers, t.PnL)
		}
		barsHeld = append(barsHeld, float64(t.BarsHeld))
		totalCommissions += t.Commission
	}

	totalTrades := len(trades)
	winRate := 0.0
	if totalTrades > 0 {
		winRate = float64(len(winners)) / float64(totalTrades) * 100
	}

	grossProfit := sum(winners)
	grossLoss := math.Abs(sum(losers))
	profitFactor := 0.0
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = math.Inf(1)
	}

	bestTrade, worstTrade := 0.0, 0.0
	if len(pnls) > 0 {
		bestTrade, worstTrade = pnls[0], pnls[0]
		for _, p := range pnls[1:] {
			bestTrade = math.Max(bestTrade, p)
			worstTrade = math.Min(worstTrade, p)
		}
	}

	maxWinStreak, maxLossStreak, streak := 0, 0, 0
	for _, p := range pnls {
		if p > 0 {
			if streak > 0 {
				streak++
			} else {
				streak = 1
			}
			if streak > maxWinStreak {
				maxWinStreak = streak
			}
		} else {
			if streak < 0 {
				streak--
			} else {
				streak = -1
			}
			if -streak > maxLossStreak {
				maxLossStreak = -streak
			}
		}
	}

	return map[string]any{
		"initial_capital":       initial,
		"final_equity":          final,
		"total_return_pct":      round2(totalReturn * 100),
		"annualized_return_pct": round2(annualized * 100),

		"sharpe_ratio":          round3(sharpe),
		"max_drawdown_pct":      round2(maxDD * 100),
		"annual_volatility_pct": round2(annualVol * 100),

		"total_trades":   totalTrades,
		"winning_trades": len(winners),
		"losing_trades":  len(losers),
		"win_rate_pct":   round1(winRate),
		"profit_factor":  round3(profitFactor),

		"avg_trade_pnl":     round2(mean(pnls)),
		"avg_winner":        round2(mean(winners)),
		"avg_loser":         round2(mean(losers)),
		"best_trade":        round2(bestTrade),
		"worst_trade":       round2(worstTrade),
		"gross_profit":      round2(grossProfit),
		"gross_loss":        round2(grossLoss),
		"total_commissions": round2(totalCommissions),

		"avg_bars_held":   round1(mean(barsHeld)),
		"max_win_streak":  maxWinStreak,
		"max_loss_streak": maxLossStreak,

		"trading_days":  len(curve),
		"trading_years": round2(tradingYears),
	}
}

// --- small helpers ---

func dedupeKeepLast(points []EquityPoint) []EquityPoint {
	out := make([]EquityPoint, 0, len(points))
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Time.Equal(p.Time) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func pctChange(curve []EquityPoint) []float64 {
	var out []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		out = append(out, (curve[i].Equity-prev)/prev)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

func sum(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}

func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func round1(v float64) float64 { return roundN(v, 10) }
func round2(v float64) float64 { return roundN(v, 100) }
func round3(v float64) float64 { return roundN(v, 1000) }

func roundN(v, scale float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return math.Round(v*scale) / scale
}

func sortedKeys(m map[string]models.Signal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPositionKeys(m map[string]*openPosition) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
