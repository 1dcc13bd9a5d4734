package strategy

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Base carries the declaration and lifecycle state shared by every
// strategy. Concrete strategies embed *Base and implement
// CalculateSignals, Parameters and ApplyParameter themselves.
type Base struct {
	name            string
	description     string
	symbols         []string
	timeframe       models.Timeframe
	skipMarketCheck bool

	mu           sync.Mutex
	status       Status
	lastError    string
	lastRun      time.Time
	totalSignals int
	bracket      *BracketParams
}

// NewBase validates the declaration: a unique snake_case name and at
// least one symbol are mandatory.
func NewBase(name, description string, symbols []string, tf models.Timeframe, skipMarketCheck bool) (*Base, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid strategy name %q: must be snake_case", name)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("strategy %s: at least one symbol is required", name)
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("strategy %s: invalid timeframe %q", name, tf)
	}
	return &Base{
		name:            name,
		description:     description,
		symbols:         symbols,
		timeframe:       tf,
		skipMarketCheck: skipMarketCheck,
		status:          StatusIdle,
	}, nil
}

func (b *Base) Name() string                { return b.name }
func (b *Base) Description() string         { return b.description }
func (b *Base) Symbols() []string           { return append([]string(nil), b.symbols...) }
func (b *Base) Timeframe() models.Timeframe { return b.timeframe }
func (b *Base) SkipMarketCheck() bool       { return b.skipMarketCheck }

// SetSymbols replaces the symbol list (used by parameter updates).
func (b *Base) SetSymbols(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbols = append([]string(nil), symbols...)
}

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *Base) LastRun() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

func (b *Base) TotalSignals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSignals
}

// Start transitions IDLE or STOPPED (or a cleared ERROR) to RUNNING.
func (b *Base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusRunning {
		return fmt.Errorf("strategy %s is already running", b.name)
	}
	b.status = StatusRunning
	b.lastError = ""
	logrus.WithField("strategy", b.name).Info("strategy started")
	return nil
}

// Stop transitions to STOPPED from any state.
func (b *Base) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusStopped
	logrus.WithField("strategy", b.name).Info("strategy stopped")
}

// Fail transitions to ERROR preserving the message.
func (b *Base) Fail(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusError
	b.lastError = msg
	logrus.WithFields(logrus.Fields{"strategy": b.name, "error": msg}).Error("strategy errored")
}

// SetBracketParams attaches a take-profit / stop-loss hint for the
// next submission.
func (b *Base) SetBracketParams(p BracketParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bracket = &p
}

// TakeBracketParams returns the attached hint and clears it.
func (b *Base) TakeBracketParams() *BracketParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.bracket
	b.bracket = nil
	return p
}

// markRun stamps a successful cycle.
func markRun(s Strategy, actionableSignals int) {
	if b, ok := s.(interface{ noteRun(int) }); ok {
		b.noteRun(actionableSignals)
	}
}

func (b *Base) noteRun(actionableSignals int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = time.Now()
	b.totalSignals += actionableSignals
}

// Default lifecycle hooks; embedders override as needed.

func (b *Base) OnStart() {}

func (b *Base) OnStop() {}

func (b *Base) OnTradeExecuted(trade TradeInfo) {
	logrus.WithFields(logrus.Fields{
		"strategy": b.name,
		"symbol":   trade.Symbol,
		"side":     trade.Side,
		"qty":      trade.Qty.String(),
		"price":    trade.Price.String(),
		"status":   trade.Status,
	}).Info("trade executed")
}
