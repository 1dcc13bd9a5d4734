package engine

import "alpha_engine/internal/models"

// Port is what the engine needs from the persistence layer. All
// methods are best-effort from the engine's point of view: a failed
// write is logged, never fatal to a trading cycle.
type Port interface {
	// RecordTradeAttempt persists one order attempt (including risk
	// rejections and broker errors) and returns its id.
	RecordTradeAttempt(rec *models.TradeRecord) (uint, error)

	// OpenStrategyRun creates a running StrategyRun row and returns its id.
	OpenStrategyRun(run *models.StrategyRun) (uint, error)

	// MarkStrategyRunStopped closes the latest running run for the strategy.
	MarkStrategyRunStopped(strategyName string) error

	// MarkStrategyRunErrored closes the latest running run with an error.
	MarkStrategyRunErrored(strategyName, errorMessage string) error

	// UpdateStrategyRunSignals stores the latest signal map (JSON) and
	// refreshes the run's trade count.
	UpdateStrategyRunSignals(strategyName, signalsJSON string) error

	// AppendPerformanceSnapshot stores one periodic metrics capture.
	AppendPerformanceSnapshot(snap *models.PerformanceSnapshot) error
}

// NopPort discards everything. Used when the engine runs without a
// database, and in tests that do not care about persistence.
type NopPort struct{}

var _ Port = NopPort{}

func (NopPort) RecordTradeAttempt(*models.TradeRecord) (uint, error) { return 0, nil }

func (NopPort) OpenStrategyRun(*models.StrategyRun) (uint, error) { return 0, nil }

func (NopPort) MarkStrategyRunStopped(string) error { return nil }

func (NopPort) MarkStrategyRunErrored(string, string) error { return nil }

func (NopPort) UpdateStrategyRunSignals(string, string) error { return nil }

func (NopPort) AppendPerformanceSnapshot(*models.PerformanceSnapshot) error { return nil }
