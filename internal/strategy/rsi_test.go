package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/models"
)

func TestNewRSIStrategyValidation(t *testing.T) {
	_, err := NewRSIStrategy(14, 30, 70)
	assert.Error(t, err, "overbought below oversold")
	_, err = NewRSIStrategy(14, 101, 30)
	assert.Error(t, err)
	_, err = NewRSIStrategy(1, 70, 30)
	assert.Error(t, err)

	s, err := NewRSIStrategy(14, 70, 30)
	require.NoError(t, err)
	assert.Equal(t, "rsi_strategy", s.Name())
}

func TestRSIBuysOnOversoldEntry(t *testing.T) {
	s, err := NewRSIStrategy(2, 70, 30)
	require.NoError(t, err)

	// Two up moves keep the RSI high, then a hard drop pushes it below
	// the oversold level on the last bar.
	series := seriesFromCloses(10, 11, 12, 11.9, 9)
	signals, err := s.CalculateSignals(map[string][]models.Bar{"AAPL": series, "MSFT": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, signals["AAPL"])
}

func TestRSISellsOnOverboughtEntry(t *testing.T) {
	s, err := NewRSIStrategy(2, 70, 30)
	require.NoError(t, err)

	series := seriesFromCloses(12, 11, 10, 10.1, 13)
	signals, err := s.CalculateSignals(map[string][]models.Bar{"AAPL": series, "MSFT": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalSell, signals["AAPL"])
}

func TestRSIHoldsInsideZone(t *testing.T) {
	s, err := NewRSIStrategy(2, 70, 30)
	require.NoError(t, err)

	// Monotone decline keeps the RSI pinned at the floor: it was
	// already below the oversold level, so no fresh crossing fires.
	series := seriesFromCloses(20, 18, 16, 14, 12, 10)
	signals, err := s.CalculateSignals(map[string][]models.Bar{"AAPL": series, "MSFT": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["AAPL"])
}

func TestRSIInsufficientData(t *testing.T) {
	s, err := NewRSIStrategy(14, 70, 30)
	require.NoError(t, err)

	signals, err := s.CalculateSignals(map[string][]models.Bar{"AAPL": seriesFromCloses(1, 2)})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["AAPL"])
}

func TestRSIApplyParameter(t *testing.T) {
	s, err := NewRSIStrategy(14, 70, 30)
	require.NoError(t, err)

	assert.True(t, s.ApplyParameter("rsi_period", float64(21)))
	assert.Equal(t, 21, s.Parameters()["rsi_period"])

	assert.False(t, s.ApplyParameter("oversold", 80.0), "oversold must stay below overbought")
	assert.True(t, s.ApplyParameter("oversold", 25.0))
	assert.True(t, s.ApplyParameter("overbought", 75.0))
	assert.False(t, s.ApplyParameter("rsi_period", 1))
}
