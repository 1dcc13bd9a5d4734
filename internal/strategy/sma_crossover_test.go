package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/models"
)

func seriesFromCloses(closes ...float64) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{
			Time:   start.AddDate(0, 0, i),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1000,
		}
	}
	return out
}

func TestNewSMACrossoverValidation(t *testing.T) {
	_, err := NewSMACrossover(20, 10)
	assert.Error(t, err)
	_, err = NewSMACrossover(10, 10)
	assert.Error(t, err)

	s, err := NewSMACrossover(10, 20)
	require.NoError(t, err)
	assert.Equal(t, "sma_crossover", s.Name())
	assert.False(t, s.SkipMarketCheck())
}

func TestSMACrossoverGoldenCross(t *testing.T) {
	s, err := NewSMACrossover(2, 3)
	require.NoError(t, err)

	// Fast SMA crosses above the slow SMA on the last bar.
	series := seriesFromCloses(10, 9, 8, 7, 20)
	signals, err := s.CalculateSignals(map[string][]models.Bar{
		"AAPL": series,
		"MSFT": series,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, signals["AAPL"])
	assert.Equal(t, models.SignalBuy, signals["MSFT"])
}

func TestSMACrossoverDeathCross(t *testing.T) {
	s, err := NewSMACrossover(2, 3)
	require.NoError(t, err)

	series := seriesFromCloses(10, 11, 12, 13, 1)
	signals, err := s.CalculateSignals(map[string][]models.Bar{"AAPL": series, "MSFT": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalSell, signals["AAPL"])
}

func TestSMACrossoverHoldsWithoutCross(t *testing.T) {
	s, err := NewSMACrossover(2, 3)
	require.NoError(t, err)

	series := seriesFromCloses(1, 2, 3, 4, 5)
	signals, err := s.CalculateSignals(map[string][]models.Bar{"AAPL": series, "MSFT": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["AAPL"])
}

func TestSMACrossoverInsufficientData(t *testing.T) {
	s, err := NewSMACrossover(10, 20)
	require.NoError(t, err)

	signals, err := s.CalculateSignals(map[string][]models.Bar{
		"AAPL": seriesFromCloses(1, 2, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["AAPL"])
	assert.Equal(t, models.SignalHold, signals["MSFT"], "missing symbols hold too")
}

func TestSMACrossoverApplyParameter(t *testing.T) {
	s, err := NewSMACrossover(10, 20)
	require.NoError(t, err)

	assert.True(t, s.ApplyParameter("fast_period", 5))
	assert.Equal(t, 5, s.Parameters()["fast_period"])

	// fast must stay below slow.
	assert.False(t, s.ApplyParameter("fast_period", 25))
	assert.False(t, s.ApplyParameter("slow_period", 3))
	assert.True(t, s.ApplyParameter("slow_period", 30))
	assert.False(t, s.ApplyParameter("unknown", 1))
}
