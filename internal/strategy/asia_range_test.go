package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/models"
)

func madrid(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return loc
}

// asiaSession builds n 5m candles starting at 00:00 Madrid with a
// constant 95-105 range around a 100 close.
func asiaSession(loc *time.Location, day time.Time, n int) []models.Bar {
	out := make([]models.Bar, n)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	for i := range out {
		out[i] = models.Bar{
			Time:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   100,
			High:   105,
			Low:    95,
			Close:  100,
			Volume: 10,
		}
	}
	return out
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAsiaRangeDefaults(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)
	assert.Equal(t, "asia_range_reversal", s.Name())
	assert.Equal(t, []string{"BTC/USD"}, s.Symbols())
	assert.Equal(t, models.TF5Min, s.Timeframe())
	assert.True(t, s.SkipMarketCheck())

	p := s.Parameters()
	assert.Equal(t, 2.0, p["atr_multiplier"])
	assert.Equal(t, 78, p["min_asia_candles"])
	assert.Equal(t, 1, p["max_trades_per_day"])
}

func TestAsiaRangeBuyAtLowTouch(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)
	loc := madrid(t)
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, loc)
	session := asiaSession(loc, day, 84)

	// Building phase, well before 07:00.
	s.SetClock(fixedClock(day.Add(6 * time.Hour)))
	signals, err := s.CalculateSignals(map[string][]models.Bar{"BTC/USD": session})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["BTC/USD"])

	// Frozen window, 07:00-07:30.
	s.SetClock(fixedClock(day.Add(7*time.Hour + 10*time.Minute)))
	signals, err = s.CalculateSignals(map[string][]models.Bar{"BTC/USD": session})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["BTC/USD"])

	// Entry window: the last bar pierces AsiaLow (95).
	touch := models.Bar{
		Time: day.Add(7*time.Hour + 55*time.Minute),
		Open: 96, High: 97, Low: 94, Close: 96, Volume: 10,
	}
	series := append(append([]models.Bar(nil), session...), touch)
	s.SetClock(fixedClock(day.Add(8 * time.Hour)))
	signals, err = s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, signals["BTC/USD"])

	// ATR is 10 on this session, so 2xATR brackets sit at 115/75.
	bracket := s.TakeBracketParams()
	require.NotNil(t, bracket)
	assert.Equal(t, "115", bracket.TakeProfit.String())
	assert.Equal(t, "75", bracket.StopLoss.String())

	// One trade per day: a second touch holds.
	s.SetClock(fixedClock(day.Add(9 * time.Hour)))
	signals, err = s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["BTC/USD"])
}

func TestAsiaRangeSellAtHighTouch(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)
	loc := madrid(t)
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, loc)
	session := asiaSession(loc, day, 84)

	touch := models.Bar{
		Time: day.Add(8 * time.Hour),
		Open: 104, High: 106, Low: 103, Close: 104, Volume: 10,
	}
	series := append(append([]models.Bar(nil), session...), touch)
	s.SetClock(fixedClock(day.Add(8*time.Hour + 5*time.Minute)))
	signals, err := s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalSell, signals["BTC/USD"])

	bracket := s.TakeBracketParams()
	require.NotNil(t, bracket)
	assert.Equal(t, "85", bracket.TakeProfit.String())
	assert.Equal(t, "125", bracket.StopLoss.String())
}

func TestAsiaRangeDayDisabledOnThinSession(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)
	loc := madrid(t)
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, loc)
	session := asiaSession(loc, day, 10) // far below the 78 minimum

	touch := models.Bar{
		Time: day.Add(8 * time.Hour),
		Open: 96, High: 97, Low: 94, Close: 96, Volume: 10,
	}
	series := append(append([]models.Bar(nil), session...), touch)
	s.SetClock(fixedClock(day.Add(8*time.Hour + 5*time.Minute)))
	signals, err := s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["BTC/USD"])
	assert.Nil(t, s.TakeBracketParams())
}

func TestAsiaRangeDoneAfterWindow(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)
	loc := madrid(t)
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, loc)
	session := asiaSession(loc, day, 84)

	touch := models.Bar{
		Time: day.Add(12*time.Hour + 5*time.Minute),
		Open: 96, High: 97, Low: 94, Close: 96, Volume: 10,
	}
	series := append(append([]models.Bar(nil), session...), touch)
	s.SetClock(fixedClock(day.Add(13 * time.Hour)))
	signals, err := s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["BTC/USD"])
}

func TestAsiaRangeResetsAcrossDays(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)
	loc := madrid(t)
	day1 := time.Date(2024, 3, 5, 0, 0, 0, 0, loc)
	day2 := day1.AddDate(0, 0, 1)

	session1 := asiaSession(loc, day1, 84)
	touch := models.Bar{
		Time: day1.Add(8 * time.Hour),
		Open: 96, High: 97, Low: 94, Close: 96, Volume: 10,
	}
	series1 := append(append([]models.Bar(nil), session1...), touch)
	s.SetClock(fixedClock(day1.Add(8*time.Hour + 5*time.Minute)))
	signals, err := s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series1})
	require.NoError(t, err)
	require.Equal(t, models.SignalBuy, signals["BTC/USD"])

	// A new Madrid day wipes the trade-taken flag and the stale hint.
	session2 := asiaSession(loc, day2, 84)
	s.SetClock(fixedClock(day2.Add(6 * time.Hour)))
	signals, err = s.CalculateSignals(map[string][]models.Bar{"BTC/USD": session2})
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, signals["BTC/USD"])
	assert.Nil(t, s.TakeBracketParams())

	touch2 := models.Bar{
		Time: day2.Add(8 * time.Hour),
		Open: 104, High: 106, Low: 103, Close: 104, Volume: 10,
	}
	series2 := append(append([]models.Bar(nil), session2...), touch2)
	s.SetClock(fixedClock(day2.Add(8*time.Hour + 5*time.Minute)))
	signals, err = s.CalculateSignals(map[string][]models.Bar{"BTC/USD": series2})
	require.NoError(t, err)
	assert.Equal(t, models.SignalSell, signals["BTC/USD"])
}

func TestAsiaRangeApplyParameter(t *testing.T) {
	s, err := NewAsiaRangeReversal()
	require.NoError(t, err)

	assert.True(t, s.ApplyParameter("atr_multiplier", 1.5))
	assert.True(t, s.ApplyParameter("min_asia_candles", float64(60)))
	assert.False(t, s.ApplyParameter("atr_multiplier", -1.0))
	assert.False(t, s.ApplyParameter("wick_outlier_multiplier", 0.5))
	assert.False(t, s.ApplyParameter("unknown", 1))
}
