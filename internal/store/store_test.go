package store

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := New(t.TempDir(), log)
	require.NoError(t, err)
	return s
}

func dailyBars(start time.Time, closes ...float64) []models.Bar {
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

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := dailyBars(start, 100, 101, 102)

	require.NoError(t, s.Save("AAPL", models.TF1Day, in))

	out, err := s.Load("AAPL", models.TF1Day, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadMissingIsEmpty(t *testing.T) {
	s := newTestStore(t)
	out, err := s.Load("MSFT", models.TF1Hour, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, s.Has("MSFT", models.TF1Hour))
}

func TestLoadClipsRange(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("AAPL", models.TF1Day, dailyBars(start, 1, 2, 3, 4, 5)))

	out, err := s.Load("AAPL", models.TF1Day, start.AddDate(0, 0, 1), start.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2.0, out[0].Close)
	assert.Equal(t, 4.0, out[2].Close)
}

func TestUpdateCountsNewBars(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("AAPL", models.TF1Day, dailyBars(start, 1, 2, 3)))

	// Two overlapping bars, two genuinely new ones.
	incoming := dailyBars(start.AddDate(0, 0, 1), 20, 30, 40, 50)
	added, err := s.Update("AAPL", models.TF1Day, incoming)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	out, err := s.Load("AAPL", models.TF1Day, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 5)
	// Incoming value wins on timestamp collision.
	assert.Equal(t, 20.0, out[1].Close)
	assert.Equal(t, 30.0, out[2].Close)
	assert.Equal(t, 50.0, out[4].Close)
}

func TestUpdateIdempotent(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := dailyBars(start, 1, 2, 3)

	added, err := s.Update("AAPL", models.TF1Day, in)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	added, err = s.Update("AAPL", models.TF1Day, in)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 3, s.BarCount("AAPL", models.TF1Day))
}

func TestRange(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("AAPL", models.TF1Day, dailyBars(start, 1, 2, 3)))

	first, last, err := s.Range("AAPL", models.TF1Day)
	require.NoError(t, err)
	assert.Equal(t, start, first)
	assert.Equal(t, start.AddDate(0, 0, 2), last)

	first, last, err = s.Range("NONE", models.TF1Day)
	require.NoError(t, err)
	assert.True(t, first.IsZero())
	assert.True(t, last.IsZero())
}

func TestCryptoSymbolMapping(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("BTC/USD", models.TF1Hour, dailyBars(start, 40000)))

	assert.True(t, s.Has("BTC/USD", models.TF1Hour))
	assert.Equal(t, []string{"BTC/USD"}, s.ListSymbols())

	out, err := s.Load("BTC/USD", models.TF1Hour, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestListTimeframesSorted(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("AAPL", models.TF1Day, dailyBars(start, 1)))
	require.NoError(t, s.Save("AAPL", models.TF1Hour, dailyBars(start, 1)))

	assert.Equal(t, []models.Timeframe{models.TF1Hour, models.TF1Day}, s.ListTimeframes("AAPL"))
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("AAPL", models.TF1Day, dailyBars(start, 1, 2)))

	sum := s.Summary()
	require.Len(t, sum, 1)
	assert.Equal(t, "AAPL", sum[0].Symbol)
	assert.Equal(t, models.TF1Day, sum[0].Timeframe)
	assert.Equal(t, 2, sum[0].Bars)
	assert.Equal(t, start, sum[0].First)
}

func TestDeleteRemovesEmptySymbolDir(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("AAPL", models.TF1Day, dailyBars(start, 1)))

	require.NoError(t, s.Delete("AAPL", models.TF1Day))
	assert.False(t, s.Has("AAPL", models.TF1Day))
	assert.Empty(t, s.ListSymbols())

	// Deleting again is a no-op.
	require.NoError(t, s.Delete("AAPL", models.TF1Day))
}

func TestDeleteSymbol(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save("ETH/USD", models.TF1Day, dailyBars(start, 1)))
	require.NoError(t, s.Save("ETH/USD", models.TF1Hour, dailyBars(start, 1)))

	require.NoError(t, s.DeleteSymbol("ETH/USD"))
	assert.Empty(t, s.ListSymbols())
}
