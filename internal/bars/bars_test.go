package bars

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha_engine/internal/models"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func bar(t time.Time, close float64) models.Bar {
	return models.Bar{Time: t, Open: close, High: close, Low: close, Close: close, Volume: 100}
}

func TestSortDedupe(t *testing.T) {
	in := []models.Bar{
		bar(day(3), 30),
		bar(day(1), 10),
		bar(day(2), 20),
		bar(day(1), 11), // later occurrence wins
	}
	out := SortDedupe(in)
	require.Len(t, out, 3)
	assert.Equal(t, 11.0, out[0].Close)
	assert.Equal(t, 20.0, out[1].Close)
	assert.Equal(t, 30.0, out[2].Close)
}

func TestSortDedupeShort(t *testing.T) {
	assert.Nil(t, SortDedupe(nil))
	one := []models.Bar{bar(day(1), 1)}
	assert.Equal(t, one, SortDedupe(one))
}

func TestClip(t *testing.T) {
	in := []models.Bar{bar(day(1), 1), bar(day(2), 2), bar(day(3), 3), bar(day(4), 4)}

	mid := Clip(in, day(2), day(3))
	require.Len(t, mid, 2)
	assert.Equal(t, 2.0, mid[0].Close)
	assert.Equal(t, 3.0, mid[1].Close)

	// Zero bounds are open-ended.
	assert.Len(t, Clip(in, time.Time{}, day(2)), 2)
	assert.Len(t, Clip(in, day(3), time.Time{}), 2)
	assert.Len(t, Clip(in, time.Time{}, time.Time{}), 4)

	assert.Nil(t, Clip(in, day(10), day(20)))
}

func TestWindowThrough(t *testing.T) {
	in := []models.Bar{bar(day(1), 1), bar(day(2), 2), bar(day(3), 3)}
	assert.Len(t, WindowThrough(in, day(2)), 2)
	assert.Len(t, WindowThrough(in, day(2).Add(time.Hour)), 2)
	assert.Len(t, WindowThrough(in, day(9)), 3)
	assert.Empty(t, WindowThrough(in, day(1).Add(-time.Hour)))
}

func TestLastN(t *testing.T) {
	in := []models.Bar{bar(day(1), 1), bar(day(2), 2), bar(day(3), 3)}
	out := LastN(in, 2)
	require.Len(t, out, 2)
	assert.Equal(t, 2.0, out[0].Close)
	assert.Len(t, LastN(in, 10), 3)
	assert.Len(t, LastN(in, 0), 3)
}

func TestResampleDaily(t *testing.T) {
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	in := []models.Bar{
		{Time: base, Open: 10, High: 12, Low: 9, Close: 11, Volume: 100},
		{Time: base.Add(time.Hour), Open: 11, High: 15, Low: 10, Close: 14, Volume: 50},
		{Time: base.Add(24 * time.Hour), Open: 14, High: 16, Low: 13, Close: 15, Volume: 70},
	}
	out := Resample(in, models.TF1Day)
	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), out[0].Time)
	assert.Equal(t, 10.0, out[0].Open)
	assert.Equal(t, 15.0, out[0].High)
	assert.Equal(t, 9.0, out[0].Low)
	assert.Equal(t, 14.0, out[0].Close)
	assert.Equal(t, int64(150), out[0].Volume)
	assert.Equal(t, 15.0, out[1].Close)
}

func TestResampleWeekSnapsToMonday(t *testing.T) {
	// 2024-03-06 is a Wednesday; its week starts Monday 2024-03-04.
	in := []models.Bar{
		bar(time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC), 1),
		bar(time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), 2),
		bar(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), 3),
	}
	out := Resample(in, models.TF1Week)
	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), out[0].Time)
	assert.Equal(t, 2.0, out[0].Close)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), out[1].Time)
}

func TestResampleMonth(t *testing.T) {
	in := []models.Bar{
		bar(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), 1),
		bar(time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), 2),
		bar(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 3),
	}
	out := Resample(in, models.TF1Month)
	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), out[0].Time)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), out[1].Time)
}

func TestResampleDropsNaNBuckets(t *testing.T) {
	b := bar(day(1), 1)
	b.Open = math.NaN()
	out := Resample([]models.Bar{b, bar(day(2), 2)}, models.TF1Day)
	require.Len(t, out, 1)
	assert.Equal(t, 2.0, out[0].Close)
}

func TestReturns(t *testing.T) {
	in := []models.Bar{bar(day(1), 100), bar(day(2), 110), bar(day(3), 99)}
	out := Returns(in, 1)
	require.Len(t, out, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.InDelta(t, 0.10, out[1], 1e-12)
	assert.InDelta(t, -0.10, out[2], 1e-12)
}

func TestReturnsZeroBase(t *testing.T) {
	in := []models.Bar{bar(day(1), 0), bar(day(2), 5)}
	out := Returns(in, 1)
	assert.True(t, math.IsNaN(out[1]))
}
