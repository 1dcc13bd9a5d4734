// Package bars holds pure helpers over OHLCV series: ordering,
// windowing, resampling and returns. All functions copy or reslice;
// none mutate their input in place unless documented.
package bars

import (
	"math"
	"sort"
	"time"

	"alpha_engine/internal/models"
)

// SortDedupe sorts bars ascending by timestamp and collapses duplicate
// timestamps keeping the latest occurrence. The input slice is reused.
func SortDedupe(in []models.Bar) []models.Bar {
	if len(in) < 2 {
		return in
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Time.Before(in[j].Time) })
	out := in[:1]
	for _, b := range in[1:] {
		if b.Time.Equal(out[len(out)-1].Time) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// Clip returns the sub-series within [start, end]. Zero bounds are
// open-ended.
func Clip(in []models.Bar, start, end time.Time) []models.Bar {
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(in), func(i int) bool { return !in[i].Time.Before(start) })
	}
	hi := len(in)
	if !end.IsZero() {
		hi = sort.Search(len(in), func(i int) bool { return in[i].Time.After(end) })
	}
	if lo >= hi {
		return nil
	}
	return in[lo:hi]
}

// WindowThrough returns the prefix of in whose timestamps are <= t.
func WindowThrough(in []models.Bar, t time.Time) []models.Bar {
	hi := sort.Search(len(in), func(i int) bool { return in[i].Time.After(t) })
	return in[:hi]
}

// LastN returns at most the trailing n bars.
func LastN(in []models.Bar, n int) []models.Bar {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[len(in)-n:]
}

// Closes extracts the close column.
func Closes(in []models.Bar) []float64 {
	out := make([]float64, len(in))
	for i, b := range in {
		out[i] = b.Close
	}
	return out
}

// Resample aggregates a series into a coarser timeframe:
// open=first, high=max, low=min, close=last, volume=sum. Buckets with
// a NaN open or close are dropped. Input must be ascending.
func Resample(in []models.Bar, target models.Timeframe) []models.Bar {
	if len(in) == 0 {
		return nil
	}
	var out []models.Bar
	var cur *models.Bar
	var curBucket time.Time
	for _, b := range in {
		bucket := bucketStart(b.Time, target)
		if cur == nil || !bucket.Equal(curBucket) {
			if cur != nil && !math.IsNaN(cur.Open) && !math.IsNaN(cur.Close) {
				out = append(out, *cur)
			}
			nb := b
			nb.Time = bucket
			cur = &nb
			curBucket = bucket
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	if cur != nil && !math.IsNaN(cur.Open) && !math.IsNaN(cur.Close) {
		out = append(out, *cur)
	}
	return out
}

// bucketStart floors t onto the target timeframe grid. Day and finer
// buckets are plain duration truncation; weeks snap to Monday and
// months to the first of the month, both in the bar's own location.
func bucketStart(t time.Time, tf models.Timeframe) time.Time {
	switch tf {
	case models.TF1Week:
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.TF1Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return t.Truncate(tf.Duration())
	}
}

// Returns computes the close-to-close percentage change over the given
// number of periods. The first `periods` entries are NaN, matching the
// indicator warm-up convention.
func Returns(in []models.Bar, periods int) []float64 {
	if periods < 1 {
		periods = 1
	}
	out := make([]float64, len(in))
	for i := range in {
		if i < periods || in[i-periods].Close == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = in[i].Close/in[i-periods].Close - 1
	}
	return out
}
