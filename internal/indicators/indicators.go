// Package indicators provides vectorized OHLCV transforms. Each Add*
// method appends one or more named columns to a Frame; when the input
// is too short the column is all-NaN and a warning is logged, but
// nothing fails. Column names follow the SMA_20 / RSI_14 /
// MACD_12_26_9 convention.
package indicators

import (
	"fmt"
	"math"

	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
)

// Frame couples a bar series with derived columns.
type Frame struct {
	Bars []models.Bar
	Cols map[string][]float64
}

// NewFrame wraps a series. The bars are not copied; treat them as
// read-only while the frame is alive.
func NewFrame(series []models.Bar) *Frame {
	return &Frame{Bars: series, Cols: make(map[string][]float64)}
}

// Col returns a named column, nil when absent.
func (f *Frame) Col(name string) []float64 { return f.Cols[name] }

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Bars) }

func (f *Frame) closes() []float64 {
	out := make([]float64, len(f.Bars))
	for i, b := range f.Bars {
		out[i] = b.Close
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func (f *Frame) tooShort(name string, need int) bool {
	if len(f.Bars) >= need {
		return false
	}
	logrus.WithFields(logrus.Fields{"column": name, "rows": len(f.Bars), "need": need}).
		Warn("insufficient bars for indicator, filling NaN")
	f.Cols[name] = nanSlice(len(f.Bars))
	return true
}

// --- Moving averages ---

// AddSMA appends SMA_<period> and returns the column name.
func (f *Frame) AddSMA(period int) string {
	name := fmt.Sprintf("SMA_%d", period)
	if f.tooShort(name, period) {
		return name
	}
	f.Cols[name] = sma(f.closes(), period)
	return name
}

// AddEMA appends EMA_<period> and returns the column name.
func (f *Frame) AddEMA(period int) string {
	name := fmt.Sprintf("EMA_%d", period)
	if f.tooShort(name, period) {
		return name
	}
	f.Cols[name] = ema(f.closes(), period)
	return name
}

func sma(x []float64, period int) []float64 {
	out := nanSlice(len(x))
	var sum float64
	for i, v := range x {
		sum += v
		if i >= period {
			sum -= x[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema seeds with the simple mean of the first period values, then
// applies the standard alpha = 2/(period+1) recursion.
func ema(x []float64, period int) []float64 {
	out := nanSlice(len(x))
	if len(x) < period {
		return out
	}
	var seed float64
	for i := 0; i < period; i++ {
		seed += x[i]
	}
	seed /= float64(period)
	out[period-1] = seed
	alpha := 2.0 / float64(period+1)
	for i := period; i < len(x); i++ {
		out[i] = alpha*x[i] + (1-alpha)*out[i-1]
	}
	return out
}

// --- RSI ---

// AddRSI appends RSI_<period> (Wilder smoothing of up/down moves).
func (f *Frame) AddRSI(period int) string {
	name := fmt.Sprintf("RSI_%d", period)
	if f.tooShort(name, period+1) {
		return name
	}
	x := f.closes()
	out := nanSlice(len(x))

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := x[i] - x[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(x); i++ {
		d := x[i] - x[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	f.Cols[name] = out
	return name
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// --- MACD ---

// AddMACD appends MACD_<f>_<s>_<sig>, MACDs_... (signal) and
// MACDh_... (histogram), returning the three names in that order.
func (f *Frame) AddMACD(fast, slow, signal int) (string, string, string) {
	base := fmt.Sprintf("%d_%d_%d", fast, slow, signal)
	line := "MACD_" + base
	sig := "MACDs_" + base
	hist := "MACDh_" + base
	if f.tooShort(line, slow+signal) {
		f.Cols[sig] = nanSlice(f.Len())
		f.Cols[hist] = nanSlice(f.Len())
		return line, sig, hist
	}
	x := f.closes()
	fastEMA := ema(x, fast)
	slowEMA := ema(x, slow)

	macd := nanSlice(len(x))
	for i := range x {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
		}
	}
	// Signal line is the EMA of the valid MACD region.
	sigCol := nanSlice(len(x))
	start := slow - 1
	valid := macd[start:]
	sigValid := ema(valid, signal)
	copy(sigCol[start:], sigValid)

	histCol := nanSlice(len(x))
	for i := range x {
		if !math.IsNaN(macd[i]) && !math.IsNaN(sigCol[i]) {
			histCol[i] = macd[i] - sigCol[i]
		}
	}
	f.Cols[line] = macd
	f.Cols[sig] = sigCol
	f.Cols[hist] = histCol
	return line, sig, hist
}

// --- Stochastic ---

// AddStochastic appends STOCHk_<k>_<d>_<smooth> and STOCHd_<k>_<d>_<smooth>.
func (f *Frame) AddStochastic(k, d, smooth int) (string, string) {
	base := fmt.Sprintf("%d_%d_%d", k, d, smooth)
	kName := "STOCHk_" + base
	dName := "STOCHd_" + base
	if f.tooShort(kName, k+smooth+d) {
		f.Cols[dName] = nanSlice(f.Len())
		return kName, dName
	}
	n := f.Len()
	raw := nanSlice(n)
	for i := k - 1; i < n; i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - k + 1; j <= i; j++ {
			if f.Bars[j].High > hi {
				hi = f.Bars[j].High
			}
			if f.Bars[j].Low < lo {
				lo = f.Bars[j].Low
			}
		}
		if hi == lo {
			raw[i] = 50
		} else {
			raw[i] = 100 * (f.Bars[i].Close - lo) / (hi - lo)
		}
	}
	kCol := rollingMeanSkipNaN(raw, smooth)
	dCol := rollingMeanSkipNaN(kCol, d)
	f.Cols[kName] = kCol
	f.Cols[dName] = dCol
	return kName, dName
}

// rollingMeanSkipNaN averages the trailing window, NaN until the
// window holds only valid values.
func rollingMeanSkipNaN(x []float64, period int) []float64 {
	out := nanSlice(len(x))
	for i := period - 1; i < len(x); i++ {
		sum := 0.0
		ok := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(x[j]) {
				ok = false
				break
			}
			sum += x[j]
		}
		if ok {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// --- Bollinger bands ---

// AddBollinger appends BBL/BBM/BBU_<period>_<mult> columns.
func (f *Frame) AddBollinger(period int, mult float64) (string, string, string) {
	base := fmt.Sprintf("%d_%.1f", period, mult)
	lower := "BBL_" + base
	middle := "BBM_" + base
	upper := "BBU_" + base
	if f.tooShort(middle, period) {
		f.Cols[lower] = nanSlice(f.Len())
		f.Cols[upper] = nanSlice(f.Len())
		return lower, middle, upper
	}
	x := f.closes()
	m := sma(x, period)
	lo := nanSlice(len(x))
	up := nanSlice(len(x))
	for i := period - 1; i < len(x); i++ {
		var ss float64
		for j := i - period + 1; j <= i; j++ {
			d := x[j] - m[i]
			ss += d * d
		}
		// Sample standard deviation.
		sd := math.Sqrt(ss / float64(period-1))
		lo[i] = m[i] - mult*sd
		up[i] = m[i] + mult*sd
	}
	f.Cols[lower] = lo
	f.Cols[middle] = m
	f.Cols[upper] = up
	return lower, middle, upper
}

// --- ATR ---

// AddATR appends ATR_<period> (Wilder smoothing of true ranges).
func (f *Frame) AddATR(period int) string {
	name := fmt.Sprintf("ATR_%d", period)
	if f.tooShort(name, period+1) {
		return name
	}
	tr := trueRanges(f.Bars)
	out := nanSlice(len(tr))
	var seed float64
	for i := 1; i <= period; i++ {
		seed += tr[i]
	}
	seed /= float64(period)
	out[period] = seed
	for i := period + 1; i < len(tr); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	f.Cols[name] = out
	return name
}

func trueRanges(series []models.Bar) []float64 {
	tr := make([]float64, len(series))
	for i, b := range series {
		hl := b.High - b.Low
		if i == 0 {
			tr[i] = hl
			continue
		}
		prevClose := series[i-1].Close
		tr[i] = math.Max(hl, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return tr
}

// --- ADX ---

// AddADX appends ADX_<period>, DMP_<period> and DMN_<period>.
func (f *Frame) AddADX(period int) (string, string, string) {
	adxName := fmt.Sprintf("ADX_%d", period)
	dmpName := fmt.Sprintf("DMP_%d", period)
	dmnName := fmt.Sprintf("DMN_%d", period)
	if f.tooShort(adxName, 2*period+1) {
		f.Cols[dmpName] = nanSlice(f.Len())
		f.Cols[dmnName] = nanSlice(f.Len())
		return adxName, dmpName, dmnName
	}
	n := f.Len()
	tr := trueRanges(f.Bars)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := f.Bars[i].High - f.Bars[i-1].High
		down := f.Bars[i-1].Low - f.Bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	smTR := wilderSum(tr, period)
	smPlus := wilderSum(plusDM, period)
	smMinus := wilderSum(minusDM, period)

	dmp := nanSlice(n)
	dmn := nanSlice(n)
	dx := nanSlice(n)
	for i := period; i < n; i++ {
		if smTR[i] == 0 {
			continue
		}
		dmp[i] = 100 * smPlus[i] / smTR[i]
		dmn[i] = 100 * smMinus[i] / smTR[i]
		sum := dmp[i] + dmn[i]
		if sum != 0 {
			dx[i] = 100 * math.Abs(dmp[i]-dmn[i]) / sum
		}
	}

	adx := nanSlice(n)
	var seed float64
	for i := period; i < 2*period; i++ {
		seed += dx[i]
	}
	adx[2*period-1] = seed / float64(period)
	for i := 2 * period; i < n; i++ {
		adx[i] = (adx[i-1]*float64(period-1) + dx[i]) / float64(period)
	}

	f.Cols[adxName] = adx
	f.Cols[dmpName] = dmp
	f.Cols[dmnName] = dmn
	return adxName, dmpName, dmnName
}

// wilderSum is the smoothed running sum used by ADX: seeded by the
// plain sum of the first period values, then s[i] = s[i-1] -
// s[i-1]/period + x[i].
func wilderSum(x []float64, period int) []float64 {
	out := nanSlice(len(x))
	if len(x) <= period {
		return out
	}
	var seed float64
	for i := 1; i <= period; i++ {
		seed += x[i]
	}
	out[period] = seed
	for i := period + 1; i < len(x); i++ {
		out[i] = out[i-1] - out[i-1]/float64(period) + x[i]
	}
	return out
}

// --- Volume ---

// AddOBV appends the on-balance volume column.
func (f *Frame) AddOBV() string {
	const name = "OBV"
	if f.tooShort(name, 2) {
		return name
	}
	out := make([]float64, f.Len())
	for i := 1; i < f.Len(); i++ {
		switch {
		case f.Bars[i].Close > f.Bars[i-1].Close:
			out[i] = out[i-1] + float64(f.Bars[i].Volume)
		case f.Bars[i].Close < f.Bars[i-1].Close:
			out[i] = out[i-1] - float64(f.Bars[i].Volume)
		default:
			out[i] = out[i-1]
		}
	}
	f.Cols[name] = out
	return name
}

// AddVWAP appends the cumulative volume-weighted average price.
func (f *Frame) AddVWAP() string {
	const name = "VWAP"
	if f.tooShort(name, 1) {
		return name
	}
	out := nanSlice(f.Len())
	var cumPV, cumV float64
	for i, b := range f.Bars {
		typical := (b.High + b.Low + b.Close) / 3
		cumPV += typical * float64(b.Volume)
		cumV += float64(b.Volume)
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	f.Cols[name] = out
	return name
}

// AddCommon appends the default indicator set: SMA 20/50, EMA 12/26,
// RSI 14, MACD 12/26/9, ATR 14.
func (f *Frame) AddCommon() {
	f.AddSMA(20)
	f.AddSMA(50)
	f.AddEMA(12)
	f.AddEMA(26)
	f.AddRSI(14)
	f.AddMACD(12, 26, 9)
	f.AddATR(14)
}

// --- Crossovers ---

// Crossover reports, per index, a crossing of a above b at that step:
// a[i-1] <= b[i-1] and a[i] > b[i]. Index 0 and NaN inputs are false.
func Crossover(a, b []float64) []bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]bool, n)
	for i := 1; i < n; i++ {
		if math.IsNaN(a[i-1]) || math.IsNaN(b[i-1]) || math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		out[i] = a[i-1] <= b[i-1] && a[i] > b[i]
	}
	return out
}

// Crossunder is the mirror of Crossover.
func Crossunder(a, b []float64) []bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]bool, n)
	for i := 1; i < n; i++ {
		if math.IsNaN(a[i-1]) || math.IsNaN(b[i-1]) || math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		out[i] = a[i-1] >= b[i-1] && a[i] < b[i]
	}
	return out
}

// AllNaN reports whether a column carries no usable values.
func AllNaN(x []float64) bool {
	for _, v := range x {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}
