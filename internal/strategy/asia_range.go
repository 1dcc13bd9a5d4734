package strategy

import (
	"math"
	"sort"
	"time"

	"alpha_engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// asiaState is the daily cycle of the Asia-range strategy.
type asiaState string

const (
	asiaBuilding     asiaState = "building_asia" // 00:00-07:00, accumulating the range
	asiaFrozen       asiaState = "asia_frozen"   // 07:00-07:30, range frozen, filters validated
	asiaSeekingEntry asiaState = "seeking_entry" // 07:30-12:00, watching for touches
	asiaDoneForDay   asiaState = "done_for_day"  // trade taken or window closed
)

// AsiaRangeReversal trades reversals off the extremes of the Asian
// session range on BTC/USD 5m bars. The session (00:00-07:00
// Europe/Madrid) defines AsiaHigh/AsiaLow and a session ATR; during
// the entry window (07:30-12:00) a touch of AsiaHigh sells and a
// touch of AsiaLow buys, with bracket SL/TP at 2x the session ATR and
// at most one trade per day.
//
// The system clock gates state transitions; bar timestamps only
// filter the data. Crypto trades around the clock, so the strategy
// skips the equity market-hours check.
type AsiaRangeReversal struct {
	*Base

	atrMultiplier         float64
	minAsiaCandles        int
	minRangeRatio         float64
	maxSpreadRatio        float64
	maxTradesPerDay       int
	wickOutlierMultiplier float64

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
	loc *time.Location

	// Daily state, reset at the first cycle of each Madrid day.
	state       asiaState
	currentDate string // YYYY-MM-DD in Madrid
	asiaHigh    float64
	asiaLow     float64
	asiaRange   float64
	atrAsia     float64
	candleCount int
	tradeTaken  bool
	tradesToday int
	dayEnabled  bool
}

var _ Strategy = (*AsiaRangeReversal)(nil)

const (
	asiaEndHour     = 7
	entryStartHour  = 7
	entryStartMin   = 30
	entryEndHour    = 12
	expectedCandles = 84 // 7h of 5m bars
)

// NewAsiaRangeReversal builds the strategy with its published
// defaults: 2x ATR brackets, 78 minimum session candles, 0.8 minimum
// range/ATR ratio, 0.25 maximum spread/ATR ratio, one trade per day.
func NewAsiaRangeReversal() (*AsiaRangeReversal, error) {
	base, err := NewBase(
		"asia_range_reversal",
		"Asian range reversal on BTC/USD 5m. Sells AsiaHigh touches, buys AsiaLow touches, 2xATR brackets, one trade per day.",
		[]string{"BTC/USD"},
		models.TF5Min,
		true,
	)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		return nil, err
	}
	return &AsiaRangeReversal{
		Base:                  base,
		atrMultiplier:         2.0,
		minAsiaCandles:        78,
		minRangeRatio:         0.8,
		maxSpreadRatio:        0.25,
		maxTradesPerDay:       1,
		wickOutlierMultiplier: 5.0,
		now:                   time.Now,
		loc:                   loc,
		state:                 asiaBuilding,
	}, nil
}

// SetClock overrides the wall clock; tests use it to walk through the
// state machine deterministically.
func (s *AsiaRangeReversal) SetClock(now func() time.Time) { s.now = now }

func (s *AsiaRangeReversal) CalculateSignals(data map[string][]models.Bar) (map[string]models.Signal, error) {
	symbol := s.Symbols()[0]
	signals := map[string]models.Signal{symbol: models.SignalHold}

	series, ok := data[symbol]
	if !ok || len(series) == 0 {
		logrus.WithFields(logrus.Fields{"strategy": s.Name(), "symbol": symbol}).
			Debug("no data this cycle")
		return signals, nil
	}

	nowMadrid := s.now().In(s.loc)
	today := nowMadrid.Format("2006-01-02")

	if s.currentDate != today {
		s.resetDay(today)
	}

	signals[symbol] = s.step(series, nowMadrid)
	return signals, nil
}

// step runs one transition of the daily state machine.
func (s *AsiaRangeReversal) step(series []models.Bar, nowMadrid time.Time) models.Signal {
	minutes := nowMadrid.Hour()*60 + nowMadrid.Minute()

	// A: building the range until 07:00.
	if minutes < asiaEndHour*60 {
		s.state = asiaBuilding
		s.buildRange(series, nowMadrid)
		return models.SignalHold
	}

	// A->B: freeze once at 07:00.
	if minutes < entryStartHour*60+entryStartMin {
		if s.state == asiaBuilding {
			s.freezeRange(series, nowMadrid)
		}
		s.state = asiaFrozen
		return models.SignalHold
	}

	// C: entry window until 12:00.
	if minutes < entryEndHour*60 {
		if s.state == asiaBuilding {
			s.freezeRange(series, nowMadrid)
		}
		if s.state == asiaBuilding || s.state == asiaFrozen {
			s.state = asiaSeekingEntry
		}
		if s.state != asiaSeekingEntry || s.tradeTaken || !s.dayEnabled {
			return models.SignalHold
		}
		return s.checkEntry(series)
	}

	// D: closed for the day.
	s.state = asiaDoneForDay
	return models.SignalHold
}

func (s *AsiaRangeReversal) resetDay(today string) {
	logrus.WithFields(logrus.Fields{"strategy": s.Name(), "date": today}).Info("new trading day")
	s.currentDate = today
	s.state = asiaBuilding
	s.asiaHigh = 0
	s.asiaLow = 0
	s.asiaRange = 0
	s.atrAsia = 0
	s.candleCount = 0
	s.tradeTaken = false
	s.tradesToday = 0
	s.dayEnabled = false
	s.TakeBracketParams() // drop any stale hint
}

// asiaBars filters the session candles (00:00-06:59 Madrid, same day).
func (s *AsiaRangeReversal) asiaBars(series []models.Bar, nowMadrid time.Time) []models.Bar {
	var out []models.Bar
	day := nowMadrid.Format("2006-01-02")
	for _, b := range series {
		t := b.Time.In(s.loc)
		if t.Format("2006-01-02") == day && t.Hour() < asiaEndHour {
			out = append(out, b)
		}
	}
	return out
}

func (s *AsiaRangeReversal) buildRange(series []models.Bar, nowMadrid time.Time) {
	session := s.asiaBars(series, nowMadrid)
	if len(session) == 0 {
		return
	}
	clean := s.clampOutlierWicks(session)
	s.asiaHigh, s.asiaLow = highLow(clean)
	s.asiaRange = s.asiaHigh - s.asiaLow
	s.candleCount = len(session)
}

// freezeRange finalizes the session levels at 07:00, computes the
// session ATR and runs the quality filters that decide whether the
// day is tradable.
func (s *AsiaRangeReversal) freezeRange(series []models.Bar, nowMadrid time.Time) {
	session := s.asiaBars(series, nowMadrid)
	if len(session) == 0 {
		logrus.WithField("strategy", s.Name()).Warn("no Asian session candles, day disabled")
		s.dayEnabled = false
		return
	}

	clean := s.clampOutlierWicks(session)
	s.candleCount = len(session)
	s.asiaHigh, s.asiaLow = highLow(clean)
	s.asiaRange = s.asiaHigh - s.asiaLow
	s.atrAsia = sessionATR(clean)

	logrus.WithFields(logrus.Fields{
		"strategy": s.Name(),
		"high":     s.asiaHigh,
		"low":      s.asiaLow,
		"range":    s.asiaRange,
		"atr":      s.atrAsia,
		"candles":  s.candleCount,
		"expected": expectedCandles,
	}).Info("Asian range frozen")

	if s.candleCount < s.minAsiaCandles {
		logrus.WithFields(logrus.Fields{"strategy": s.Name(), "candles": s.candleCount, "min": s.minAsiaCandles}).
			Warn("too few session candles, day disabled")
		s.dayEnabled = false
		return
	}
	if s.atrAsia <= 0 {
		logrus.WithField("strategy", s.Name()).Warn("session ATR is zero, day disabled")
		s.dayEnabled = false
		return
	}
	if s.asiaRange < s.minRangeRatio*s.atrAsia {
		logrus.WithFields(logrus.Fields{"strategy": s.Name(), "range": s.asiaRange, "min": s.minRangeRatio * s.atrAsia}).
			Warn("session range below minimum, day disabled")
		s.dayEnabled = false
		return
	}

	s.dayEnabled = true
	logrus.WithFields(logrus.Fields{
		"strategy": s.Name(),
		"distance": s.atrMultiplier * s.atrAsia,
	}).Info("day enabled, watching for entries from 07:30")
}

// checkEntry looks at the last completed bar for a touch of either
// extreme. Both-extremes-in-one-bar ties break toward the extreme the
// close ended nearer to.
func (s *AsiaRangeReversal) checkEntry(series []models.Bar) models.Signal {
	if s.asiaHigh == 0 && s.asiaLow == 0 {
		return models.SignalHold
	}
	if s.atrAsia <= 0 || len(series) == 0 {
		return models.SignalHold
	}

	last := series[len(series)-1]

	// Spread filter: a conservative estimate of 2% of the bar range,
	// floored at $1, must stay under the configured ATR fraction.
	barRange := last.High - last.Low
	estimatedSpread := math.Max(barRange*0.02, 1.0)
	if estimatedSpread > s.maxSpreadRatio*s.atrAsia {
		logrus.WithFields(logrus.Fields{"strategy": s.Name(), "spread": estimatedSpread}).
			Debug("estimated spread too wide, waiting")
		return models.SignalHold
	}

	distance := s.atrMultiplier * s.atrAsia
	touchHigh := last.High >= s.asiaHigh
	touchLow := last.Low <= s.asiaLow

	if touchHigh && touchLow {
		if math.Abs(last.Close-s.asiaHigh) <= math.Abs(last.Close-s.asiaLow) {
			touchLow = false
		} else {
			touchHigh = false
		}
	}

	switch {
	case touchHigh:
		s.armTrade(s.asiaHigh-distance, s.asiaHigh+distance)
		logrus.WithFields(logrus.Fields{
			"strategy": s.Name(), "entry": s.asiaHigh, "tp": s.asiaHigh - distance, "sl": s.asiaHigh + distance,
		}).Info("sell signal at AsiaHigh")
		return models.SignalSell
	case touchLow:
		s.armTrade(s.asiaLow+distance, s.asiaLow-distance)
		logrus.WithFields(logrus.Fields{
			"strategy": s.Name(), "entry": s.asiaLow, "tp": s.asiaLow + distance, "sl": s.asiaLow - distance,
		}).Info("buy signal at AsiaLow")
		return models.SignalBuy
	}
	return models.SignalHold
}

func (s *AsiaRangeReversal) armTrade(tp, sl float64) {
	s.SetBracketParams(BracketParams{
		TakeProfit: decimal.NewFromFloat(tp).Round(2),
		StopLoss:   decimal.NewFromFloat(sl).Round(2),
	})
	s.tradeTaken = true
	s.tradesToday++
}

// clampOutlierWicks clips the high/low of candles whose range exceeds
// wickOutlierMultiplier times the median range down to the candle
// body. The candle itself is kept so the count filter still sees it.
func (s *AsiaRangeReversal) clampOutlierWicks(session []models.Bar) []models.Bar {
	if len(session) < 3 {
		return session
	}
	ranges := make([]float64, len(session))
	for i, b := range session {
		ranges[i] = b.High - b.Low
	}
	med := median(ranges)
	if med <= 0 {
		return session
	}
	threshold := s.wickOutlierMultiplier * med

	out := make([]models.Bar, len(session))
	copy(out, session)
	clipped := 0
	for i, b := range out {
		if b.High-b.Low <= threshold {
			continue
		}
		bodyHigh := math.Max(b.Open, b.Close)
		bodyLow := math.Min(b.Open, b.Close)
		logrus.WithFields(logrus.Fields{
			"strategy": s.Name(), "time": b.Time, "high": b.High, "low": b.Low,
			"threshold": threshold,
		}).Warn("outlier wick clipped to candle body")
		out[i].High = bodyHigh
		out[i].Low = bodyLow
		clipped++
	}
	if clipped > 0 {
		logrus.WithFields(logrus.Fields{"strategy": s.Name(), "clipped": clipped, "total": len(out)}).
			Info("outlier filter applied")
	}
	return out
}

// sessionATR is the plain mean of session true ranges. The first
// candle's TR is its high-low (no previous close available).
func sessionATR(session []models.Bar) float64 {
	if len(session) < 2 {
		return 0
	}
	var sum float64
	for i, b := range session {
		hl := b.High - b.Low
		if i == 0 {
			sum += hl
			continue
		}
		prevClose := session[i-1].Close
		sum += math.Max(hl, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return sum / float64(len(session))
}

func highLow(session []models.Bar) (hi, lo float64) {
	hi, lo = math.Inf(-1), math.Inf(1)
	for _, b := range session {
		if b.High > hi {
			hi = b.High
		}
		if b.Low < lo {
			lo = b.Low
		}
	}
	return hi, lo
}

func median(x []float64) float64 {
	cp := append([]float64(nil), x...)
	sort.Float64s(cp)
	n := len(cp)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

func (s *AsiaRangeReversal) Parameters() map[string]any {
	return map[string]any{
		"atr_multiplier":          s.atrMultiplier,
		"min_asia_candles":        s.minAsiaCandles,
		"min_range_ratio":         s.minRangeRatio,
		"max_spread_ratio":        s.maxSpreadRatio,
		"max_trades_per_day":      s.maxTradesPerDay,
		"wick_outlier_multiplier": s.wickOutlierMultiplier,
	}
}

func (s *AsiaRangeReversal) ApplyParameter(key string, value any) bool {
	switch key {
	case "atr_multiplier":
		if v, ok := FloatParam(value); ok && v > 0 {
			s.atrMultiplier = v
			return true
		}
	case "min_asia_candles":
		if v, ok := IntParam(value); ok && v > 0 {
			s.minAsiaCandles = v
			return true
		}
	case "min_range_ratio":
		if v, ok := FloatParam(value); ok && v > 0 {
			s.minRangeRatio = v
			return true
		}
	case "max_spread_ratio":
		if v, ok := FloatParam(value); ok && v > 0 {
			s.maxSpreadRatio = v
			return true
		}
	case "max_trades_per_day":
		if v, ok := IntParam(value); ok && v > 0 {
			s.maxTradesPerDay = v
			return true
		}
	case "wick_outlier_multiplier":
		if v, ok := FloatParam(value); ok && v > 1 {
			s.wickOutlierMultiplier = v
			return true
		}
	}
	return false
}
