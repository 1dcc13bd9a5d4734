package strategy

import (
	"fmt"
	"math"

	"alpha_engine/internal/indicators"
	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
)

// RSIStrategy buys when the RSI crosses down into the oversold zone
// and sells when it crosses up into the overbought zone. Level
// crossings (not levels themselves) avoid repeated signals while the
// RSI sits inside a zone.
type RSIStrategy struct {
	*Base
	rsiPeriod  int
	overbought float64
	oversold   float64
}

var _ Strategy = (*RSIStrategy)(nil)

// NewRSIStrategy validates 0 < oversold < overbought < 100 and
// period >= 2.
func NewRSIStrategy(period int, overbought, oversold float64) (*RSIStrategy, error) {
	if !(0 < oversold && oversold < overbought && overbought < 100) {
		return nil, fmt.Errorf("invalid levels: oversold (%.1f) must be below overbought (%.1f), both in (0, 100)", oversold, overbought)
	}
	if period < 2 {
		return nil, fmt.Errorf("rsi_period (%d) must be at least 2", period)
	}
	base, err := NewBase(
		"rsi_strategy",
		"RSI strategy. Buys oversold entries, sells overbought entries.",
		[]string{"AAPL", "MSFT"},
		models.TF1Day,
		false,
	)
	if err != nil {
		return nil, err
	}
	return &RSIStrategy{Base: base, rsiPeriod: period, overbought: overbought, oversold: oversold}, nil
}

func (s *RSIStrategy) CalculateSignals(data map[string][]models.Bar) (map[string]models.Signal, error) {
	signals := make(map[string]models.Signal)

	// Period bars for the RSI plus one more for the crossing.
	valid := ValidateData(data, s.rsiPeriod+2)

	for _, symbol := range s.Symbols() {
		series, ok := valid[symbol]
		if !ok {
			logrus.WithFields(logrus.Fields{"strategy": s.Name(), "symbol": symbol}).
				Debug("insufficient data, holding")
			signals[symbol] = models.SignalHold
			continue
		}

		frame := indicators.NewFrame(series)
		rsi := frame.Col(frame.AddRSI(s.rsiPeriod))
		if indicators.AllNaN(rsi) {
			signals[symbol] = models.SignalHold
			continue
		}

		current := rsi[len(rsi)-1]
		previous := rsi[len(rsi)-2]
		if math.IsNaN(current) || math.IsNaN(previous) {
			signals[symbol] = models.SignalHold
			continue
		}

		crossedIntoOversold := previous >= s.oversold && current < s.oversold
		crossedIntoOverbought := previous <= s.overbought && current > s.overbought

		switch {
		case crossedIntoOversold:
			signals[symbol] = models.SignalBuy
			logrus.WithFields(logrus.Fields{
				"strategy": s.Name(), "symbol": symbol, "rsi": current,
			}).Info("RSI entered oversold zone")
		case crossedIntoOverbought:
			signals[symbol] = models.SignalSell
			logrus.WithFields(logrus.Fields{
				"strategy": s.Name(), "symbol": symbol, "rsi": current,
			}).Info("RSI entered overbought zone")
		default:
			signals[symbol] = models.SignalHold
		}
	}
	return signals, nil
}

func (s *RSIStrategy) Parameters() map[string]any {
	return map[string]any{
		"rsi_period": s.rsiPeriod,
		"overbought": s.overbought,
		"oversold":   s.oversold,
	}
}

func (s *RSIStrategy) ApplyParameter(key string, value any) bool {
	switch key {
	case "rsi_period":
		if v, ok := IntParam(value); ok && v >= 2 {
			s.rsiPeriod = v
			return true
		}
	case "overbought":
		if v, ok := FloatParam(value); ok && v > s.oversold && v < 100 {
			s.overbought = v
			return true
		}
	case "oversold":
		if v, ok := FloatParam(value); ok && v > 0 && v < s.overbought {
			s.oversold = v
			return true
		}
	}
	return false
}
