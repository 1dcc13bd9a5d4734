package strategy

import (
	"fmt"

	"alpha_engine/internal/indicators"
	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
)

// SMACrossover buys on a golden cross (fast SMA crossing above the
// slow SMA) and sells on a death cross.
type SMACrossover struct {
	*Base
	fastPeriod int
	slowPeriod int
}

var _ Strategy = (*SMACrossover)(nil)

// NewSMACrossover validates fast < slow.
func NewSMACrossover(fast, slow int) (*SMACrossover, error) {
	if fast >= slow {
		return nil, fmt.Errorf("fast_period (%d) must be smaller than slow_period (%d)", fast, slow)
	}
	base, err := NewBase(
		"sma_crossover",
		"Simple moving average crossover. Buys the golden cross, sells the death cross.",
		[]string{"AAPL", "MSFT"},
		models.TF1Day,
		false,
	)
	if err != nil {
		return nil, err
	}
	return &SMACrossover{Base: base, fastPeriod: fast, slowPeriod: slow}, nil
}

func (s *SMACrossover) CalculateSignals(data map[string][]models.Bar) (map[string]models.Signal, error) {
	signals := make(map[string]models.Signal)

	// Need slow_period + 1 bars for a crossing at the last step.
	valid := ValidateData(data, s.slowPeriod+1)

	for _, symbol := range s.Symbols() {
		series, ok := valid[symbol]
		if !ok {
			logrus.WithFields(logrus.Fields{"strategy": s.Name(), "symbol": symbol}).
				Debug("insufficient data, holding")
			signals[symbol] = models.SignalHold
			continue
		}

		frame := indicators.NewFrame(series)
		fastCol := frame.Col(frame.AddSMA(s.fastPeriod))
		slowCol := frame.Col(frame.AddSMA(s.slowPeriod))

		if indicators.AllNaN(fastCol) || indicators.AllNaN(slowCol) {
			signals[symbol] = models.SignalHold
			continue
		}

		last := len(series) - 1
		golden := indicators.Crossover(fastCol, slowCol)
		death := indicators.Crossunder(fastCol, slowCol)

		switch {
		case golden[last]:
			signals[symbol] = models.SignalBuy
			logrus.WithFields(logrus.Fields{
				"strategy": s.Name(), "symbol": symbol,
				"fast": fastCol[last], "slow": slowCol[last],
			}).Info("golden cross detected")
		case death[last]:
			signals[symbol] = models.SignalSell
			logrus.WithFields(logrus.Fields{
				"strategy": s.Name(), "symbol": symbol,
				"fast": fastCol[last], "slow": slowCol[last],
			}).Info("death cross detected")
		default:
			signals[symbol] = models.SignalHold
		}
	}
	return signals, nil
}

func (s *SMACrossover) Parameters() map[string]any {
	return map[string]any{
		"fast_period": s.fastPeriod,
		"slow_period": s.slowPeriod,
	}
}

func (s *SMACrossover) ApplyParameter(key string, value any) bool {
	switch key {
	case "fast_period":
		if v, ok := IntParam(value); ok && v > 0 && v < s.slowPeriod {
			s.fastPeriod = v
			return true
		}
	case "slow_period":
		if v, ok := IntParam(value); ok && v > s.fastPeriod {
			s.slowPeriod = v
			return true
		}
	}
	return false
}
