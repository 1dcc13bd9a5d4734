package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("1d")
	require.NoError(t, err)
	assert.Equal(t, TF1Day, tf)

	tf, err = ParseTimeframe("  1H ")
	require.NoError(t, err)
	assert.Equal(t, TF1Hour, tf)

	_, err = ParseTimeframe("2d")
	assert.Error(t, err)

	_, err = ParseTimeframe("")
	assert.Error(t, err)
}

func TestTimeframeSpacing(t *testing.T) {
	assert.Equal(t, int64(60), TF1Min.Seconds())
	assert.Equal(t, int64(86400), TF1Day.Seconds())
	assert.Equal(t, 4*time.Hour, TF4Hour.Duration())
	assert.Equal(t, 7*24*time.Hour, TF1Week.Duration())
}

func TestTimeframeHistoryLimit(t *testing.T) {
	assert.Equal(t, 200, TF1Min.HistoryLimit())
	assert.Equal(t, 100, TF1Day.HistoryLimit())
	assert.Equal(t, 60, TF1Month.HistoryLimit())
}

func TestTimeframesOrdered(t *testing.T) {
	all := Timeframes()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seconds(), all[i].Seconds(),
			"timeframes must be listed shortest first")
	}
}

func TestIsCrypto(t *testing.T) {
	assert.True(t, IsCrypto("BTC/USD"))
	assert.True(t, IsCrypto("ETH/USDT"))
	assert.False(t, IsCrypto("AAPL"))
	assert.False(t, IsCrypto("BTCUSD"))
}

func TestOrderRequestBracketed(t *testing.T) {
	var r OrderRequest
	assert.False(t, r.Bracketed())

	tp := decimal.NewFromFloat(101.5)
	r.TakeProfit = &tp
	assert.True(t, r.Bracketed())
}
