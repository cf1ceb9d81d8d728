package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewTrade(t *testing.T) {
	now := time.Now()
	trade, err := NewTrade(1, "BTC", "EUR", d("0.5"), d("100"), d("1.5"), now)
	require.NoError(t, err)

	assert.True(t, trade.EntryPrice.Equal(d("200")))
	assert.True(t, trade.HighestPrice.Equal(d("200")))
	// 200 * (1 - 0.015)
	assert.True(t, trade.StopLoss.Equal(d("197")), trade.StopLoss.String())
	assert.Equal(t, []string{"EUR", "BTC"}, trade.PathHistory)
	assert.Equal(t, StateOpen, trade.State)
	assert.True(t, trade.Active)

	_, err = NewTrade(1, "BTC", "EUR", decimal.Zero, d("100"), d("1.5"), now)
	assert.Error(t, err)
	_, err = NewTrade(1, "BTC", "EUR", d("1"), decimal.Zero, d("1.5"), now)
	assert.Error(t, err)
}

func TestTrade_ProfitPercent(t *testing.T) {
	trade, err := NewTrade(1, "ETH", "EUR", d("1"), d("100"), d("1.5"), time.Now())
	require.NoError(t, err)

	tests := []struct {
		name     string
		price    decimal.Decimal
		expected decimal.Decimal
	}{
		{"flat", d("100"), decimal.Zero},
		{"up five", d("105"), d("5")},
		{"down two", d("98"), d("-2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.expected.Equal(trade.ProfitPercent(tt.price)), trade.ProfitPercent(tt.price).String())
		})
	}
}

func TestTrade_StopLossNeverDecreases(t *testing.T) {
	trade, err := NewTrade(1, "SOL", "EUR", d("1"), d("100"), d("1.5"), time.Now())
	require.NoError(t, err)

	prices := []string{"101", "104", "103", "105", "99", "102", "106", "100"}
	drop := d("0.005")
	prev := trade.StopLoss
	for _, p := range prices {
		trade.ObservePrice(d(p))
		trade.RaiseStopLoss(trade.HighestPrice.Mul(decimal.NewFromInt(1).Sub(drop)))
		assert.True(t, trade.StopLoss.GreaterThanOrEqual(prev), "stop lowered at price %s", p)
		prev = trade.StopLoss
	}

	assert.False(t, trade.RaiseStopLoss(d("1")))
	assert.True(t, trade.StopLoss.Equal(d("106").Mul(d("0.995"))))
}

func TestTrade_Continue(t *testing.T) {
	now := time.Now()
	trade, err := NewTrade(2, "ETH", "EUR", d("1"), d("100"), d("1.5"), now)
	require.NoError(t, err)

	next, err := trade.Continue("BTC", "ETH", d("0.002"), d("1.5"), now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, next.SlotID)
	assert.True(t, next.InitialFiatValue.Equal(d("100")))
	assert.True(t, next.EntryPrice.Equal(d("50000")))
	assert.Equal(t, []string{"EUR", "ETH", "BTC"}, next.PathHistory)
	assert.Equal(t, []string{"EUR", "ETH"}, trade.PathHistory)
}

func TestPair(t *testing.T) {
	p, err := ParsePair("btc/eur")
	require.NoError(t, err)
	assert.Equal(t, Pair{From: "BTC", To: "EUR"}, p)
	assert.Equal(t, "BTCEUR", p.Symbol())
	assert.Equal(t, "EUR/BTC", p.Inverse().String())
	assert.Equal(t, "EUR", p.Other("BTC"))

	p, err = ParsePair("ETH_USDT")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT", p.String())

	_, err = ParsePair("BTCEUR")
	assert.Error(t, err)
}

func TestZoneFor(t *testing.T) {
	assert.Equal(t, ZoneHot, ZoneFor(85.1))
	assert.Equal(t, ZoneWarm, ZoneFor(85))
	assert.Equal(t, ZoneWarm, ZoneFor(70))
	assert.Equal(t, ZoneCold, ZoneFor(69.9))
	assert.Equal(t, ZoneCold, ZoneFor(40))
	assert.Equal(t, ZoneFrozen, ZoneFor(39.9))
}

func TestMarket_RoundAmount(t *testing.T) {
	m := Market{StepSize: d("0.001")}
	assert.True(t, m.RoundAmount(d("1.23456")).Equal(d("1.234")))
	assert.True(t, Market{}.RoundAmount(d("0.123456789")).Equal(d("0.12345678")))
}
