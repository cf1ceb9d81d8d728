package router

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/gateway/gatewaytest"
)

var (
	whitelist = []string{"BTC", "ETH", "BNB", "SOL", "XRP"}
	fiats     = []string{"EUR", "USDC"}
)

func market(from, to, fee string) domain.Market {
	return domain.Market{Pair: domain.NewPair(from, to), Active: true, TakerFee: decimal.RequireFromString(fee)}
}

func TestFindRoute_DirectWins(t *testing.T) {
	r := New("BNB", decimal.RequireFromString("0.001"))
	r.SetMarkets([]domain.Market{
		market("SOL", "BTC", "0.001"),
		market("SOL", "ETH", "0.0001"),
		market("ETH", "BTC", "0.0001"),
	})

	route, err := r.FindRoute("SOL", "BTC", whitelist, fiats, true)
	require.NoError(t, err)
	assert.Equal(t, 1, route.Hops())
	assert.Empty(t, route.Intermediate)
	assert.Equal(t, domain.NewPair("SOL", "BTC"), route.Pair())
	assert.Equal(t, domain.SideSell, route.Legs[0].Side)

	// inverse orientation
	route, err = r.FindRoute("BTC", "SOL", whitelist, fiats, true)
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, route.Legs[0].Side)
	assert.Equal(t, domain.NewPair("SOL", "BTC"), route.Pair())
}

func TestFindRoute_CryptoIntermediateBeforeFiat(t *testing.T) {
	r := New("BNB", decimal.RequireFromString("0.001"))
	r.SetMarkets([]domain.Market{
		market("XRP", "EUR", "0.0001"),
		market("ADA", "EUR", "0.0001"),
		market("XRP", "BTC", "0.001"),
		market("ADA", "BTC", "0.001"),
	})

	route, err := r.FindRoute("XRP", "ADA", append(whitelist, "ADA"), fiats, true)
	require.NoError(t, err)
	assert.Equal(t, "BTC", route.Intermediate)
	assert.Equal(t, "XRP -> BTC -> ADA", route.String())
	assert.Equal(t, domain.SideSell, route.Legs[0].Side)
	assert.Equal(t, domain.SideBuy, route.Legs[1].Side)
}

func TestFindRoute_LowestFeeIntermediate(t *testing.T) {
	r := New("BNB", decimal.RequireFromString("0.001"))
	r.SetMarkets([]domain.Market{
		market("XRP", "BTC", "0.002"),
		market("DOGE", "BTC", "0.002"),
		market("XRP", "ETH", "0.0005"),
		market("DOGE", "ETH", "0.0005"),
	})
	wl := []string{"BTC", "ETH", "XRP", "DOGE"}

	route, err := r.FindRoute("XRP", "DOGE", wl, fiats, true)
	require.NoError(t, err)
	assert.Equal(t, "ETH", route.Intermediate)
	assert.True(t, route.Fee.Equal(decimal.RequireFromString("0.001")))

	route, err = r.FindRoute("XRP", "DOGE", wl, fiats, false)
	require.NoError(t, err)
	assert.Equal(t, "BTC", route.Intermediate)
}

func TestFindRoute_ReserveNeverIntermediate(t *testing.T) {
	r := New("BNB", decimal.RequireFromString("0.001"))
	r.SetMarkets([]domain.Market{
		market("XRP", "BNB", "0.0001"),
		market("SOL", "BNB", "0.0001"),
		market("XRP", "EUR", "0.001"),
		market("SOL", "EUR", "0.001"),
	})

	route, err := r.FindRoute("XRP", "SOL", whitelist, fiats, true)
	require.NoError(t, err)
	assert.Equal(t, "EUR", route.Intermediate)
}

func TestFindRoute_NoRoute(t *testing.T) {
	r := New("BNB", decimal.RequireFromString("0.001"))
	r.SetMarkets([]domain.Market{
		market("XRP", "BTC", "0.001"),
		{Pair: domain.NewPair("SOL", "BTC"), Active: false},
	})

	_, err := r.FindRoute("XRP", "SOL", whitelist, fiats, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoRoute))

	_, err = r.FindRoute("XRP", "XRP", whitelist, fiats, true)
	assert.True(t, errors.Is(err, domain.ErrNoRoute))
}

func TestRefresh(t *testing.T) {
	m := gatewaytest.NewMarket().SetPriceStr("BTC", "EUR", "50000").SetPriceStr("ETH", "BTC", "0.05")
	r := New("BNB", decimal.RequireFromString("0.001"))
	require.NoError(t, r.Refresh(context.Background(), m))
	assert.Equal(t, 2, r.Size())

	route, err := r.FindRoute("EUR", "ETH", whitelist, fiats, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR", "BTC", "ETH"}, route.Assets())
}
