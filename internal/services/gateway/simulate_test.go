package gateway

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/gateway/gatewaytest"
	"github.com/vadiminshakov/ceibe/internal/storage/simstate"
)

func newSimulate(t *testing.T, fee string) (*SimulateGateway, *gatewaytest.Market, *simstate.Store) {
	t.Helper()
	market := gatewaytest.NewMarket().SetPriceStr("BTC", "EUR", "50000")
	store, err := simstate.NewStore(t.TempDir(), "wallet")
	require.NoError(t, err)

	g, err := NewSimulateGateway(market, store, domain.Balances{"EUR": decimal.NewFromInt(10000)}, decimal.RequireFromString(fee), zap.NewNop())
	require.NoError(t, err)
	return g, market, store
}

func TestSimulateGateway_BuySell(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newSimulate(t, "0.001")
	pair := domain.NewPair("BTC", "EUR")

	fill, err := g.CreateMarketOrder(ctx, pair, domain.SideBuy, decimal.RequireFromString("0.1"), "order-1")
	require.NoError(t, err)
	assert.True(t, fill.QuoteAmount.Equal(decimal.NewFromInt(5000)))
	assert.True(t, fill.Received().Equal(decimal.RequireFromString("0.0999")))

	balances, err := g.FetchBalances(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Get("EUR").Equal(decimal.NewFromInt(5000)))
	assert.True(t, balances.Get("BTC").Equal(decimal.RequireFromString("0.0999")))

	fill, err = g.CreateMarketOrder(ctx, pair, domain.SideSell, decimal.RequireFromString("0.0999"), "order-2")
	require.NoError(t, err)
	// 0.0999 * 50000 = 4995, minus 0.1%
	assert.True(t, fill.Received().Equal(decimal.RequireFromString("4990.005")), fill.Received().String())

	balances, err = g.FetchBalances(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Get("BTC").IsZero())
}

func TestSimulateGateway_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newSimulate(t, "0")
	pair := domain.NewPair("BTC", "EUR")

	_, err := g.CreateMarketOrder(ctx, pair, domain.SideBuy, decimal.RequireFromString("0.3"), "too-big")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))

	_, err = g.CreateMarketOrder(ctx, pair, domain.SideSell, decimal.NewFromInt(1), "nothing-to-sell")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient")
}

func TestSimulateGateway_RestoresWallet(t *testing.T) {
	ctx := context.Background()
	g, market, store := newSimulate(t, "0")

	_, err := g.CreateMarketOrder(ctx, domain.NewPair("BTC", "EUR"), domain.SideBuy, decimal.RequireFromString("0.01"), "order-1")
	require.NoError(t, err)

	restored, err := NewSimulateGateway(market, store, domain.Balances{"EUR": decimal.NewFromInt(1)}, decimal.Zero, zap.NewNop())
	require.NoError(t, err)
	balances, err := restored.FetchBalances(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Get("EUR").Equal(decimal.NewFromInt(9500)))
	assert.True(t, balances.Get("BTC").Equal(decimal.RequireFromString("0.01")))
}

func TestSimulateGateway_PriceError(t *testing.T) {
	g, market, _ := newSimulate(t, "0")
	pair := domain.NewPair("BTC", "EUR")
	market.Fail(pair, domain.ErrTransient)

	_, err := g.CreateMarketOrder(context.Background(), pair, domain.SideBuy, decimal.RequireFromString("0.01"), "order")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"invalid key", &common.APIError{Code: -2015, Message: "Invalid API-key"}, domain.ErrAuth},
		{"bad signature", &common.APIError{Code: -1022, Message: "Signature invalid"}, domain.ErrAuth},
		{"rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, domain.ErrTransient},
		{"notional", &common.APIError{Code: -1013, Message: "Filter failure: NOTIONAL"}, domain.ErrBelowMinimum},
		{"balance", &common.APIError{Code: -2010, Message: "Account has insufficient balance"}, domain.ErrInsufficientFunds},
		{"deadline", context.DeadlineExceeded, domain.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(classify(tt.err, "op"), tt.expected))
		})
	}

	other := classify(errors.New("boom"), "op")
	assert.False(t, errors.Is(other, domain.ErrAuth))
	assert.Contains(t, other.Error(), "op: boom")
}
