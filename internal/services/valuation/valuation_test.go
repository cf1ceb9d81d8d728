package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/gateway/gatewaytest"
	"github.com/vadiminshakov/ceibe/internal/services/router"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newValuer(t *testing.T, m *gatewaytest.Market) *Valuer {
	t.Helper()
	r := router.New("BNB", d("0.001"))
	require.NoError(t, r.Refresh(context.Background(), m))
	return NewValuer("EUR", m, r, NewPriceCache(time.Minute), zap.NewNop())
}

func TestValuer_FiatPrice(t *testing.T) {
	m := gatewaytest.NewMarket().
		SetPriceStr("BTC", "EUR", "50000").
		SetPriceStr("EUR", "TRY", "40").
		SetPriceStr("ETH", "BTC", "0.05").
		SetPriceStr("DOGE", "USDT", "0.2")
	v := newValuer(t, m)
	ctx := context.Background()

	tests := []struct {
		asset string
		want  string
	}{
		{"EUR", "1"},
		{"BTC", "50000"},
		{"TRY", "0.025"},
		{"ETH", "2500"},
		{"USDT", "1"},
		{"DOGE", "0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.asset, func(t *testing.T) {
			got, err := v.FiatPrice(ctx, tt.asset)
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}

	_, err := v.FiatPrice(ctx, "XYZ")
	assert.True(t, errors.Is(err, domain.ErrNoData))
}

func TestValuer_UsesCache(t *testing.T) {
	m := gatewaytest.NewMarket().SetPriceStr("BTC", "EUR", "50000")
	v := newValuer(t, m)
	ctx := context.Background()

	_, err := v.FiatPrice(ctx, "BTC")
	require.NoError(t, err)
	_, err = v.FiatPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Calls(domain.NewPair("BTC", "EUR")))

	v.Cache().Set(domain.NewPair("BTC", "EUR"), d("51000"))
	got, err := v.Value(ctx, "BTC", d("0.5"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("25500")))
	assert.Equal(t, "51000", v.Cache().Snapshot()["BTC/EUR"].String())
}

func TestPriceCache_Expiry(t *testing.T) {
	c := NewPriceCache(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(domain.NewPair("BTC", "EUR"), d("1"))

	_, ok := c.Get(domain.NewPair("BTC", "EUR"))
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(domain.NewPair("BTC", "EUR"))
	assert.False(t, ok)
}

func TestValuer_TotalPortfolioValue(t *testing.T) {
	m := gatewaytest.NewMarket().
		SetPriceStr("BTC", "EUR", "50000").
		SetPriceStr("BNB", "EUR", "500")
	v := newValuer(t, m)

	val, err := v.TotalPortfolioValue(context.Background(), domain.Balances{
		"EUR": d("100"),
		"BTC": d("0.01"),
		"BNB": d("0.1"),
		"XYZ": d("5"),
		"ETH": decimal.Zero,
	})
	require.NoError(t, err)
	assert.True(t, val.Total.Equal(d("650")), "total %s", val.Total)
	assert.True(t, val.Values["BNB"].Equal(d("50")))
	assert.Equal(t, []string{"XYZ"}, val.Unpriced)
	assert.NotContains(t, val.Values, "ETH")
}
