package simstate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

func TestStore_SaveLoad(t *testing.T) {
	store, err := NewStore(t.TempDir(), "Paper Wallet!")
	require.NoError(t, err)
	assert.Contains(t, store.path, "paper_wallet.json")

	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	wallet := domain.Balances{"EUR": decimal.RequireFromString("987.65"), "BTC": decimal.RequireFromString("0.0012")}
	require.NoError(t, store.Save(NewState(wallet, 3)))

	state, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(3), state.Orders)

	balances, err := state.Balances()
	require.NoError(t, err)
	assert.True(t, balances.Get("EUR").Equal(wallet["EUR"]))
	assert.True(t, balances.Get("BTC").Equal(wallet["BTC"]))
}

func TestSanitizeScope(t *testing.T) {
	assert.Equal(t, "btc_eur", sanitizeScope(" BTC/EUR "))
	assert.Equal(t, "", sanitizeScope("   "))
}
