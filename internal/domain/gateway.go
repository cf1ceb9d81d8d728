package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway market data and order execution on an exchange.
type Gateway interface {
	FetchTicker(ctx context.Context, pair Pair) (Ticker, error)
	FetchCandles(ctx context.Context, pair Pair, interval string, limit int) ([]Candle, error)
	FetchBalances(ctx context.Context) (Balances, error)
	// CreateMarketOrder executes a market order for amount of the pair base asset.
	CreateMarketOrder(ctx context.Context, pair Pair, side Side, amount decimal.Decimal, clientOrderID string) (Fill, error)
	// RoundToPrecision floors amount to the pair's tradable precision.
	RoundToPrecision(ctx context.Context, pair Pair, amount decimal.Decimal) (decimal.Decimal, error)
	Markets(ctx context.Context) ([]Market, error)
}

// SignalProvider technical indicators for a pair.
type SignalProvider interface {
	Indicators(ctx context.Context, pair Pair) (Indicators, error)
}
