package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/storage/simstate"
)

// MarketSource read-only market data used to price paper orders.
type MarketSource interface {
	FetchTicker(ctx context.Context, pair domain.Pair) (domain.Ticker, error)
	FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error)
	RoundToPrecision(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (decimal.Decimal, error)
	Markets(ctx context.Context) ([]domain.Market, error)
}

// SimulateGateway paper wallet filled at live prices.
type SimulateGateway struct {
	mu         sync.Mutex
	source     MarketSource
	logger     *zap.Logger
	wallet     domain.Balances
	fee        decimal.Decimal
	orders     int64
	stateStore *simstate.Store
}

// NewSimulateGateway creates a paper gateway. When store holds a saved wallet it
// is restored, otherwise the wallet starts with initial.
func NewSimulateGateway(source MarketSource, store *simstate.Store, initial domain.Balances, fee decimal.Decimal, logger *zap.Logger) (*SimulateGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == nil {
		return nil, errors.New("market source is required for SimulateGateway")
	}

	g := &SimulateGateway{
		source:     source,
		logger:     logger,
		wallet:     initial.Clone(),
		fee:        fee,
		stateStore: store,
	}
	if err := g.restoreState(); err != nil {
		logger.Warn("failed to restore simulate state", zap.Error(err))
	}

	logger.Info("simulate init", zap.Any("wallet", g.walletStrings()))
	return g, nil
}

// FetchTicker delegates to the market source.
func (g *SimulateGateway) FetchTicker(ctx context.Context, pair domain.Pair) (domain.Ticker, error) {
	return g.source.FetchTicker(ctx, pair)
}

// FetchCandles delegates to the market source.
func (g *SimulateGateway) FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	return g.source.FetchCandles(ctx, pair, interval, limit)
}

// RoundToPrecision delegates to the market source.
func (g *SimulateGateway) RoundToPrecision(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (decimal.Decimal, error) {
	return g.source.RoundToPrecision(ctx, pair, amount)
}

// Markets delegates to the market source.
func (g *SimulateGateway) Markets(ctx context.Context) ([]domain.Market, error) {
	return g.source.Markets(ctx)
}

// FetchBalances returns a copy of the paper wallet.
func (g *SimulateGateway) FetchBalances(ctx context.Context) (domain.Balances, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(domain.Balances)
	for asset, amount := range g.wallet {
		if amount.GreaterThan(decimal.Zero) {
			out[asset] = amount
		}
	}
	return out, nil
}

// CreateMarketOrder fills amount of the base asset at the current price, charging the taker fee
// on the received side.
func (g *SimulateGateway) CreateMarketOrder(ctx context.Context, pair domain.Pair, side domain.Side, amount decimal.Decimal, clientOrderID string) (domain.Fill, error) {
	amount, err := g.source.RoundToPrecision(ctx, pair, amount)
	if err != nil {
		return domain.Fill{}, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.Fill{}, errors.Wrapf(domain.ErrBelowMinimum, "order amount for %s must be positive", pair.String())
	}

	ticker, err := g.source.FetchTicker(ctx, pair)
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "failed to get price for simulated order")
	}
	price := ticker.Last
	if side == domain.SideBuy && ticker.Ask.GreaterThan(decimal.Zero) {
		price = ticker.Ask
	}
	if side == domain.SideSell && ticker.Bid.GreaterThan(decimal.Zero) {
		price = ticker.Bid
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	quote := amount.Mul(price)
	var fee decimal.Decimal

	switch side {
	case domain.SideBuy:
		if g.wallet.Get(pair.To).LessThan(quote) {
			return domain.Fill{}, errors.Wrapf(domain.ErrInsufficientFunds, "insufficient %s: need %s, have %s",
				pair.To, quote.String(), g.wallet.Get(pair.To).String())
		}
		fee = amount.Mul(g.fee)
		g.wallet[pair.To] = g.wallet.Get(pair.To).Sub(quote)
		g.wallet[pair.From] = g.wallet.Get(pair.From).Add(amount.Sub(fee))
	case domain.SideSell:
		if g.wallet.Get(pair.From).LessThan(amount) {
			return domain.Fill{}, errors.Wrapf(domain.ErrInsufficientFunds, "insufficient %s: need %s, have %s",
				pair.From, amount.String(), g.wallet.Get(pair.From).String())
		}
		fee = quote.Mul(g.fee)
		g.wallet[pair.From] = g.wallet.Get(pair.From).Sub(amount)
		g.wallet[pair.To] = g.wallet.Get(pair.To).Add(quote.Sub(fee))
	default:
		return domain.Fill{}, fmt.Errorf("unknown side: %s", side)
	}
	g.orders++
	g.persist()

	g.logger.Info("simulated order",
		zap.String("pair", pair.String()),
		zap.String("side", string(side)),
		zap.String("amount", amount.String()),
		zap.String("price", price.String()),
		zap.String("id", clientOrderID))

	return domain.Fill{
		OrderID:     clientOrderID,
		Pair:        pair,
		Side:        side,
		BaseAmount:  amount,
		QuoteAmount: quote,
		Price:       price,
		Fee:         fee,
		Time:        time.Now(),
	}, nil
}

func (g *SimulateGateway) restoreState() error {
	if g.stateStore == nil {
		return nil
	}
	state, err := g.stateStore.Load()
	if err != nil || state == nil {
		return err
	}
	wallet, err := state.Balances()
	if err != nil {
		return err
	}
	g.wallet = wallet
	g.orders = state.Orders
	return nil
}

func (g *SimulateGateway) persist() {
	if g.stateStore == nil {
		return
	}
	if err := g.stateStore.Save(simstate.NewState(g.wallet, g.orders)); err != nil {
		g.logger.Warn("failed to persist simulate state", zap.Error(err))
	}
}

func (g *SimulateGateway) walletStrings() map[string]string {
	out := make(map[string]string, len(g.wallet))
	for asset, amount := range g.wallet {
		out[asset] = amount.String()
	}
	return out
}
