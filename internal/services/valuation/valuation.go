// Package valuation prices holdings in the default fiat asset.
package valuation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// TickerSource last prices.
type TickerSource interface {
	FetchTicker(ctx context.Context, pair domain.Pair) (domain.Ticker, error)
}

// MarketIndex reports listed markets in either orientation.
type MarketIndex interface {
	Market(a, b string) (domain.Market, bool)
}

type cached struct {
	price decimal.Decimal
	at    time.Time
}

// PriceCache last observed price per pair, shared by sweeps, tracking tasks and
// valuation. Safe for concurrent use.
type PriceCache struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	prices map[domain.Pair]cached
}

// NewPriceCache creates a cache whose entries expire after ttl; zero disables expiry.
func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{ttl: ttl, now: time.Now, prices: make(map[domain.Pair]cached)}
}

func (c *PriceCache) Set(pair domain.Pair, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}
	c.mu.Lock()
	c.prices[pair] = cached{price: price, at: c.now()}
	c.mu.Unlock()
}

// Get returns a fresh price for pair.
func (c *PriceCache) Get(pair domain.Pair) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[pair]
	if !ok {
		return decimal.Zero, false
	}
	if c.ttl > 0 && c.now().Sub(p.at) > c.ttl {
		return decimal.Zero, false
	}
	return p.price, true
}

// Snapshot returns every cached price keyed by "BASE/QUOTE".
func (c *PriceCache) Snapshot() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(c.prices))
	for pair, p := range c.prices {
		out[pair.String()] = p.price
	}
	return out
}

// Valuer converts asset amounts into the default fiat.
type Valuer struct {
	fiat        string
	stablecoins map[string]bool
	bridges     []string

	source  TickerSource
	markets MarketIndex
	cache   *PriceCache
	logger  *zap.Logger
}

// NewValuer creates a valuer. markets may be nil, then every pair is tried.
func NewValuer(fiat string, source TickerSource, markets MarketIndex, cache *PriceCache, logger *zap.Logger) *Valuer {
	return &Valuer{
		fiat:        fiat,
		stablecoins: map[string]bool{"USDT": true, "USDC": true},
		bridges:     []string{"USDT", "USDC", "BTC"},
		source:      source,
		markets:     markets,
		cache:       cache,
		logger:      logger,
	}
}

// Fiat returns the valuation currency.
func (v *Valuer) Fiat() string {
	return v.fiat
}

// Cache returns the shared price cache.
func (v *Valuer) Cache() *PriceCache {
	return v.cache
}

// Price returns the last price of pair, from cache when fresh.
func (v *Valuer) Price(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if p, ok := v.cache.Get(pair); ok {
		return p, nil
	}

	t, err := v.source.FetchTicker(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	if t.Last.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.Wrapf(domain.ErrNoData, "zero price for %s", pair.String())
	}
	v.cache.Set(pair, t.Last)
	return t.Last, nil
}

// Rate returns how many units of quote one unit of base is worth, using the
// listed pair in either orientation.
func (v *Valuer) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if base == quote {
		return decimal.NewFromInt(1), nil
	}

	direct := domain.Pair{From: base, To: quote}
	inverse := domain.Pair{From: quote, To: base}

	if v.markets != nil {
		m, ok := v.markets.Market(base, quote)
		if !ok {
			return decimal.Zero, errors.Wrapf(domain.ErrNoRoute, "%s/%s not listed", base, quote)
		}
		if m.Pair == inverse {
			return v.inverseRate(ctx, inverse)
		}
		return v.Price(ctx, direct)
	}

	if p, err := v.Price(ctx, direct); err == nil {
		return p, nil
	}
	return v.inverseRate(ctx, inverse)
}

func (v *Valuer) inverseRate(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	p, err := v.Price(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(1).Div(p), nil
}

// FiatPrice returns the fiat value of one unit of asset. Lookup order: direct
// or inverse fiat pair, 1:1 for stablecoins, then through USDT, USDC and BTC.
func (v *Valuer) FiatPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if asset == v.fiat {
		return decimal.NewFromInt(1), nil
	}

	rate, err := v.Rate(ctx, asset, v.fiat)
	if err == nil {
		return rate, nil
	}
	if v.stablecoins[asset] {
		return decimal.NewFromInt(1), nil
	}
	if ctx.Err() != nil {
		return decimal.Zero, ctx.Err()
	}

	for _, bridge := range v.bridges {
		if bridge == asset {
			continue
		}
		toBridge, err := v.Rate(ctx, asset, bridge)
		if err != nil {
			continue
		}
		bridgeFiat, err := v.Rate(ctx, bridge, v.fiat)
		if err != nil {
			if !v.stablecoins[bridge] {
				continue
			}
			bridgeFiat = decimal.NewFromInt(1)
		}
		return toBridge.Mul(bridgeFiat), nil
	}

	return decimal.Zero, errors.Wrapf(domain.ErrNoData, "no fiat price for %s", asset)
}

// Value returns the fiat value of amount of asset.
func (v *Valuer) Value(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	price, err := v.FiatPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

// Valuation per-asset fiat values of a balance set.
type Valuation struct {
	Total  decimal.Decimal
	Values map[string]decimal.Decimal
	Prices map[string]decimal.Decimal
	// Unpriced assets skipped because no price could be found.
	Unpriced []string
}

// TotalPortfolioValue values every positive balance. Assets without a price are
// skipped and reported in Unpriced.
func (v *Valuer) TotalPortfolioValue(ctx context.Context, balances domain.Balances) (Valuation, error) {
	out := Valuation{
		Total:  decimal.Zero,
		Values: make(map[string]decimal.Decimal),
		Prices: make(map[string]decimal.Decimal),
	}

	for _, asset := range balances.Assets() {
		price, err := v.FiatPrice(ctx, asset)
		if err != nil {
			if ctx.Err() != nil {
				return Valuation{}, ctx.Err()
			}
			v.logger.Debug("asset has no fiat price", zap.String("asset", asset), zap.Error(err))
			out.Unpriced = append(out.Unpriced, asset)
			continue
		}

		value := balances.Get(asset).Mul(price)
		out.Values[asset] = value
		out.Prices[asset] = price
		out.Total = out.Total.Add(value)
	}
	sort.Strings(out.Unpriced)

	return out, nil
}
