// Package gatewaytest provides an in-memory market for tests.
package gatewaytest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// Market static market data source. Listing a price lists the market.
type Market struct {
	mu      sync.RWMutex
	tickers map[domain.Pair]domain.Ticker
	candles map[domain.Pair][]domain.Candle
	markets map[domain.Pair]domain.Market
	errs    map[domain.Pair]error
	calls   map[domain.Pair]int
}

// NewMarket creates an empty market.
func NewMarket() *Market {
	return &Market{
		tickers: make(map[domain.Pair]domain.Ticker),
		candles: make(map[domain.Pair][]domain.Candle),
		markets: make(map[domain.Pair]domain.Market),
		errs:    make(map[domain.Pair]error),
		calls:   make(map[domain.Pair]int),
	}
}

// SetPrice lists pair at price.
func (m *Market) SetPrice(pair domain.Pair, price decimal.Decimal) *Market {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickers[pair] = domain.Ticker{Pair: pair, Last: price, Time: time.Now()}
	if _, ok := m.markets[pair]; !ok {
		m.markets[pair] = domain.Market{Pair: pair, Active: true, TakerFee: decimal.RequireFromString("0.001")}
	}
	return m
}

// SetPriceStr lists pair at a price given as a string.
func (m *Market) SetPriceStr(from, to, price string) *Market {
	return m.SetPrice(domain.NewPair(from, to), decimal.RequireFromString(price))
}

// SetTicker stores a full ticker.
func (m *Market) SetTicker(t domain.Ticker) {
	m.SetPrice(t.Pair, t.Last)
	m.mu.Lock()
	m.tickers[t.Pair] = t
	m.mu.Unlock()
}

// SetMarket overrides the trading rules of a pair.
func (m *Market) SetMarket(market domain.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[market.Pair] = market
}

// SetCandles stores candles returned for pair.
func (m *Market) SetCandles(pair domain.Pair, candles []domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[pair] = candles
}

// Fail makes every call for pair return err; nil clears it.
func (m *Market) Fail(pair domain.Pair, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, pair)
		return
	}
	m.errs[pair] = err
}

// Calls returns how many ticker and candle requests were made for pair.
func (m *Market) Calls(pair domain.Pair) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[pair]
}

func (m *Market) FetchTicker(_ context.Context, pair domain.Pair) (domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[pair]++
	if err := m.errs[pair]; err != nil {
		return domain.Ticker{}, err
	}
	t, ok := m.tickers[pair]
	if !ok {
		return domain.Ticker{}, errors.Wrapf(domain.ErrNoData, "no ticker for %s", pair.String())
	}
	return t, nil
}

func (m *Market) FetchCandles(_ context.Context, pair domain.Pair, _ string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[pair]++
	if err := m.errs[pair]; err != nil {
		return nil, err
	}
	c := m.candles[pair]
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]domain.Candle(nil), c...), nil
}

func (m *Market) RoundToPrecision(_ context.Context, pair domain.Pair, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.markets[pair].RoundAmount(amount), nil
}

func (m *Market) Markets(_ context.Context) ([]domain.Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Market, 0, len(m.markets))
	for _, market := range m.markets {
		out = append(out, market)
	}
	return out, nil
}

// Candles builds n hourly candles from closes with a flat volume, except the
// last candle which gets lastVolume.
func Candles(closes []float64, volume, lastVolume float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	start := time.Now().Add(-time.Duration(len(closes)) * time.Hour)
	for i, c := range closes {
		v := volume
		if i == len(closes)-1 {
			v = lastVolume
		}
		price := decimal.NewFromFloat(c)
		out[i] = domain.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   decimal.NewFromFloat(v),
		}
	}
	return out
}
