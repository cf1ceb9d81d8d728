// Package router finds the cheapest conversion path between two assets over
// the listed markets.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// MarketLister lists exchange markets.
type MarketLister interface {
	Markets(ctx context.Context) ([]domain.Market, error)
}

// Leg single order of a route.
type Leg struct {
	Pair domain.Pair
	Side domain.Side
	From string
	To   string
	Fee  decimal.Decimal
}

// Route conversion path from one asset to another.
type Route struct {
	From         string
	To           string
	Intermediate string
	Legs         []Leg
	// Fee combined taker fee estimate of every leg.
	Fee decimal.Decimal
}

// Pair returns the primary (first leg) pair.
func (r Route) Pair() domain.Pair {
	if len(r.Legs) == 0 {
		return domain.Pair{}
	}
	return r.Legs[0].Pair
}

// Hops returns the number of orders needed.
func (r Route) Hops() int {
	return len(r.Legs)
}

// Assets returns the visited assets in order.
func (r Route) Assets() []string {
	out := []string{r.From}
	if r.Intermediate != "" {
		out = append(out, r.Intermediate)
	}
	return append(out, r.To)
}

// String returns the route as "A -> B -> C".
func (r Route) String() string {
	return strings.Join(r.Assets(), " -> ")
}

// Router route finder over a cached market index. Safe for concurrent use.
type Router struct {
	reserveAsset string
	defaultFee   decimal.Decimal

	mu      sync.RWMutex
	markets map[domain.Pair]domain.Market
}

// New creates a router that never routes through reserveAsset.
func New(reserveAsset string, defaultFee decimal.Decimal) *Router {
	return &Router{
		reserveAsset: reserveAsset,
		defaultFee:   defaultFee,
		markets:      make(map[domain.Pair]domain.Market),
	}
}

// Refresh reloads the market index from lister.
func (r *Router) Refresh(ctx context.Context, lister MarketLister) error {
	markets, err := lister.Markets(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh markets")
	}
	r.SetMarkets(markets)
	return nil
}

// SetMarkets replaces the market index.
func (r *Router) SetMarkets(markets []domain.Market) {
	index := make(map[domain.Pair]domain.Market, len(markets))
	for _, m := range markets {
		index[m.Pair] = m
	}

	r.mu.Lock()
	r.markets = index
	r.mu.Unlock()
}

// Size returns the number of indexed markets.
func (r *Router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// Market returns the active market trading a against b in either orientation.
func (r *Router) Market(a, b string) (domain.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.market(a, b)
}

func (r *Router) market(a, b string) (domain.Market, bool) {
	if m, ok := r.markets[domain.Pair{From: a, To: b}]; ok && m.Active {
		return m, true
	}
	if m, ok := r.markets[domain.Pair{From: b, To: a}]; ok && m.Active {
		return m, true
	}
	return domain.Market{}, false
}

func (r *Router) leg(from, to string) (Leg, bool) {
	m, ok := r.market(from, to)
	if !ok {
		return Leg{}, false
	}
	fee := m.TakerFee
	if fee.IsZero() {
		fee = r.defaultFee
	}
	side := domain.SideBuy
	if m.Pair.From == from {
		side = domain.SideSell
	}
	return Leg{Pair: m.Pair, Side: side, From: from, To: to, Fee: fee}, true
}

// FindRoute returns the best path from one asset to another. Direct pairs win
// outright; then two-hop routes through allow-listed non-settlement assets,
// cheapest combined fee first when preferLowFees is set; settlement assets are
// the last resort. Returns domain.ErrNoRoute when nothing connects them.
func (r *Router) FindRoute(from, to string, whitelist, fiats []string, preferLowFees bool) (Route, error) {
	if from == to {
		return Route{}, errors.Wrapf(domain.ErrNoRoute, "%s to itself", from)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if leg, ok := r.leg(from, to); ok {
		return Route{From: from, To: to, Legs: []Leg{leg}, Fee: leg.Fee}, nil
	}

	isFiat := make(map[string]bool, len(fiats))
	for _, f := range fiats {
		isFiat[f] = true
	}

	var crypto []string
	for _, asset := range whitelist {
		if !isFiat[asset] {
			crypto = append(crypto, asset)
		}
	}
	if route, ok := r.bestTwoHop(from, to, crypto, preferLowFees); ok {
		return route, nil
	}
	if route, ok := r.bestTwoHop(from, to, fiats, preferLowFees); ok {
		return route, nil
	}

	return Route{}, errors.Wrapf(domain.ErrNoRoute, "%s -> %s", from, to)
}

func (r *Router) bestTwoHop(from, to string, candidates []string, preferLowFees bool) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, mid := range candidates {
		if mid == from || mid == to || mid == r.reserveAsset {
			continue
		}
		first, ok := r.leg(from, mid)
		if !ok {
			continue
		}
		second, ok := r.leg(mid, to)
		if !ok {
			continue
		}

		route := Route{
			From:         from,
			To:           to,
			Intermediate: mid,
			Legs:         []Leg{first, second},
			Fee:          first.Fee.Add(second.Fee),
		}
		if !preferLowFees {
			return route, true
		}
		if !found || route.Fee.LessThan(best.Fee) {
			best, found = route, true
		}
	}
	return best, found
}
