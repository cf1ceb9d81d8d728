package position

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/allocator"
	"github.com/vadiminshakov/ceibe/internal/services/gateway"
	"github.com/vadiminshakov/ceibe/internal/services/gateway/gatewaytest"
	"github.com/vadiminshakov/ceibe/internal/services/radar"
	"github.com/vadiminshakov/ceibe/internal/services/router"
	"github.com/vadiminshakov/ceibe/internal/services/swap"
	"github.com/vadiminshakov/ceibe/internal/services/valuation"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
	"github.com/vadiminshakov/ceibe/internal/storage/swapjournal"
	"github.com/vadiminshakov/ceibe/internal/storage/timeseries"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	market  *gatewaytest.Market
	gateway *gateway.SimulateGateway
	router  *router.Router
	store   *timeseries.Store
	radar   *radar.Radar
	manager *Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	market := gatewaytest.NewMarket().
		SetPriceStr("BTC", "EUR", "50000").
		SetPriceStr("ETH", "EUR", "2000").
		SetPriceStr("ETH", "BTC", "0.04").
		SetPriceStr("SOL", "EUR", "100")

	gw, err := gateway.NewSimulateGateway(market, nil, domain.Balances{"EUR": d("1000")}, decimal.Zero, zap.NewNop())
	require.NoError(t, err)

	r := router.New("BNB", d("0.001"))
	require.NoError(t, r.Refresh(ctx, market))

	dir := t.TempDir()
	journal, err := swapjournal.Open(filepath.Join(dir, "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	store, err := timeseries.Open(filepath.Join(dir, "ceibe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	swapper := swap.New(swap.Config{Whitelist: []string{"BTC", "ETH"}, Fiats: []string{"EUR"}}, gw, r, journal, nil, zap.NewNop())
	rdr := radar.New()
	valuer := valuation.NewValuer("EUR", gw, r, valuation.NewPriceCache(time.Minute), zap.NewNop())

	alloc := allocator.New(allocator.Config{
		ReserveAsset:           "BNB",
		DefaultFiat:            "EUR",
		Fiats:                  []string{"EUR"},
		DiversificationTargets: []string{"BTC", "ETH"},
		PositionCapPercent:     d("25"),
		SwapFractionPercent:    d("25"),
		MinOrderValue:          d("10"),
		ReserveTargetPercent:   d("5"),
		ReserveWarningPercent:  d("2.5"),
		ReserveCriticalPercent: d("1"),
		SkimPercent:            d("5"),
		SkimMinProfitPercent:   d("1"),
	})

	m := NewManager(Config{
		DefaultFiat:                 "EUR",
		ReserveAsset:                "BNB",
		Fiats:                       []string{"EUR"},
		MaxSlots:                    3,
		MinOrderValue:               d("10"),
		HardStopPercent:             d("5"),
		RotationZonePercent:         d("2"),
		ProtectionActivationPercent: d("1"),
		TrailingActivationPercent:   d("3"),
		TrailingDropPercent:         d("0.5"),
		RotationHeatMargin:          10,
		JumpHeatMargin:              5,
		JumpProfitStep:              1,
	}, Deps{
		Store:     store,
		Swapper:   swapper,
		Radar:     rdr,
		Prices:    valuer,
		Allocator: alloc,
		Logger:    zap.NewNop(),
	})

	return fixture{market: market, gateway: gw, router: r, store: store, radar: rdr, manager: m}
}

func (f fixture) hot(asset string, heat, potential float64) {
	f.radar.Upsert(domain.RadarEntry{
		Origin:      "EUR",
		Destination: asset,
		Pair:        domain.NewPair(asset, "EUR"),
		Heat:        heat,
		Zone:        domain.ZoneFor(heat),
		Indicators:  domain.Indicators{ProfitPotential: potential},
		UpdatedAt:   time.Now(),
	})
}

func trade(t *testing.T, amount, initial, highest string) *domain.Trade {
	t.Helper()
	tr, err := domain.NewTrade(1, "SOL", "EUR", d(amount), d(initial), d("5"), time.Now())
	require.NoError(t, err)
	if highest != "" {
		tr.HighestPrice = d(highest)
	}
	return tr
}

func TestDecide_TrailingStopExample(t *testing.T) {
	f := newFixture(t)
	tr := trade(t, "1", "100", "105")

	dec := f.manager.Decide(tr, d("104.47"))
	assert.Equal(t, ActionTrailingStop, dec.Action)
	assert.True(t, dec.Trade.StopLoss.Equal(d("104.475")), "stop %s", dec.Trade.StopLoss)

	dec = f.manager.Decide(tr, d("104.50"))
	assert.Equal(t, ActionHold, dec.Action)
	assert.Equal(t, domain.StateTrailing, dec.Trade.State)
	assert.True(t, dec.Trade.StopLoss.Equal(d("104.475")))

	assert.True(t, tr.StopLoss.Equal(d("95")), "input trade untouched")
}

func TestDecide_StopNeverDecreases(t *testing.T) {
	f := newFixture(t)
	tr := trade(t, "1", "100", "")

	stop := tr.StopLoss
	for _, p := range []string{"101", "104", "103.6", "106", "105.6", "107", "106.5"} {
		dec := f.manager.Decide(tr, d(p))
		require.Equal(t, ActionHold, dec.Action, "price %s", p)
		assert.True(t, dec.Trade.StopLoss.GreaterThanOrEqual(stop), "stop fell at %s", p)
		stop = dec.Trade.StopLoss
		tr = dec.Trade
	}
	assert.True(t, tr.HighestPrice.Equal(d("107")))
	assert.True(t, stop.Equal(d("106.465")), "stop %s", stop)
}

func TestDecide_ProtectedStop(t *testing.T) {
	f := newFixture(t)
	tr := trade(t, "1", "100", "102")

	dec := f.manager.Decide(tr, d("101"))
	assert.Equal(t, ActionHold, dec.Action)
	assert.Equal(t, domain.StateProtected, dec.Trade.State)
	assert.True(t, dec.Trade.StopLoss.Equal(d("100")))

	dec = f.manager.Decide(tr, d("100"))
	assert.Equal(t, ActionProtectedStop, dec.Action)
}

func TestDecide_HardStopAndForceClose(t *testing.T) {
	f := newFixture(t)

	dec := f.manager.Decide(trade(t, "1", "100", ""), d("94"))
	assert.Equal(t, ActionHardStop, dec.Action)
	assert.True(t, dec.Profit.Equal(d("-6")))

	dec = f.manager.Decide(trade(t, "0.05", "5", ""), d("100"))
	assert.Equal(t, ActionForceClose, dec.Action)
}

func TestDecide_RotationBand(t *testing.T) {
	f := newFixture(t)
	f.hot("SOL", 50, 0)

	// nothing hot enough: hold, never jump while losing
	f.hot("BTC", 55, 10)
	dec := f.manager.Decide(trade(t, "1", "100", ""), d("97"))
	assert.Equal(t, ActionHold, dec.Action)

	// an armed trailing stop still fires inside the band
	dec = f.manager.Decide(trade(t, "1", "100", "104"), d("97"))
	assert.Equal(t, ActionTrailingStop, dec.Action)

	f.hot("ETH", 95, 0)
	dec = f.manager.Decide(trade(t, "1", "100", ""), d("97"))
	assert.Equal(t, ActionRotate, dec.Action)
	assert.Equal(t, "ETH", dec.Target)
}

func TestDecide_Jump(t *testing.T) {
	f := newFixture(t)
	f.hot("SOL", 60, 1)
	f.hot("BNB", 99, 9)
	f.hot("ETH", 64, 5)

	dec := f.manager.Decide(trade(t, "1", "100", ""), d("100"))
	assert.Equal(t, ActionHold, dec.Action, "heat margin not met")

	f.hot("ETH", 80, 1.5)
	dec = f.manager.Decide(trade(t, "1", "100", ""), d("100"))
	assert.Equal(t, ActionHold, dec.Action, "profit step not met")

	f.hot("ETH", 80, 3)
	dec = f.manager.Decide(trade(t, "1", "100", ""), d("100"))
	assert.Equal(t, ActionJump, dec.Action)
	assert.Equal(t, "ETH", dec.Target)
}

func TestOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	assert.True(t, tr.Amount.Equal(d("1")))
	assert.True(t, tr.InitialFiatValue.Equal(d("100")))
	assert.True(t, tr.EntryPrice.Equal(d("100")))
	assert.Equal(t, []string{"EUR", "SOL"}, tr.PathHistory)
	assert.True(t, f.manager.Holds("SOL"))
	assert.Equal(t, []int{2, 3}, f.manager.FreeSlots())

	_, err = f.manager.Open(ctx, 1, "ETH", d("100"))
	assert.True(t, errors.Is(err, ErrSlotBusy))

	_, err = f.manager.Open(ctx, 2, "ETH", d("5"))
	assert.True(t, errors.Is(err, domain.ErrBelowMinimum))

	_, err = f.manager.Open(ctx, 0, "ETH", d("100"))
	assert.Error(t, err)

	active, err := f.store.ActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "SOL", active[0].Asset)
}

func TestEvaluate_HardStopClosesToFiat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	f.market.SetPriceStr("SOL", "EUR", "94")

	dec, err := f.manager.Evaluate(ctx, 1, d("94"))
	require.NoError(t, err)
	assert.Equal(t, ActionHardStop, dec.Action)

	_, ok := f.manager.Trade(1)
	assert.False(t, ok)
	active, err := f.store.ActiveTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	bal, err := f.gateway.FetchBalances(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Get("EUR").Equal(d("994")), "EUR %s", bal.Get("EUR"))
}

func TestEvaluate_HoldPersistsRatchet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)

	dec, err := f.manager.Evaluate(ctx, 1, d("104"))
	require.NoError(t, err)
	require.Equal(t, ActionHold, dec.Action)

	active, err := f.store.ActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StateTrailing, active[0].State)
	assert.True(t, active[0].HighestPrice.Equal(d("104")))
	assert.True(t, active[0].StopLoss.Equal(d("103.48")), "stop %s", active[0].StopLoss)
}

func TestEvaluate_ConcurrentRatchetNeverDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)

	// every price stays above the trailing stop of the highest one
	prices := []string{"104", "104.45", "104.1", "104.5", "104.2", "104.35", "104.05", "104.4", "104.15", "104.3"}

	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			last := decimal.Zero
			for i := range prices {
				price := d(prices[(i+offset)%len(prices)])
				dec, err := f.manager.Evaluate(ctx, 1, price)
				assert.NoError(t, err)
				assert.Equal(t, ActionHold, dec.Action)

				tr, ok := f.manager.Trade(1)
				if !assert.True(t, ok) {
					return
				}
				assert.True(t, tr.StopLoss.GreaterThanOrEqual(last), "stop fell from %s to %s", last, tr.StopLoss)
				last = tr.StopLoss
			}
		}(worker * 3)
	}
	wg.Wait()

	active, err := f.store.ActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].HighestPrice.Equal(d("104.5")), "highest %s", active[0].HighestPrice)
	assert.True(t, active[0].StopLoss.Equal(d("103.9775")), "stop %s", active[0].StopLoss)
}

type recordingStore struct {
	*timeseries.Store
	mu     sync.Mutex
	states []domain.TradeState
}

func (r *recordingStore) UpdateTrade(ctx context.Context, trade *domain.Trade) error {
	r.mu.Lock()
	r.states = append(r.states, trade.State)
	r.mu.Unlock()
	return r.Store.UpdateTrade(ctx, trade)
}

func TestEvaluate_RotateContinuesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recordingStore{Store: f.store}
	f.manager.store = rec

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	f.hot("SOL", 50, 0)
	f.hot("ETH", 95, 0)
	f.market.SetPriceStr("SOL", "EUR", "97")

	dec, err := f.manager.Evaluate(ctx, 1, d("97"))
	require.NoError(t, err)
	require.Equal(t, ActionRotate, dec.Action)
	assert.Equal(t, "ETH", dec.Target)
	assert.Contains(t, rec.states, domain.StateRotating)

	history, err := f.store.TradeHistory(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, history, 2)

	next, prev := history[0], history[1]
	assert.True(t, next.Active)
	assert.Equal(t, "ETH", next.Asset)
	assert.Equal(t, domain.StateOpen, next.State)
	assert.True(t, next.Amount.Equal(d("0.0485")), "amount %s", next.Amount)
	assert.True(t, next.InitialFiatValue.Equal(d("100")))
	assert.Equal(t, []string{"EUR", "SOL", "ETH"}, next.PathHistory)

	assert.False(t, prev.Active)
	assert.Equal(t, "SOL", prev.Asset)
	assert.Equal(t, domain.StateClosed, prev.State)
}

func TestSettle_WithholdsReserveUnderTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPriceStr("BNB", "EUR", "300")
	require.NoError(t, f.router.Refresh(ctx, f.market))

	path := filepath.Join(t.TempDir(), "ledger.txt")
	events, err := ledger.Open(path)
	require.NoError(t, err)
	f.manager.ledger = events

	// reserve at 1% of 1000 investable: 40 EUR missing
	f.manager.SetReserveView(func() (domain.ReserveState, decimal.Decimal) {
		return f.manager.allocator.ReserveState(d("10"), d("1000")), d("1000")
	})

	_, err = f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	tr, ok := f.manager.Trade(1)
	require.True(t, ok)

	require.NoError(t, f.manager.settle(ctx, tr, "BNB", "EUR", d("0.5"), ledger.KindRotation))

	next, ok := f.manager.Trade(1)
	require.True(t, ok)
	assert.Equal(t, "BNB", next.Asset)
	want := d("0.5").Sub(d("40").Div(d("300")))
	assert.True(t, next.Amount.Equal(want), "amount %s want %s", next.Amount, want)

	require.NoError(t, events.Close())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), string(ledger.KindReserveWithhold))
}

func TestEvaluate_JumpKeepsBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	f.hot("ETH", 90, 5)

	dec, err := f.manager.Evaluate(ctx, 1, d("100"))
	require.NoError(t, err)
	require.Equal(t, ActionJump, dec.Action)

	tr, ok := f.manager.Trade(1)
	require.True(t, ok)
	assert.Equal(t, "ETH", tr.Asset)
	assert.Equal(t, "EUR", tr.Quote)
	assert.True(t, tr.Amount.Equal(d("0.05")), "amount %s", tr.Amount)
	assert.True(t, tr.InitialFiatValue.Equal(d("100")))
	assert.Equal(t, []string{"EUR", "SOL", "ETH"}, tr.PathHistory)
	assert.Equal(t, domain.StateOpen, tr.State)

	active, err := f.store.ActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ETH", active[0].Asset)
}

func TestEvaluate_EmergencyReserveOnlyProtects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.SetReserveView(func() (domain.ReserveState, decimal.Decimal) {
		return f.manager.allocator.ReserveState(d("5"), d("1000")), d("1000")
	})

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	f.hot("ETH", 90, 5)

	dec, err := f.manager.Evaluate(ctx, 1, d("100"))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, dec.Action)
	tr, ok := f.manager.Trade(1)
	require.True(t, ok)
	assert.Equal(t, "SOL", tr.Asset)

	dec, err = f.manager.Evaluate(ctx, 1, d("94"))
	require.NoError(t, err)
	assert.Equal(t, ActionHardStop, dec.Action)
	_, ok = f.manager.Trade(1)
	assert.False(t, ok)
}

func TestEvaluate_ProfitableJumpSkims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)
	f.market.SetPriceStr("SOL", "EUR", "110")
	f.hot("BTC", 90, 5)

	dec, err := f.manager.Evaluate(ctx, 1, d("110"))
	require.NoError(t, err)
	require.Equal(t, ActionJump, dec.Action)

	tr, ok := f.manager.Trade(1)
	require.True(t, ok)
	assert.Equal(t, "BTC", tr.Asset)
	assert.True(t, tr.Amount.Equal(d("0.00209")), "amount %s", tr.Amount)

	treasury, fiat, err := f.store.TreasuryHoldings(ctx)
	require.NoError(t, err)
	assert.True(t, treasury.Get("BTC").Equal(d("0.00011")), "treasury %s", treasury.Get("BTC"))
	assert.True(t, fiat.Equal(d("5.5")), "fiat %s", fiat)
}

func TestEvaluate_BelowExchangeMinimumDeactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dust, err := domain.NewTrade(2, "SOL", "EUR", d("0.05"), d("5"), d("5"), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTrade(ctx, dust))

	n, err := f.manager.RecoverActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.market.SetMarket(domain.Market{Pair: domain.NewPair("SOL", "EUR"), Active: true, MinQty: d("1")})
	require.NoError(t, f.router.Refresh(ctx, f.market))

	dec, err := f.manager.Evaluate(ctx, 2, d("100"))
	require.NoError(t, err)
	assert.Equal(t, ActionForceClose, dec.Action)

	_, ok := f.manager.Trade(2)
	assert.False(t, ok)
	active, err := f.store.ActiveTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAdoptExisting(t *testing.T) {
	f := newFixture(t)

	n, err := f.manager.AdoptExisting(context.Background(), []allocator.Holding{
		{Asset: "EUR", Amount: d("500"), Value: d("500")},
		{Asset: "BNB", Amount: d("1"), Value: d("300")},
		{Asset: "DOGE", Amount: d("10"), Value: d("5")},
		{Asset: "SOL", Amount: d("2"), Value: d("200")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tr, ok := f.manager.Trade(1)
	require.True(t, ok)
	assert.Equal(t, "SOL", tr.Asset)
	assert.True(t, tr.EntryPrice.Equal(d("100")))

	n, err = f.manager.AdoptExisting(context.Background(), []allocator.Holding{{Asset: "SOL", Amount: d("2"), Value: d("200")}})
	require.NoError(t, err)
	assert.Zero(t, n, "already held")
}

func TestReduce_ShrinksTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, 1, "SOL", d("100"))
	require.NoError(t, err)

	res, err := f.manager.Reduce(ctx, "SOL", d("0.25"), "EUR", ledger.KindOverexposure)
	require.NoError(t, err)
	assert.True(t, res.Received.Equal(d("25")))

	tr, ok := f.manager.Trade(1)
	require.True(t, ok)
	assert.True(t, tr.Amount.Equal(d("0.75")))
	assert.True(t, tr.InitialFiatValue.Equal(d("75")))
	assert.True(t, tr.EntryPrice.Equal(d("100")))

	_, err = f.manager.Reduce(ctx, "SOL", d("0.75"), "EUR", ledger.KindOverexposure)
	require.NoError(t, err)
	_, ok = f.manager.Trade(1)
	assert.False(t, ok)
}
