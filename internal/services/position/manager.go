// Package position owns the slot trades and their state machine: open,
// monitor, ratchet, rotate and close.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/metrics"
	"github.com/vadiminshakov/ceibe/internal/services/allocator"
	"github.com/vadiminshakov/ceibe/internal/services/radar"
	"github.com/vadiminshakov/ceibe/internal/services/router"
	"github.com/vadiminshakov/ceibe/internal/services/swap"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
)

// ErrSlotBusy slot already holds an active trade.
var ErrSlotBusy = errors.New("slot busy")

// Store trade and treasury persistence.
type Store interface {
	CreateTrade(ctx context.Context, trade *domain.Trade) error
	UpdateTrade(ctx context.Context, trade *domain.Trade) error
	DeactivateTrade(ctx context.Context, trade *domain.Trade) error
	ActiveTrades(ctx context.Context) ([]*domain.Trade, error)
	AddTreasury(ctx context.Context, entry domain.TreasuryEntry) (int64, error)
}

// Swapper routed conversions.
type Swapper interface {
	Swap(ctx context.Context, req swap.Request) (swap.Result, error)
	Route(from, to string, preferLowFees bool) (router.Route, error)
}

// Pricer fiat prices.
type Pricer interface {
	FiatPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// ReserveView returns the reserve state and investable capital of the last tick.
type ReserveView func() (domain.ReserveState, decimal.Decimal)

// Config position policy. Percentages are in percent.
type Config struct {
	DefaultFiat                 string
	ReserveAsset                string
	Fiats                       []string
	MaxSlots                    int
	MinOrderValue               decimal.Decimal
	HardStopPercent             decimal.Decimal
	RotationZonePercent         decimal.Decimal
	ProtectionActivationPercent decimal.Decimal
	TrailingActivationPercent   decimal.Decimal
	TrailingDropPercent         decimal.Decimal
	RotationHeatMargin          float64
	JumpHeatMargin              float64
	JumpProfitStep              float64
}

// Manager sole owner of trade mutation. Transitions of one slot are serialized
// by the slot lock; different slots proceed independently.
type Manager struct {
	cfg       Config
	fiats     map[string]bool
	store     Store
	swapper   Swapper
	radar     *radar.Radar
	prices    Pricer
	allocator *allocator.Allocator
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	slots []sync.Mutex

	mu      sync.RWMutex
	trades  map[int]*domain.Trade
	reserve ReserveView
}

// Deps collaborators of a Manager. Ledger and Metrics may be nil.
type Deps struct {
	Store     Store
	Swapper   Swapper
	Radar     *radar.Radar
	Prices    Pricer
	Allocator *allocator.Allocator
	Ledger    *ledger.Ledger
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func NewManager(cfg Config, deps Deps) *Manager {
	fiats := make(map[string]bool, len(cfg.Fiats))
	for _, f := range cfg.Fiats {
		fiats[f] = true
	}
	fiats[cfg.DefaultFiat] = true

	l := deps.Ledger
	if l == nil {
		l = ledger.Nop()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:       cfg,
		fiats:     fiats,
		store:     deps.Store,
		swapper:   deps.Swapper,
		radar:     deps.Radar,
		prices:    deps.Prices,
		allocator: deps.Allocator,
		ledger:    l,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
		slots:     make([]sync.Mutex, cfg.MaxSlots+1),
		trades:    make(map[int]*domain.Trade),
	}
}

// SetReserveView installs the source of the current reserve state.
func (m *Manager) SetReserveView(view ReserveView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserve = view
}

func (m *Manager) reserveState() (domain.ReserveState, decimal.Decimal) {
	m.mu.RLock()
	view := m.reserve
	m.mu.RUnlock()
	if view == nil {
		return domain.ReserveState{}, decimal.Zero
	}
	return view()
}

func (m *Manager) preferLowFees() bool {
	state, _ := m.reserveState()
	return m.allocator.PreferLowFees(state)
}

func (m *Manager) lock(slot int) (func(), error) {
	if slot < 1 || slot >= len(m.slots) {
		return nil, fmt.Errorf("slot %d out of range 1..%d", slot, m.cfg.MaxSlots)
	}
	m.slots[slot].Lock()
	return m.slots[slot].Unlock, nil
}

// Route resolves the conversion path the manager would use right now.
func (m *Manager) Route(from, to string) (router.Route, error) {
	return m.swapper.Route(from, to, m.preferLowFees())
}

// Trade returns a copy of the active trade of slot.
func (m *Manager) Trade(slot int) (*domain.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[slot]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Trades returns copies of all active trades ordered by slot.
func (m *Manager) Trades() []*domain.Trade {
	m.mu.RLock()
	out := make([]*domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out
}

// FreeSlots returns the slots without an active trade.
func (m *Manager) FreeSlots() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	for slot := 1; slot <= m.cfg.MaxSlots; slot++ {
		if _, ok := m.trades[slot]; !ok {
			out = append(out, slot)
		}
	}
	return out
}

// Holds reports whether an active trade holds asset.
func (m *Manager) Holds(asset string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t.Asset == asset {
			return true
		}
	}
	return false
}

// SlotOf returns the slot whose trade holds asset.
func (m *Manager) SlotOf(asset string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for slot, t := range m.trades {
		if t.Asset == asset {
			return slot, true
		}
	}
	return 0, false
}

func (m *Manager) set(t *domain.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Active {
		m.trades[t.SlotID] = t
		return
	}
	if cur, ok := m.trades[t.SlotID]; ok && cur == t {
		delete(m.trades, t.SlotID)
	}
}

func (m *Manager) drop(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trades, slot)
}

// RecoverActive loads the active trades persisted by a previous run.
func (m *Manager) RecoverActive(ctx context.Context) (int, error) {
	trades, err := m.store.ActiveTrades(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load active trades")
	}

	n := 0
	for _, t := range trades {
		if t.SlotID < 1 || t.SlotID > m.cfg.MaxSlots {
			m.logger.Warn("active trade outside slot range", zap.Int("slot", t.SlotID), zap.String("asset", t.Asset))
			continue
		}
		m.set(t)
		n++
		m.logger.Info("trade recovered", zap.String("trade", t.String()))
	}
	return n, nil
}

// AdoptExisting opens trades for held assets worth at least the minimum order
// that no slot backs yet, valued at their current fiat value.
func (m *Manager) AdoptExisting(ctx context.Context, holdings []allocator.Holding) (int, error) {
	sorted := append([]allocator.Holding(nil), holdings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value.GreaterThan(sorted[j].Value) })

	n := 0
	for _, h := range sorted {
		if m.fiats[h.Asset] || h.Asset == m.cfg.ReserveAsset || m.Holds(h.Asset) {
			continue
		}
		if h.Value.LessThan(m.cfg.MinOrderValue) {
			continue
		}
		free := m.FreeSlots()
		if len(free) == 0 {
			break
		}

		slot := free[0]
		unlock, err := m.lock(slot)
		if err != nil {
			return n, err
		}
		t, err := domain.NewTrade(slot, h.Asset, m.cfg.DefaultFiat, h.Amount, h.Value, m.cfg.HardStopPercent, m.now())
		if err == nil {
			err = m.store.CreateTrade(ctx, t)
		}
		unlock()
		if err != nil {
			return n, errors.Wrapf(err, "adopt %s", h.Asset)
		}

		m.set(t)
		n++
		m.ledger.Record(ledger.KindPositionAdopted, "existing balance adopted",
			zap.Int("slot", slot),
			zap.String("asset", h.Asset),
			zap.String("amount", h.Amount.String()),
			zap.String("value", h.Value.StringFixed(2)),
		)
	}
	return n, nil
}

// Open buys asset with fiatAmount of the default fiat into a free slot.
func (m *Manager) Open(ctx context.Context, slot int, asset string, fiatAmount decimal.Decimal) (*domain.Trade, error) {
	unlock, err := m.lock(slot)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, busy := m.Trade(slot); busy {
		return nil, errors.Wrapf(ErrSlotBusy, "slot %d", slot)
	}
	if fiatAmount.LessThan(m.cfg.MinOrderValue) {
		return nil, errors.Wrapf(domain.ErrBelowMinimum, "open %s with %s", asset, fiatAmount.StringFixed(2))
	}

	res, err := m.swapper.Swap(ctx, swap.Request{
		Kind:          string(ledger.KindOpen),
		SlotID:        slot,
		From:          m.cfg.DefaultFiat,
		To:            asset,
		Amount:        fiatAmount,
		PreferLowFees: m.preferLowFees(),
	})
	if err != nil {
		return nil, err
	}

	spent := fiatAmount
	if len(res.Fills) > 0 {
		spent = spentOf(res.Fills[0])
	}
	t, err := domain.NewTrade(slot, asset, lastQuote(res.Route), res.Received, spent, m.cfg.HardStopPercent, m.now())
	if err != nil {
		return nil, err
	}
	t.PathHistory = res.Route.Assets()
	if err := m.store.CreateTrade(ctx, t); err != nil {
		return nil, errors.Wrap(err, "persist opened trade")
	}
	m.set(t)

	m.ledger.Record(ledger.KindOpen, "position opened",
		zap.Int("slot", slot),
		zap.String("asset", asset),
		zap.String("amount", t.Amount.String()),
		zap.String("fiat", spent.StringFixed(2)),
		zap.String("route", res.Route.String()),
	)
	return t.Clone(), nil
}

// spentOf returns the amount paid by the first leg, in the asset given up.
func spentOf(f domain.Fill) decimal.Decimal {
	if f.Side == domain.SideBuy {
		return f.QuoteAmount
	}
	return f.BaseAmount
}

// lastQuote returns the asset paid in the last leg of a route.
func lastQuote(r router.Route) string {
	if len(r.Legs) == 0 {
		return r.From
	}
	return r.Legs[len(r.Legs)-1].From
}
