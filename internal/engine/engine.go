// Package engine wires the radar, scheduler, position manager and allocator
// into one running system.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/metrics"
	"github.com/vadiminshakov/ceibe/internal/services/allocator"
	"github.com/vadiminshakov/ceibe/internal/services/position"
	"github.com/vadiminshakov/ceibe/internal/services/radar"
	"github.com/vadiminshakov/ceibe/internal/services/router"
	"github.com/vadiminshakov/ceibe/internal/services/scheduler"
	"github.com/vadiminshakov/ceibe/internal/services/valuation"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
	"github.com/vadiminshakov/ceibe/internal/storage/snapshot"
	"github.com/vadiminshakov/ceibe/pkg/retrier"
)

const (
	taskTick      = "engine:tick"
	taskSnapshot  = "snapshot:write"
	taskPortfolio = "portfolio:snapshot"
	zonePrefix    = "zone:"
)

// Store persistence used by the engine directly.
type Store interface {
	TreasuryHoldings(ctx context.Context) (domain.Balances, decimal.Decimal, error)
	AppendPortfolio(ctx context.Context, snap domain.PortfolioSnapshot) error
}

// Config engine cadence and policy.
type Config struct {
	Mode                   string
	ReadOnly               bool
	Whitelist              []string
	DefaultFiat            string
	ReserveAsset           string
	DiversificationTargets []string
	EntryHeatThreshold     float64

	TickInterval      time.Duration
	ZoneIntervals     map[domain.Zone]time.Duration
	TrackingInterval  time.Duration
	SnapshotInterval  time.Duration
	PortfolioInterval time.Duration
	RadarTTL          time.Duration
}

// Components collaborators of the engine. Ledger, Metrics and Snapshots may be nil.
type Components struct {
	Gateway   domain.Gateway
	Store     Store
	Router    *router.Router
	Ranker    *radar.Ranker
	Valuer    *valuation.Valuer
	Allocator *allocator.Allocator
	Positions *position.Manager
	Scheduler *scheduler.Scheduler
	Snapshots *snapshot.Writer
	Ledger    *ledger.Ledger
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// State capital picture computed at the start of a tick.
type State struct {
	At           time.Time
	Balances     domain.Balances
	Operable     domain.Balances
	Treasury     domain.Balances
	TreasuryFiat decimal.Decimal
	Valuation    valuation.Valuation
	Skimmed      decimal.Decimal
	Investable   decimal.Decimal
	Reserve      domain.ReserveState
}

// FreeCash returns the operable balance of fiat.
func (s State) FreeCash(fiat string) decimal.Decimal {
	return s.Operable.Get(fiat)
}

// Engine single context object holding every component.
type Engine struct {
	cfg Config

	gateway   domain.Gateway
	store     Store
	router    *router.Router
	ranker    *radar.Ranker
	radar     *radar.Radar
	valuer    *valuation.Valuer
	allocator *allocator.Allocator
	positions *position.Manager
	scheduler *scheduler.Scheduler
	snapshots *snapshot.Writer
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	logger    *zap.Logger
	retrier   *retrier.Retrier

	whitelist map[string]bool

	tickMu sync.Mutex

	mu    sync.RWMutex
	state State
}

func New(cfg Config, c Components) *Engine {
	l := c.Ledger
	if l == nil {
		l = ledger.Nop()
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	whitelist := make(map[string]bool, len(cfg.Whitelist))
	for _, a := range cfg.Whitelist {
		whitelist[a] = true
	}

	retry := retrier.New(
		retrier.WithMaxRetries(2),
		retrier.WithRetryIf(domain.Retryable),
		retrier.WithNotify(func(attempt int, err error, wait time.Duration) {
			logger.Warn("retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)

	e := &Engine{
		cfg:       cfg,
		gateway:   c.Gateway,
		store:     c.Store,
		router:    c.Router,
		ranker:    c.Ranker,
		radar:     c.Ranker.Radar(),
		valuer:    c.Valuer,
		allocator: c.Allocator,
		positions: c.Positions,
		scheduler: c.Scheduler,
		snapshots: c.Snapshots,
		ledger:    l,
		metrics:   c.Metrics,
		logger:    logger,
		retrier:   retry,
		whitelist: whitelist,
	}
	c.Positions.SetReserveView(e.reserveView)
	return e
}

// State returns the capital picture of the last tick.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) reserveView() (domain.ReserveState, decimal.Decimal) {
	s := e.State()
	return s.Reserve, s.Investable
}

// Register installs the periodic tasks on the scheduler and starts tracking
// the assets of recovered and adopted slots.
func (e *Engine) Register() {
	e.scheduler.SetTracker(e.cfg.TrackingInterval, e.tracker)
	e.scheduler.Register(taskTick, e.cfg.TickInterval, e.tickTask)
	e.scheduler.Register(taskSnapshot, e.cfg.SnapshotInterval, func(ctx context.Context) (bool, error) {
		_, err := e.WriteSnapshot(ctx, false)
		return false, err
	})
	e.scheduler.Register(taskPortfolio, e.cfg.PortfolioInterval, func(ctx context.Context) (bool, error) {
		return false, e.RecordPortfolio(ctx)
	})
	for _, zone := range domain.Zones {
		interval, ok := e.cfg.ZoneIntervals[zone]
		if !ok {
			continue
		}
		zone := zone
		e.scheduler.Register(zonePrefix+string(zone), interval, func(ctx context.Context) (bool, error) {
			return false, e.Sweep(ctx, zone)
		})
	}
	e.TrackHeld()
}

// Run starts the scheduler and the maintenance loop and blocks until ctx is
// cancelled. A final snapshot is written on the way out.
func (e *Engine) Run(ctx context.Context, maintenance *scheduler.Maintenance) error {
	e.Register()
	e.logger.Info("engine started",
		zap.String("mode", e.cfg.Mode),
		zap.Bool("read_only", e.cfg.ReadOnly),
		zap.Duration("tick", e.cfg.TickInterval),
		zap.Strings("tasks", e.scheduler.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(gctx) })
	if maintenance != nil {
		g.Go(func() error { return maintenance.Run(gctx) })
	}
	err := g.Wait()

	final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, serr := e.WriteSnapshot(final, true); serr != nil {
		e.logger.Warn("final snapshot", zap.Error(serr))
	}
	e.logger.Info("engine stopped")
	return err
}

// MaintenanceJobs returns the background jobs: radar eviction, market index
// refresh and a disk usage check over diskPaths.
func (e *Engine) MaintenanceJobs(diskLimit int64, diskPaths ...string) []scheduler.Job {
	return []scheduler.Job{
		{Name: "radar:evict", Fn: func(context.Context) error {
			if n := e.radar.Evict(e.cfg.RadarTTL, time.Now()); n > 0 {
				e.logger.Info("radar entries evicted", zap.Int("count", n))
			}
			e.metrics.SetRadarEntries(e.radar.Len())
			return nil
		}},
		{Name: "router:refresh", Fn: func(ctx context.Context) error {
			return e.retrier.Do(ctx, func(ctx context.Context) error {
				return e.router.Refresh(ctx, e.gateway)
			})
		}},
		scheduler.DiskCheckJob(diskLimit, e.logger, diskPaths...),
	}
}

// Refresh recomputes balances, valuation, investable capital and the reserve
// state, and stores the result as the current state.
func (e *Engine) Refresh(ctx context.Context) (State, error) {
	balances, err := e.gateway.FetchBalances(ctx)
	if err != nil {
		return State{}, errors.Wrap(err, "fetch balances")
	}
	treasury, treasuryFiat, err := e.store.TreasuryHoldings(ctx)
	if err != nil {
		return State{}, errors.Wrap(err, "load treasury")
	}

	val, err := e.valuer.TotalPortfolioValue(ctx, balances)
	if err != nil {
		return State{}, errors.Wrap(err, "value portfolio")
	}

	skimmed := decimal.Zero
	for asset, amount := range treasury {
		if price, ok := val.Prices[asset]; ok {
			skimmed = skimmed.Add(amount.Mul(price))
		}
	}

	operable := allocator.Operable(balances, treasury)
	investable := e.allocator.InvestableCapital(val.Total, skimmed)
	reserveValue := operable.Get(e.cfg.ReserveAsset).Mul(val.Prices[e.cfg.ReserveAsset])

	s := State{
		At:           time.Now(),
		Balances:     balances,
		Operable:     operable,
		Treasury:     treasury,
		TreasuryFiat: treasuryFiat,
		Valuation:    val,
		Skimmed:      skimmed,
		Investable:   investable,
		Reserve:      e.allocator.ReserveState(reserveValue, investable),
	}

	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	e.metrics.SetPortfolioValue(val.Total.InexactFloat64())
	e.metrics.SetReservePercent(s.Reserve.Percent.InexactFloat64())
	return s, nil
}

// Holdings returns the operable balances of s as valued holdings.
func (e *Engine) Holdings(s State) []allocator.Holding {
	var out []allocator.Holding
	for _, asset := range s.Operable.Assets() {
		price, ok := s.Valuation.Prices[asset]
		if !ok {
			continue
		}
		amount := s.Operable.Get(asset)
		out = append(out, allocator.Holding{Asset: asset, Amount: amount, Value: amount.Mul(price)})
	}
	return out
}

// RecordPortfolio appends a portfolio snapshot to the time series.
func (e *Engine) RecordPortfolio(ctx context.Context) error {
	s, err := e.Refresh(ctx)
	if err != nil {
		return err
	}
	return e.store.AppendPortfolio(ctx, domain.PortfolioSnapshot{
		Time:       s.At,
		TotalValue: s.Valuation.Total,
		FreeCash:   s.FreeCash(e.cfg.DefaultFiat),
		Balances:   s.Balances,
	})
}

// Sweep rescans every whitelisted asset currently in zone and promotes hot
// ones to high-frequency tracking. Unknown assets belong to the frozen sweep.
func (e *Engine) Sweep(ctx context.Context, zone domain.Zone) error {
	var assets []string
	for _, asset := range e.cfg.Whitelist {
		if e.radar.ZoneOf(asset) == zone {
			assets = append(assets, asset)
		}
	}
	if len(assets) == 0 {
		return nil
	}

	entries, err := e.ranker.Scan(ctx, assets)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Zone == domain.ZoneHot && e.whitelist[entry.Destination] {
			e.scheduler.Promote(entry.Destination)
		}
	}
	e.logger.Debug("zone swept", zap.String("zone", string(zone)), zap.Int("assets", len(assets)), zap.Int("entries", len(entries)))
	return nil
}

// tracker builds the high-frequency task of asset. It refreshes the asset's
// prices, evaluates the slot holding it and finishes once the asset is
// neither hot nor held.
func (e *Engine) tracker(asset string) scheduler.TaskFunc {
	return func(ctx context.Context) (bool, error) {
		slot, held := e.positions.SlotOf(asset)
		if !held && e.radar.ZoneOf(asset) != domain.ZoneHot {
			return true, nil
		}

		for _, pair := range e.ranker.Pairs(asset) {
			t, err := e.gateway.FetchTicker(ctx, pair)
			if err != nil {
				e.logger.Debug("tracking ticker", zap.String("pair", pair.String()), zap.Error(err))
				continue
			}
			e.valuer.Cache().Set(pair, t.Last)
		}

		if !held || e.cfg.ReadOnly {
			return false, nil
		}
		price, err := e.valuer.FiatPrice(ctx, asset)
		if err != nil {
			return false, err
		}
		_, err = e.positions.Evaluate(ctx, slot, price)
		return false, err
	}
}

func (e *Engine) tickTask(ctx context.Context) (bool, error) {
	_, err := e.Tick(ctx)
	return false, err
}
