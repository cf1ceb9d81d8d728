// Command ceibe runs the autonomous capital-allocation engine: it ranks
// assets by heat, holds positions in a fixed number of slots, rotates them
// along routed swaps and keeps a reserve asset topped up.
//
// Usage:
//
//	ceibe --config config.yaml
//	ceibe --platform simulate --metrics :9102
//
// Required environment variables for the binance platform (a .env file in the
// working directory is loaded when present):
//
//	BINANCE_API_KEY, BINANCE_API_SECRET
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/config"
	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/engine"
	"github.com/vadiminshakov/ceibe/internal/metrics"
	"github.com/vadiminshakov/ceibe/internal/services/allocator"
	"github.com/vadiminshakov/ceibe/internal/services/gateway"
	"github.com/vadiminshakov/ceibe/internal/services/position"
	"github.com/vadiminshakov/ceibe/internal/services/radar"
	"github.com/vadiminshakov/ceibe/internal/services/router"
	"github.com/vadiminshakov/ceibe/internal/services/scheduler"
	"github.com/vadiminshakov/ceibe/internal/services/signals"
	"github.com/vadiminshakov/ceibe/internal/services/swap"
	"github.com/vadiminshakov/ceibe/internal/services/valuation"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
	"github.com/vadiminshakov/ceibe/internal/storage/simstate"
	"github.com/vadiminshakov/ceibe/internal/storage/snapshot"
	"github.com/vadiminshakov/ceibe/internal/storage/swapjournal"
	"github.com/vadiminshakov/ceibe/internal/storage/timeseries"
	"github.com/vadiminshakov/ceibe/pkg/retrier"
)

const priceCacheTTL = time.Minute

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("engine failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := timeseries.Open(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	events, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	defer events.Close()

	journal, err := swapjournal.Open(cfg.WALDir)
	if err != nil {
		return errors.Wrap(err, "open swap journal")
	}
	defer journal.Close()

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	retry := retrier.New(
		retrier.WithMaxRetries(3),
		retrier.WithRetryIf(domain.Retryable),
		retrier.WithNotify(func(attempt int, err error, wait time.Duration) {
			logger.Warn("startup call failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if _, err := retrier.DoWithData(retry, ctx, gw.FetchBalances); err != nil {
		if errors.Is(err, domain.ErrAuth) && !cfg.ReadOnly {
			return errors.Wrap(err, "exchange rejected credentials")
		}
		logger.Warn("balance check failed", zap.Error(err))
	}

	interrupted, err := journal.RecoverInterrupted()
	if err != nil {
		return errors.Wrap(err, "recover swap journal")
	}
	for _, intent := range interrupted {
		events.Record(ledger.KindInterruptedSwap, "swap interrupted by restart",
			zap.String("id", intent.ID),
			zap.String("kind", intent.Kind),
			zap.Int("slot", intent.SlotID),
			zap.String("from", intent.From),
			zap.String("to", intent.To),
			zap.String("amount", intent.Amount.String()),
		)
	}

	m := metrics.New()
	idx := router.New(cfg.ReserveAsset, cfg.TakerFee)
	if err := retry.Do(ctx, func(ctx context.Context) error { return idx.Refresh(ctx, gw) }); err != nil {
		return errors.Wrap(err, "load markets")
	}

	cache := valuation.NewPriceCache(priceCacheTTL)
	valuer := valuation.NewValuer(cfg.DefaultFiat, gw, idx, cache, logger.Named("valuation"))
	ranker := radar.NewRanker(radar.RankerConfig{
		Weights: radar.DefaultWeights(),
		Bases:   cfg.ScanBases,
		Targets: cfg.DiversificationTargets,
		Signals: signals.NewProvider(gw),
		Tickers: gw,
		Markets: idx,
		Radar:   radar.New(),
		Prices:  cache,
		Store:   store,
		Metrics: m,
		Logger:  logger.Named("radar"),
	})

	alloc := allocator.New(allocator.Config{
		ReserveAsset:           cfg.ReserveAsset,
		DefaultFiat:            cfg.DefaultFiat,
		Fiats:                  cfg.FiatAssets,
		DiversificationTargets: cfg.DiversificationTargets,
		PositionCapPercent:     cfg.PositionCapPercent,
		SwapFractionPercent:    cfg.SwapFractionPercent,
		MinOrderValue:          cfg.MinOrderValue,
		ReserveTargetPercent:   cfg.ReserveTargetPercent,
		ReserveWarningPercent:  cfg.ReserveWarningPercent,
		ReserveCriticalPercent: cfg.ReserveCriticalPercent,
		SkimPercent:            cfg.SkimPercent,
		SkimMinProfitPercent:   cfg.SkimMinProfitPercent,
	})

	swapper := swap.New(swap.Config{
		Whitelist: cfg.Whitelist,
		Fiats:     cfg.FiatAssets,
		BuyBuffer: decimal.RequireFromString("0.002"),
	}, gw, idx, journal, m, logger.Named("swap"))

	positions := position.NewManager(position.Config{
		DefaultFiat:                 cfg.DefaultFiat,
		ReserveAsset:                cfg.ReserveAsset,
		Fiats:                       cfg.FiatAssets,
		MaxSlots:                    cfg.MaxSlots,
		MinOrderValue:               cfg.MinOrderValue,
		HardStopPercent:             cfg.HardStopPercent,
		RotationZonePercent:         cfg.RotationZonePercent,
		ProtectionActivationPercent: cfg.ProtectionActivationPercent,
		TrailingActivationPercent:   cfg.TrailingActivationPercent,
		TrailingDropPercent:         cfg.TrailingDropPercent,
		RotationHeatMargin:          cfg.RotationHeatMargin,
		JumpHeatMargin:              cfg.JumpHeatMargin,
		JumpProfitStep:              cfg.JumpProfitStep,
	}, position.Deps{
		Store:     store,
		Swapper:   swapper,
		Radar:     ranker.Radar(),
		Prices:    valuer,
		Allocator: alloc,
		Ledger:    events,
		Metrics:   m,
		Logger:    logger.Named("position"),
	})

	writer, err := snapshot.NewWriter(cfg.SnapshotPath, cfg.SnapshotMinInterval)
	if err != nil {
		return err
	}

	zones := make(map[domain.Zone]time.Duration, len(cfg.ZoneIntervals))
	for name, interval := range cfg.ZoneIntervals {
		zones[domain.Zone(name)] = interval
	}
	sched := scheduler.New(logger.Named("scheduler"), m)

	eng := engine.New(engine.Config{
		Mode:                   cfg.Platform,
		ReadOnly:               cfg.ReadOnly,
		Whitelist:              cfg.Whitelist,
		DefaultFiat:            cfg.DefaultFiat,
		ReserveAsset:           cfg.ReserveAsset,
		DiversificationTargets: cfg.DiversificationTargets,
		EntryHeatThreshold:     cfg.EntryHeatThreshold,
		TickInterval:           cfg.ScanInterval,
		ZoneIntervals:          zones,
		TrackingInterval:       cfg.TrackingInterval,
		SnapshotInterval:       cfg.SnapshotMinInterval,
		PortfolioInterval:      cfg.PortfolioSnapshotInterval,
		RadarTTL:               cfg.RadarTTL,
	}, engine.Components{
		Gateway:   gw,
		Store:     store,
		Router:    idx,
		Ranker:    ranker,
		Valuer:    valuer,
		Allocator: alloc,
		Positions: positions,
		Scheduler: sched,
		Snapshots: writer,
		Ledger:    events,
		Metrics:   m,
		Logger:    logger.Named("engine"),
	})

	recovered, err := positions.RecoverActive(ctx)
	if err != nil {
		return err
	}
	state, err := eng.Refresh(ctx)
	if err != nil {
		return err
	}
	adopted, err := positions.AdoptExisting(ctx, eng.Holdings(state))
	if err != nil {
		logger.Warn("adopt existing positions", zap.Error(err))
	}
	logger.Info("slots restored",
		zap.Int("recovered", recovered),
		zap.Int("adopted", adopted),
		zap.Ints("free", positions.FreeSlots()),
		zap.String("portfolio", state.Valuation.Total.StringFixed(2)),
	)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	maintenance := scheduler.NewMaintenance(cfg.MaintenanceInterval, logger.Named("maintenance"),
		eng.MaintenanceJobs(cfg.DiskWarnBytes, cfg.DBPath, cfg.WALDir, cfg.PaperStateDir)...)

	return eng.Run(ctx, maintenance)
}

func newGateway(cfg config.Config, logger *zap.Logger) (domain.Gateway, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		apiKey := os.Getenv("BINANCE_API_KEY")
		apiSecret := os.Getenv("BINANCE_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
		return gateway.NewBinanceGateway(apiKey, apiSecret, cfg.TakerFee, logger.Named("binance")), nil
	case config.PlatformSimulate:
		// public market data needs no credentials
		source := gateway.NewBinanceGateway(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"), cfg.TakerFee, logger.Named("binance"))
		state, err := simstate.NewStore(cfg.PaperStateDir, "wallet")
		if err != nil {
			return nil, errors.Wrap(err, "open paper wallet state")
		}
		initial := domain.Balances{cfg.DefaultFiat: cfg.SimulateStartBalance}
		sim, err := gateway.NewSimulateGateway(source, state, initial, cfg.TakerFee, logger.Named("simulate"))
		if err != nil {
			return nil, err
		}
		return sim, nil
	default:
		return nil, errors.Errorf("unsupported platform %q", cfg.Platform)
	}
}
