package engine

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/allocator"
	"github.com/vadiminshakov/ceibe/internal/services/position"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
)

// TickReport what one tick did.
type TickReport struct {
	Reserve domain.ReserveState
	// Emergency the reserve was in the emergency tier and the tick stopped
	// after the refill attempt.
	Emergency bool
	Decisions []position.Decision
	// Rebalanced asset sold down to the position cap.
	Rebalanced string
	// Refilled asset converted into the reserve asset.
	Refilled string
	Opened   []*domain.Trade
}

// Tick runs one engine cycle in a fixed order: state refresh, emergency
// reserve refill, slot monitoring, overexposure rebalancing, strategic reserve
// refill, new positions and a throttled snapshot. An emergency reserve ends
// the tick after the refill attempt whether or not it succeeded; held slots
// keep their stops through their trackers.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	s, err := e.Refresh(ctx)
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{Reserve: s.Reserve}
	defer e.snapshotAfterTick(ctx)

	if e.cfg.ReadOnly {
		return report, nil
	}

	e.TrackHeld()

	if s.Reserve.Tier == domain.ReserveEmergency {
		report.Emergency = true
		asset, err := e.refillReserve(ctx, s, ledger.KindReserveEmergency)
		if err != nil {
			e.logger.Warn("emergency reserve refill", zap.Error(err))
		}
		report.Refilled = asset
		return report, nil
	}

	report.Decisions = e.positions.Monitor(ctx)
	if acted(report.Decisions) {
		if s, err = e.Refresh(ctx); err != nil {
			return report, err
		}
	}

	asset, err := e.rebalance(ctx, s)
	if err != nil {
		e.logger.Warn("overexposure rebalance", zap.String("asset", asset), zap.Error(err))
	}
	if asset != "" && err == nil {
		report.Rebalanced = asset
		if s, err = e.Refresh(ctx); err != nil {
			return report, err
		}
	}

	if s.Reserve.Tier == domain.ReserveStrategic {
		asset, err := e.refillReserve(ctx, s, ledger.KindReserveStrategic)
		if err != nil {
			e.logger.Warn("strategic reserve refill", zap.Error(err))
		}
		if asset != "" {
			report.Refilled = asset
			if s, err = e.Refresh(ctx); err != nil {
				return report, err
			}
		}
	}

	report.Opened = e.allocate(ctx, s)
	report.Reserve = s.Reserve
	return report, nil
}

func (e *Engine) snapshotAfterTick(ctx context.Context) {
	if _, err := e.WriteSnapshot(ctx, false); err != nil {
		e.logger.Warn("snapshot", zap.Error(err))
	}
}

func acted(decisions []position.Decision) bool {
	for _, d := range decisions {
		if d.Action != position.ActionHold {
			return true
		}
	}
	return false
}

// refillReserve converts part of one holding into the reserve asset to close
// the deficit. The emergency tier sells the largest eligible holding; the
// strategic tier sells the coldest crypto holding and falls back to fiat cash.
// A source without a route or too small to trade is skipped. Returns the
// asset sold.
func (e *Engine) refillReserve(ctx context.Context, s State, kind ledger.Kind) (string, error) {
	var lastErr error
	for _, h := range e.refillSources(s, kind) {
		amount, err := e.allocator.ReserveRefill(h, s.Reserve, s.Investable)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := e.positions.Reduce(ctx, h.Asset, amount, e.cfg.ReserveAsset, kind); err != nil {
			lastErr = err
			if errors.Is(err, domain.ErrNoRoute) || errors.Is(err, domain.ErrBelowMinimum) {
				continue
			}
			return "", err
		}
		e.logger.Info("reserve refilled",
			zap.String("tier", string(s.Reserve.Tier)),
			zap.String("from", h.Asset),
			zap.String("amount", amount.String()),
			zap.String("reserve_percent", s.Reserve.Percent.StringFixed(2)),
		)
		return h.Asset, nil
	}
	return "", lastErr
}

func (e *Engine) refillSources(s State, kind ledger.Kind) []allocator.Holding {
	var fiat, crypto []allocator.Holding
	for _, h := range e.Holdings(s) {
		switch {
		case h.Asset == e.cfg.ReserveAsset:
		case h.Asset == e.cfg.DefaultFiat || e.allocator.IsFiat(h.Asset):
			fiat = append(fiat, h)
		default:
			crypto = append(crypto, h)
		}
	}

	if kind == ledger.KindReserveEmergency {
		all := append(fiat, crypto...)
		sortByValue(all)
		return all
	}

	sortByValue(fiat)
	sortByValue(crypto)
	sort.SliceStable(crypto, func(i, j int) bool {
		return e.radar.HeatOf(crypto[i].Asset) < e.radar.HeatOf(crypto[j].Asset)
	})
	return append(crypto, fiat...)
}

// rebalance sells the excess of the most overexposed holding, one per tick.
// The excess goes to the hottest diversification target reachable in a single
// hop, otherwise to the default fiat.
func (e *Engine) rebalance(ctx context.Context, s State) (string, error) {
	for _, exp := range e.allocator.Overexposure(e.Holdings(s), s.Investable) {
		amount, err := e.allocator.ExcessSize(exp)
		if err != nil {
			continue
		}
		destination := e.rebalanceDestination(exp.Asset)
		e.logger.Info("overexposure",
			zap.String("asset", exp.Asset),
			zap.String("value", exp.Value.StringFixed(2)),
			zap.String("cap", exp.Cap.StringFixed(2)),
			zap.String("excess", exp.Excess.StringFixed(2)),
			zap.String("to", destination),
		)
		_, err = e.positions.Reduce(ctx, exp.Asset, amount, destination, ledger.KindOverexposure)
		return exp.Asset, err
	}
	return "", nil
}

func (e *Engine) rebalanceDestination(asset string) string {
	best, bestHeat := "", -1.0
	for _, target := range e.cfg.DiversificationTargets {
		if target == asset {
			continue
		}
		route, err := e.positions.Route(asset, target)
		if err != nil || route.Hops() > 1 {
			continue
		}
		if heat := e.radar.HeatOf(target); heat > bestHeat {
			best, bestHeat = target, heat
		}
	}
	if best == "" {
		return e.cfg.DefaultFiat
	}
	return best
}

// allocate opens positions in free slots from the hottest radar entries at or
// above the entry threshold, sized by the swap fraction of free cash and
// capped per position.
func (e *Engine) allocate(ctx context.Context, s State) []*domain.Trade {
	free := e.positions.FreeSlots()
	if len(free) == 0 {
		return nil
	}

	cash := s.FreeCash(e.cfg.DefaultFiat)
	limit := e.allocator.PositionCap(s.Investable)
	picked := make(map[string]bool)

	var opened []*domain.Trade
	for _, slot := range free {
		entry, ok := e.radar.BestCandidate(func(r domain.RadarEntry) bool {
			return r.Heat >= e.cfg.EntryHeatThreshold && !picked[r.Destination] && e.openable(r.Destination)
		})
		if !ok {
			break
		}

		size, err := e.allocator.SwapSize(allocator.Holding{Asset: e.cfg.DefaultFiat, Amount: cash, Value: cash})
		if err != nil {
			break
		}
		if limit.IsPositive() && size.GreaterThan(limit) {
			size = limit
		}
		if size.LessThan(e.allocator.Config().MinOrderValue) {
			break
		}

		picked[entry.Destination] = true
		t, err := e.positions.Open(ctx, slot, entry.Destination, size)
		if err != nil {
			e.logger.Warn("open position",
				zap.Int("slot", slot), zap.String("asset", entry.Destination), zap.Error(err))
			continue
		}
		cash = cash.Sub(size)
		opened = append(opened, t)
		e.scheduler.Promote(t.Asset)
		e.logger.Info("position opened",
			zap.Int("slot", slot),
			zap.String("asset", t.Asset),
			zap.Float64("heat", entry.Heat),
			zap.String("fiat", size.StringFixed(2)),
		)
	}
	return opened
}

// TrackHeld promotes every asset backing an active trade to high-frequency
// tracking.
func (e *Engine) TrackHeld() {
	for _, t := range e.positions.Trades() {
		e.scheduler.Promote(t.Asset)
	}
}

func (e *Engine) openable(asset string) bool {
	if !e.whitelist[asset] || e.allocator.IsFiat(asset) || asset == e.cfg.DefaultFiat || asset == e.cfg.ReserveAsset {
		return false
	}
	if e.positions.Holds(asset) {
		return false
	}
	_, err := e.positions.Route(e.cfg.DefaultFiat, asset)
	return err == nil
}

func sortByValue(hs []allocator.Holding) {
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Value.GreaterThan(hs[j].Value) })
}
