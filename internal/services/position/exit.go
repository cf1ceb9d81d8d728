package position

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/swap"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
)

var hundred = decimal.NewFromInt(100)

// exit sells the whole trade into destination. Expects the slot lock held.
func (m *Manager) exit(ctx context.Context, t *domain.Trade, destination string, kind ledger.Kind) error {
	prevState := t.State
	if destination != m.cfg.DefaultFiat {
		t.State = domain.StateRotating
		if err := m.store.UpdateTrade(ctx, t); err != nil {
			return errors.Wrapf(err, "mark slot %d rotating", t.SlotID)
		}
		m.set(t)
	}

	res, err := m.swapper.Swap(ctx, swap.Request{
		Kind:          string(kind),
		SlotID:        t.SlotID,
		From:          t.Asset,
		To:            destination,
		Amount:        t.Amount,
		PreferLowFees: m.preferLowFees(),
	})
	if err != nil {
		if res.Asset != "" && res.Asset != t.Asset && res.Received.IsPositive() {
			m.logger.Warn("swap stranded on intermediate asset",
				zap.Int("slot", t.SlotID), zap.String("asset", res.Asset), zap.Error(err))
			return m.settle(ctx, t, res.Asset, t.Asset, res.Received, kind)
		}
		if errors.Is(err, domain.ErrBelowMinimum) {
			m.close(ctx, t, ledger.KindForcedLiquidation, "position below exchange minimum deactivated",
				zap.String("asset", t.Asset), zap.String("amount", t.Amount.String()), zap.Error(err))
			return nil
		}

		t.State = prevState
		if uerr := m.store.UpdateTrade(ctx, t); uerr != nil {
			m.logger.Warn("restore slot state", zap.Int("slot", t.SlotID), zap.Error(uerr))
		}
		m.set(t)
		return err
	}

	quote := t.Asset
	if n := len(res.Route.Legs); n > 0 {
		quote = res.Route.Legs[n-1].From
	}
	return m.settle(ctx, t, res.Asset, quote, res.Received, kind)
}

// settle books the proceeds of an exit: closing the slot on the default fiat,
// otherwise withholding reserve, skimming profit and continuing the slot in
// the new asset.
func (m *Manager) settle(ctx context.Context, t *domain.Trade, asset, quote string, received decimal.Decimal, kind ledger.Kind) error {
	if asset == m.cfg.DefaultFiat {
		profit := percentOf(received, t.InitialFiatValue)
		m.close(ctx, t, kind, "position closed",
			zap.String("asset", t.Asset),
			zap.String("received", received.StringFixed(2)),
			zap.String("profit", profit.StringFixed(3)),
		)
		return nil
	}

	unit, err := m.prices.FiatPrice(ctx, asset)
	if err != nil {
		m.logger.Warn("no fiat price for proceeds", zap.String("asset", asset), zap.Error(err))
		unit = decimal.Zero
	}
	profit := percentOf(received.Mul(unit), t.InitialFiatValue)

	state, investable := m.reserveState()
	if w := m.allocator.Withhold(asset, received, unit, state, investable); w.IsPositive() {
		received = received.Sub(w)
		m.ledger.Record(ledger.KindReserveWithhold, "reserve withheld from proceeds",
			zap.Int("slot", t.SlotID),
			zap.String("asset", asset),
			zap.String("amount", w.String()),
			zap.String("reserve_percent", state.Percent.StringFixed(2)),
		)
	}

	if skim, ok := m.allocator.Skim(asset, profit, received, unit); ok {
		if err := m.skim(ctx, t.SlotID, asset, skim, unit); err != nil {
			m.logger.Warn("skim failed", zap.Int("slot", t.SlotID), zap.Error(err))
		} else {
			received = received.Sub(skim)
		}
	}

	if received.LessThanOrEqual(decimal.Zero) || (unit.IsPositive() && received.Mul(unit).LessThan(m.cfg.MinOrderValue)) {
		m.close(ctx, t, kind, "slot closed, proceeds below minimum order",
			zap.String("asset", asset), zap.String("amount", received.String()))
		return nil
	}

	next, err := t.Continue(asset, quote, received, m.cfg.HardStopPercent, m.now())
	if err != nil {
		return err
	}
	if err := m.store.CreateTrade(ctx, next); err != nil {
		return errors.Wrapf(err, "continue slot %d", t.SlotID)
	}
	m.set(next)
	m.metrics.Exit(string(kind))

	m.ledger.Record(kind, "slot continued",
		zap.Int("slot", t.SlotID),
		zap.String("from", t.Asset),
		zap.String("to", asset),
		zap.String("amount", received.String()),
		zap.String("profit", profit.StringFixed(3)),
		zap.Strings("path", next.PathHistory),
	)
	return nil
}

// close deactivates t. A persistence failure is logged; the slot is freed in
// memory either way so the engine does not keep acting on a sold position.
func (m *Manager) close(ctx context.Context, t *domain.Trade, kind ledger.Kind, msg string, fields ...zap.Field) {
	t.Close(m.now())
	if err := m.store.DeactivateTrade(ctx, t); err != nil {
		m.logger.Error("deactivate trade", zap.Int("slot", t.SlotID), zap.Error(err))
	}
	m.drop(t.SlotID)
	m.metrics.Exit(string(kind))
	m.ledger.Record(kind, msg, append([]zap.Field{zap.Int("slot", t.SlotID)}, fields...)...)
}

func (m *Manager) skim(ctx context.Context, slot int, asset string, amount, unit decimal.Decimal) error {
	fiat := amount.Mul(unit)
	entry := domain.TreasuryEntry{
		Time:        m.now(),
		Asset:       asset,
		Amount:      amount,
		AmountFiat:  fiat,
		AmountBTC:   decimal.Zero,
		Description: fmt.Sprintf("profit skim slot %d", slot),
	}
	if btc, err := m.prices.FiatPrice(ctx, "BTC"); err == nil && btc.IsPositive() {
		entry.AmountBTC = fiat.Div(btc)
	}

	id, err := m.store.AddTreasury(ctx, entry)
	if err != nil {
		return err
	}
	m.ledger.Record(ledger.KindSkim, "profit skimmed to treasury",
		zap.Int64("id", id),
		zap.Int("slot", slot),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("fiat", fiat.StringFixed(2)),
	)
	return nil
}

// Reduce converts amount of asset into destination. When a slot holds asset
// its trade shrinks proportionally, keeping its entry price.
func (m *Manager) Reduce(ctx context.Context, asset string, amount decimal.Decimal, destination string, kind ledger.Kind) (swap.Result, error) {
	slot, held := m.SlotOf(asset)
	if held {
		unlock, err := m.lock(slot)
		if err != nil {
			return swap.Result{}, err
		}
		defer unlock()
	}

	res, err := m.swapper.Swap(ctx, swap.Request{
		Kind:          string(kind),
		SlotID:        slot,
		From:          asset,
		To:            destination,
		Amount:        amount,
		PreferLowFees: m.preferLowFees(),
	})
	if err != nil {
		return res, err
	}

	m.ledger.Record(kind, "holding reduced",
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("to", destination),
		zap.String("received", res.Received.String()),
	)

	if !held {
		return res, nil
	}
	t, ok := m.Trade(slot)
	if !ok || t.Asset != asset {
		return res, nil
	}

	remaining := t.Amount.Sub(amount)
	if remaining.LessThanOrEqual(decimal.Zero) {
		m.close(ctx, t, kind, "slot emptied by reduction", zap.String("asset", asset))
		return res, nil
	}
	t.InitialFiatValue = t.InitialFiatValue.Mul(remaining).Div(t.Amount)
	t.Amount = remaining
	if err := m.store.UpdateTrade(ctx, t); err != nil {
		return res, errors.Wrapf(err, "shrink slot %d", slot)
	}
	m.set(t)
	return res, nil
}

func percentOf(value, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return value.Sub(base).Div(base).Mul(hundred)
}
