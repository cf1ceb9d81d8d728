package position

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/storage/ledger"
)

// Action outcome of evaluating a slot.
type Action string

const (
	ActionHold          Action = "HOLD"
	ActionForceClose    Action = "FORCE_CLOSE"
	ActionHardStop      Action = "HARD_STOP"
	ActionRotate        Action = "ROTATE"
	ActionTrailingStop  Action = "TRAILING_STOP"
	ActionProtectedStop Action = "PROTECTED_STOP"
	ActionJump          Action = "JUMP"
)

func (a Action) kind() ledger.Kind {
	switch a {
	case ActionForceClose:
		return ledger.KindForcedLiquidation
	case ActionHardStop:
		return ledger.KindHardStop
	case ActionRotate:
		return ledger.KindRotation
	case ActionTrailingStop:
		return ledger.KindTrailingStop
	case ActionProtectedStop:
		return ledger.KindProtectedStop
	case ActionJump:
		return ledger.KindJump
	default:
		return ""
	}
}

// Decision result of one monitoring step.
type Decision struct {
	Slot   int
	Action Action
	// Target destination asset of a rotation or jump.
	Target string
	Price  decimal.Decimal
	Profit decimal.Decimal
	Trade  *domain.Trade
}

// Decide applies one monitoring step to a copy of t at price and returns the
// decision together with the updated copy. Steps run in order: minimum value,
// hard stop, rotation band, trailing or protection stop, jump. A losing slot
// with no rotation target still honours an armed stop but never jumps.
func (m *Manager) Decide(t *domain.Trade, price decimal.Decimal) Decision {
	return m.decide(t, price, true)
}

// decide with moves false only ever exits to fiat: no rotation, no jump.
func (m *Manager) decide(t *domain.Trade, price decimal.Decimal, moves bool) Decision {
	work := t.Clone()
	d := Decision{Slot: t.SlotID, Action: ActionHold, Price: price, Trade: work}

	if work.Value(price).LessThan(m.cfg.MinOrderValue) {
		d.Action = ActionForceClose
		return d
	}

	work.ObservePrice(price)
	d.Profit = work.ProfitPercent(price)

	if d.Profit.LessThanOrEqual(m.cfg.HardStopPercent.Neg()) {
		d.Action = ActionHardStop
		return d
	}

	inBand := d.Profit.LessThanOrEqual(m.cfg.RotationZonePercent.Neg())
	if inBand && moves {
		if target, ok := m.rotationTarget(work); ok {
			d.Action = ActionRotate
			d.Target = target
			return d
		}
	}

	maxProfit := work.MaxProfitPercent()
	switch {
	case maxProfit.GreaterThanOrEqual(m.cfg.TrailingActivationPercent):
		work.State = domain.StateTrailing
		drop := decimal.NewFromInt(1).Sub(m.cfg.TrailingDropPercent.Div(decimal.NewFromInt(100)))
		work.RaiseStopLoss(work.HighestPrice.Mul(drop))
		if price.LessThanOrEqual(work.StopLoss) {
			d.Action = ActionTrailingStop
			return d
		}
	case maxProfit.GreaterThanOrEqual(m.cfg.ProtectionActivationPercent):
		work.State = domain.StateProtected
		work.RaiseStopLoss(work.EntryPrice)
		if price.LessThanOrEqual(work.StopLoss) {
			d.Action = ActionProtectedStop
			return d
		}
	}

	if inBand || !moves {
		return d
	}
	if target, ok := m.jumpTarget(work); ok {
		d.Action = ActionJump
		d.Target = target
	}
	return d
}

func (m *Manager) candidate(e domain.RadarEntry, current string) bool {
	if e.Destination == current || m.fiats[e.Destination] || e.Destination == m.cfg.ReserveAsset {
		return false
	}
	if m.Holds(e.Destination) {
		return false
	}
	_, err := m.swapper.Route(current, e.Destination, false)
	return err == nil
}

func (m *Manager) rotationTarget(t *domain.Trade) (string, bool) {
	threshold := m.radar.HeatOf(t.Asset) + m.cfg.RotationHeatMargin
	e, ok := m.radar.BestCandidate(func(e domain.RadarEntry) bool {
		return e.Heat > threshold && m.candidate(e, t.Asset)
	})
	return e.Destination, ok
}

func (m *Manager) jumpTarget(t *domain.Trade) (string, bool) {
	var heat, potential float64
	if cur, ok := m.radar.BestFor(t.Asset); ok {
		heat, potential = cur.Heat, cur.Indicators.ProfitPotential
	}
	e, ok := m.radar.BestCandidate(func(e domain.RadarEntry) bool {
		return e.Heat >= heat+m.cfg.JumpHeatMargin &&
			e.Indicators.ProfitPotential >= potential+m.cfg.JumpProfitStep &&
			m.candidate(e, t.Asset)
	})
	return e.Destination, ok
}

// Evaluate runs one monitoring step for slot at the fiat price of its asset
// and executes the resulting exit, if any.
func (m *Manager) Evaluate(ctx context.Context, slot int, price decimal.Decimal) (Decision, error) {
	unlock, err := m.lock(slot)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	m.mu.RLock()
	t, ok := m.trades[slot]
	m.mu.RUnlock()
	if !ok {
		return Decision{Slot: slot, Action: ActionHold}, nil
	}

	// an emergency reserve leaves only protective exits
	state, _ := m.reserveState()
	d := m.decide(t, price, state.Tier != domain.ReserveEmergency)
	if d.Action == ActionHold {
		if changed(t, d.Trade) {
			if err := m.store.UpdateTrade(ctx, d.Trade); err != nil {
				return d, errors.Wrapf(err, "update slot %d", slot)
			}
			m.set(d.Trade)
		}
		return d, nil
	}

	m.logger.Info("slot decision",
		zap.Int("slot", slot),
		zap.String("asset", t.Asset),
		zap.String("action", string(d.Action)),
		zap.String("target", d.Target),
		zap.String("price", price.String()),
		zap.String("profit", d.Profit.StringFixed(3)),
		zap.String("stop", d.Trade.StopLoss.String()),
	)

	destination := m.cfg.DefaultFiat
	if d.Target != "" {
		destination = d.Target
	}
	return d, m.exit(ctx, d.Trade, destination, d.Action.kind())
}

// Monitor evaluates every active slot with the fiat price of its asset.
// Failures stay contained to their slot.
func (m *Manager) Monitor(ctx context.Context) []Decision {
	var out []Decision
	for _, t := range m.Trades() {
		if ctx.Err() != nil {
			return out
		}
		price, err := m.prices.FiatPrice(ctx, t.Asset)
		if err != nil {
			m.logger.Warn("no price for slot", zap.Int("slot", t.SlotID), zap.String("asset", t.Asset), zap.Error(err))
			continue
		}
		d, err := m.Evaluate(ctx, t.SlotID, price)
		if err != nil {
			m.logger.Warn("slot evaluation failed", zap.Int("slot", t.SlotID), zap.Error(err))
		}
		out = append(out, d)
	}
	return out
}

func changed(before, after *domain.Trade) bool {
	return !before.HighestPrice.Equal(after.HighestPrice) ||
		!before.StopLoss.Equal(after.StopLoss) ||
		before.State != after.State
}
