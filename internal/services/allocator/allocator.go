// Package allocator sizes positions against investable capital and keeps the
// reserve asset topped up.
package allocator

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Config allocation policy. Percentages are in percent.
type Config struct {
	ReserveAsset           string
	DefaultFiat            string
	Fiats                  []string
	DiversificationTargets []string
	PositionCapPercent     decimal.Decimal
	SwapFractionPercent    decimal.Decimal
	MinOrderValue          decimal.Decimal
	ReserveTargetPercent   decimal.Decimal
	ReserveWarningPercent  decimal.Decimal
	ReserveCriticalPercent decimal.Decimal
	SkimPercent            decimal.Decimal
	SkimMinProfitPercent   decimal.Decimal
}

// Allocator stateless allocation policy.
type Allocator struct {
	cfg     Config
	fiats   map[string]bool
	targets map[string]bool
}

func New(cfg Config) *Allocator {
	a := &Allocator{cfg: cfg, fiats: make(map[string]bool), targets: make(map[string]bool)}
	for _, f := range cfg.Fiats {
		a.fiats[f] = true
	}
	for _, t := range cfg.DiversificationTargets {
		a.targets[t] = true
	}
	return a
}

func (a *Allocator) Config() Config {
	return a.cfg
}

func (a *Allocator) IsFiat(asset string) bool {
	return a.fiats[asset]
}

func (a *Allocator) IsTarget(asset string) bool {
	return a.targets[asset]
}

// InvestableCapital returns total minus the reserve target value minus the
// skimmed treasury value, never below zero.
func (a *Allocator) InvestableCapital(total, skimmed decimal.Decimal) decimal.Decimal {
	reserveTarget := total.Mul(a.cfg.ReserveTargetPercent).Div(hundred)
	out := total.Sub(reserveTarget).Sub(skimmed)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// PositionCap returns the maximum value of a single position.
func (a *Allocator) PositionCap(investable decimal.Decimal) decimal.Decimal {
	return investable.Mul(a.cfg.PositionCapPercent).Div(hundred)
}

// Holding value of an operable asset balance.
type Holding struct {
	Asset  string
	Amount decimal.Decimal
	Value  decimal.Decimal
}

// UnitValue returns the fiat value of one unit.
func (h Holding) UnitValue() decimal.Decimal {
	if h.Amount.IsZero() {
		return decimal.Zero
	}
	return h.Value.Div(h.Amount)
}

// Exposure position above the cap.
type Exposure struct {
	Holding
	Cap    decimal.Decimal
	Excess decimal.Decimal
}

// ExcessAmount returns the units to sell to bring the position back to cap.
func (e Exposure) ExcessAmount() decimal.Decimal {
	unit := e.UnitValue()
	if unit.IsZero() {
		return decimal.Zero
	}
	return e.Excess.Div(unit)
}

// Overexposure returns positions above the cap, largest excess first. Fiat and
// the reserve asset are never positions.
func (a *Allocator) Overexposure(holdings []Holding, investable decimal.Decimal) []Exposure {
	limit := a.PositionCap(investable)
	if limit.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	var out []Exposure
	for _, h := range holdings {
		if a.fiats[h.Asset] || h.Asset == a.cfg.ReserveAsset {
			continue
		}
		if h.Value.GreaterThan(limit) {
			out = append(out, Exposure{Holding: h, Cap: limit, Excess: h.Value.Sub(limit)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Excess.Equal(out[j].Excess) {
			return out[i].Excess.GreaterThan(out[j].Excess)
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// ExcessSize returns the units of an overexposed holding to sell to bring it
// back to the cap. Only the excess is sold, never the whole position: when the
// capped remainder would be below the minimum order the sale stops at the
// minimum order value instead.
func (a *Allocator) ExcessSize(e Exposure) (decimal.Decimal, error) {
	unit := e.UnitValue()
	if unit.IsZero() {
		return decimal.Zero, errors.Wrapf(domain.ErrNoData, "no value for %s", e.Asset)
	}
	sell := e.Excess
	if rest := e.Value.Sub(sell); rest.LessThan(a.cfg.MinOrderValue) {
		sell = e.Value.Sub(a.cfg.MinOrderValue)
	}
	if sell.LessThan(a.cfg.MinOrderValue) {
		return decimal.Zero, errors.Wrapf(domain.ErrBelowMinimum, "%s excess %s", e.Asset, sell.StringFixed(2))
	}
	amount := sell.Div(unit)
	if amount.GreaterThan(e.Amount) {
		amount = e.Amount
	}
	return amount, nil
}

// SwapSize returns the amount of a holding to convert for a discretionary swap:
// the larger of the swap fraction and the minimum order, rounded up to the
// whole balance when the remainder would be below the minimum order.
func (a *Allocator) SwapSize(h Holding) (decimal.Decimal, error) {
	return a.SizeFor(h, h.Amount.Mul(a.cfg.SwapFractionPercent).Div(hundred))
}

// SizeFor applies the minimum-order floor and dust rule to a wanted amount.
func (a *Allocator) SizeFor(h Holding, want decimal.Decimal) (decimal.Decimal, error) {
	if h.Amount.LessThanOrEqual(decimal.Zero) || h.Value.LessThan(a.cfg.MinOrderValue) {
		return decimal.Zero, errors.Wrapf(domain.ErrBelowMinimum, "%s worth %s", h.Asset, h.Value.StringFixed(2))
	}
	unit := h.UnitValue()

	size := want
	if minUnits := a.cfg.MinOrderValue.Div(unit); size.LessThan(minUnits) {
		size = minUnits
	}
	if size.GreaterThanOrEqual(h.Amount) {
		return h.Amount, nil
	}
	if h.Amount.Sub(size).Mul(unit).LessThan(a.cfg.MinOrderValue) {
		return h.Amount, nil
	}
	return size, nil
}

// ReserveState classifies the reserve ratio of reserveValue over investable.
func (a *Allocator) ReserveState(reserveValue, investable decimal.Decimal) domain.ReserveState {
	state := domain.ReserveState{
		Asset:  a.cfg.ReserveAsset,
		Target: a.cfg.ReserveTargetPercent,
		Value:  reserveValue,
		Tier:   domain.ReservePassive,
	}
	if investable.IsPositive() {
		state.Percent = reserveValue.Div(investable).Mul(hundred)
	} else {
		// nothing to protect yet
		return state
	}

	switch {
	case state.Percent.LessThan(a.cfg.ReserveCriticalPercent):
		state.Tier = domain.ReserveEmergency
	case state.Percent.LessThan(a.cfg.ReserveWarningPercent):
		state.Tier = domain.ReserveStrategic
	}
	return state
}

// PreferLowFees reports whether the reserve is healthy enough to pay for the
// cheapest two-hop routes.
func (a *Allocator) PreferLowFees(state domain.ReserveState) bool {
	return state.Percent.GreaterThanOrEqual(a.cfg.ReserveWarningPercent)
}

// Withhold returns the units of received to keep as reserve when a swap lands
// in the reserve asset while it is under target.
func (a *Allocator) Withhold(destination string, received, unitValue decimal.Decimal, state domain.ReserveState, investable decimal.Decimal) decimal.Decimal {
	if destination != a.cfg.ReserveAsset || !state.Percent.LessThan(state.Target) || unitValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	need := state.Deficit(investable).Div(unitValue)
	if need.GreaterThan(received) {
		return received
	}
	return need
}

// ReserveRefill amount of a holding to convert into the reserve asset to close
// the deficit, subject to the minimum order and dust rule.
func (a *Allocator) ReserveRefill(h Holding, state domain.ReserveState, investable decimal.Decimal) (decimal.Decimal, error) {
	deficit := state.Deficit(investable)
	if deficit.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.Wrap(domain.ErrBelowMinimum, "reserve at target")
	}
	unit := h.UnitValue()
	if unit.IsZero() {
		return decimal.Zero, errors.Wrapf(domain.ErrNoData, "no value for %s", h.Asset)
	}
	return a.SizeFor(h, deficit.Div(unit))
}

// Skim returns the units of received to set aside into the treasury on a
// profitable exit into a diversification target. It skips the skim when the
// remaining stake would fall below the minimum order.
func (a *Allocator) Skim(destination string, profitPercent, received, unitValue decimal.Decimal) (decimal.Decimal, bool) {
	if !a.targets[destination] || !profitPercent.GreaterThan(a.cfg.SkimMinProfitPercent) {
		return decimal.Zero, false
	}
	skim := received.Mul(a.cfg.SkimPercent).Div(hundred)
	if skim.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	if received.Sub(skim).Mul(unitValue).LessThan(a.cfg.MinOrderValue) {
		return decimal.Zero, false
	}
	return skim, true
}

// Operable returns balances minus the amounts held in the treasury.
func Operable(balances, treasury domain.Balances) domain.Balances {
	out := balances.Clone()
	for asset, held := range treasury {
		left := out.Get(asset).Sub(held)
		if left.IsNegative() {
			left = decimal.Zero
		}
		out[asset] = left
	}
	return out
}
