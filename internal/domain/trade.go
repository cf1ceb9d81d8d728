package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// TradeState position lifecycle state.
type TradeState string

const (
	// StateOpen no protection yet.
	StateOpen TradeState = "OPEN"
	// StateProtected stop moved to break-even.
	StateProtected TradeState = "PROTECTED"
	// StateTrailing ratchet active.
	StateTrailing TradeState = "TRAILING"
	// StateRotating swap to another asset in progress.
	StateRotating TradeState = "ROTATING"
	// StateClosed terminal.
	StateClosed TradeState = "CLOSED"
)

var hundred = decimal.NewFromInt(100)

// Trade position held by a slot.
//
// EntryPrice is the break-even fiat price of one unit, i.e. InitialFiatValue
// divided by Amount. Continuation trades keep InitialFiatValue, so their
// profit keeps accruing against the original baseline.
type Trade struct {
	ID     int64
	SlotID int
	// Asset held asset.
	Asset string
	// Quote asset of the last executed leg.
	Quote            string
	Amount           decimal.Decimal
	EntryPrice       decimal.Decimal
	HighestPrice     decimal.Decimal
	InitialFiatValue decimal.Decimal
	StopLoss         decimal.Decimal
	PathHistory      []string
	State            TradeState
	Active           bool
	CreatedAt        time.Time
	ClosedAt         time.Time
}

// NewTrade opens a trade in slot holding amount of asset bought for initialFiat.
func NewTrade(slot int, asset, quote string, amount, initialFiat, hardStopPercent decimal.Decimal, now time.Time) (*Trade, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("trade amount must be greater than zero")
	}
	if initialFiat.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("trade initial value must be greater than zero")
	}

	entry := initialFiat.Div(amount)
	return &Trade{
		SlotID:           slot,
		Asset:            asset,
		Quote:            quote,
		Amount:           amount,
		EntryPrice:       entry,
		HighestPrice:     entry,
		InitialFiatValue: initialFiat,
		StopLoss:         entry.Mul(decimal.NewFromInt(1).Sub(hardStopPercent.Div(hundred))),
		PathHistory:      []string{quote, asset},
		State:            StateOpen,
		Active:           true,
		CreatedAt:        now,
	}, nil
}

// Continue returns the continuation trade after swapping into asset, keeping
// the slot and the fiat baseline.
func (t *Trade) Continue(asset, quote string, amount, hardStopPercent decimal.Decimal, now time.Time) (*Trade, error) {
	next, err := NewTrade(t.SlotID, asset, quote, amount, t.InitialFiatValue, hardStopPercent, now)
	if err != nil {
		return nil, err
	}

	path := make([]string, 0, len(t.PathHistory)+1)
	path = append(path, t.PathHistory...)
	if len(path) == 0 || path[len(path)-1] != asset {
		path = append(path, asset)
	}
	next.PathHistory = path

	return next, nil
}

// Value returns the fiat value at price.
func (t *Trade) Value(price decimal.Decimal) decimal.Decimal {
	return t.Amount.Mul(price)
}

// ProfitPercent returns profit in percent at price.
func (t *Trade) ProfitPercent(price decimal.Decimal) decimal.Decimal {
	if t.InitialFiatValue.IsZero() {
		return decimal.Zero
	}
	return t.Value(price).Sub(t.InitialFiatValue).Div(t.InitialFiatValue).Mul(hundred)
}

// MaxProfitPercent returns the best profit seen, derived from HighestPrice.
func (t *Trade) MaxProfitPercent() decimal.Decimal {
	if t.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return t.HighestPrice.Sub(t.EntryPrice).Div(t.EntryPrice).Mul(hundred)
}

// ObservePrice ratchets HighestPrice. Returns true when it moved.
func (t *Trade) ObservePrice(price decimal.Decimal) bool {
	if price.GreaterThan(t.HighestPrice) {
		t.HighestPrice = price
		return true
	}
	return false
}

// RaiseStopLoss replaces the stop with candidate only when candidate is higher.
// This is the only way StopLoss changes after creation.
func (t *Trade) RaiseStopLoss(candidate decimal.Decimal) bool {
	if candidate.GreaterThan(t.StopLoss) {
		t.StopLoss = candidate
		return true
	}
	return false
}

// Close marks the trade terminal.
func (t *Trade) Close(now time.Time) {
	t.State = StateClosed
	t.Active = false
	t.ClosedAt = now
}

// Clone returns a deep copy.
func (t *Trade) Clone() *Trade {
	c := *t
	c.PathHistory = append([]string(nil), t.PathHistory...)
	return &c
}

// String returns a human-readable representation.
func (t *Trade) String() string {
	return fmt.Sprintf("slot %d: %s %s (entry %s, stop %s, %s)",
		t.SlotID, t.Amount.String(), t.Asset, t.EntryPrice.StringFixed(6), t.StopLoss.StringFixed(6), t.State)
}
