package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReserveTier urgency of the reserve asset refill.
type ReserveTier string

const (
	ReservePassive   ReserveTier = "passive"
	ReserveStrategic ReserveTier = "strategic"
	ReserveEmergency ReserveTier = "emergency"
)

// ReserveState derived reserve asset status, recomputed every tick.
type ReserveState struct {
	Asset string
	// Percent reserve value over investable capital, in percent.
	Percent decimal.Decimal
	Target  decimal.Decimal
	Value   decimal.Decimal
	Tier    ReserveTier
}

// Deficit returns the fiat value missing to reach target over the given capital base.
func (r ReserveState) Deficit(base decimal.Decimal) decimal.Decimal {
	need := base.Mul(r.Target).Div(hundred).Sub(r.Value)
	if need.IsNegative() {
		return decimal.Zero
	}
	return need
}

// TreasuryEntry skimmed profit set aside into the non-tradable ledger.
type TreasuryEntry struct {
	ID          int64
	Time        time.Time
	Asset       string
	Amount      decimal.Decimal
	AmountFiat  decimal.Decimal
	AmountBTC   decimal.Decimal
	Description string
}

// PortfolioSnapshot periodic total value observation.
type PortfolioSnapshot struct {
	Time       time.Time
	TotalValue decimal.Decimal
	FreeCash   decimal.Decimal
	Balances   Balances
}
