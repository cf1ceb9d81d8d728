package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Ticker last known quote of a pair.
type Ticker struct {
	Pair Pair
	// Last last traded price.
	Last decimal.Decimal
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	// Change24h percentage change over the last 24 hours.
	Change24h decimal.Decimal
	// QuoteVolume 24h volume expressed in the quote asset.
	QuoteVolume decimal.Decimal
	Time        time.Time
}

// Candle OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Market trading rules of a listed pair.
type Market struct {
	Pair   Pair
	Active bool
	// TakerFee fraction charged on market orders, e.g. 0.001.
	TakerFee decimal.Decimal
	// StepSize quantity increment; zero means unrestricted.
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// RoundAmount floors amount to the market step size.
func (m Market) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	if m.StepSize.LessThanOrEqual(decimal.Zero) {
		return amount.RoundFloor(8)
	}
	steps := amount.Div(m.StepSize).Floor()
	return steps.Mul(m.StepSize)
}

// Fill outcome of an executed market order.
type Fill struct {
	OrderID string
	Pair    Pair
	Side    Side
	// BaseAmount executed quantity in the base asset.
	BaseAmount decimal.Decimal
	// QuoteAmount executed quantity in the quote asset.
	QuoteAmount decimal.Decimal
	Price       decimal.Decimal
	// Fee commission charged in the received asset.
	Fee  decimal.Decimal
	Time time.Time
}

// Received returns the net amount credited: base for buys, quote for sells.
func (f Fill) Received() decimal.Decimal {
	if f.Side == SideBuy {
		return f.BaseAmount.Sub(f.Fee)
	}
	return f.QuoteAmount.Sub(f.Fee)
}

// Balances free balance per asset.
type Balances map[string]decimal.Decimal

// Get returns the free balance of asset, zero when absent.
func (b Balances) Get(asset string) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b[asset]
}

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Assets returns held assets with a positive balance in a stable order.
func (b Balances) Assets() []string {
	out := make([]string, 0, len(b))
	for asset, amount := range b {
		if amount.GreaterThan(decimal.Zero) {
			out = append(out, asset)
		}
	}
	sort.Strings(out)
	return out
}

// VolumeTrend classification of recent volume against its average.
type VolumeTrend string

const (
	VolumeHigh   VolumeTrend = "high"
	VolumeNormal VolumeTrend = "normal"
	VolumeLow    VolumeTrend = "low"
)

// Indicators signal set computed for a pair.
type Indicators struct {
	RSI float64
	// EMADistance percentage distance of the close from the long EMA.
	EMADistance float64
	VolumeTrend VolumeTrend
	// VolumeChange percentage of the last volume against its average.
	VolumeChange float64
	// ProfitPotential recovery room in percent when trading below the EMA.
	ProfitPotential float64
	Price           decimal.Decimal
}
