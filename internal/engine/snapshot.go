package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/storage/snapshot"
)

const radarRows = 50

var tierColors = map[domain.ReserveTier]string{
	domain.ReservePassive:   "green",
	domain.ReserveStrategic: "orange",
	domain.ReserveEmergency: "red",
}

// WriteSnapshot publishes the current state document. Unless force is set the
// write is throttled by the snapshot writer.
func (e *Engine) WriteSnapshot(ctx context.Context, force bool) (bool, error) {
	if e.snapshots == nil {
		return false, nil
	}
	return e.snapshots.Write(e.BuildSnapshot(ctx), force)
}

// BuildSnapshot assembles the external state document from the last tick.
func (e *Engine) BuildSnapshot(ctx context.Context) snapshot.State {
	s := e.State()
	fiat := e.cfg.DefaultFiat

	doc := snapshot.State{
		Timestamp: s.At,
		MarketStatus: &snapshot.MarketStatus{
			Mode: e.cfg.Mode,
		},
		GasStatus: &snapshot.GasStatus{
			Asset:      e.cfg.ReserveAsset,
			Percentage: s.Reserve.Percent.Round(2).InexactFloat64(),
			Target:     s.Reserve.Target.InexactFloat64(),
			Tier:       string(s.Reserve.Tier),
			Color:      tierColors[s.Reserve.Tier],
			ValueFiat:  s.Reserve.Value.StringFixed(2),
		},
		Treasury: &snapshot.Treasury{
			TotalFiat: s.TreasuryFiat.StringFixed(2),
			Holdings:  amounts(s.Treasury),
		},
		FreeCash:            s.FreeCash(fiat).StringFixed(2),
		TotalPortfolioValue: s.Valuation.Total.StringFixed(2),
		InvestableCapital:   s.Investable.StringFixed(2),
		Balances:            amounts(s.Balances),
		Prices:              e.prices(s),
		Zones:               make(map[string]int, len(domain.Zones)),
	}
	if btc, ok := e.radar.BestFor("BTC"); ok {
		doc.MarketStatus.BTCChange24h = btc.Change24h
	}
	if doc.GasStatus.Tier == "" {
		doc.GasStatus.Tier = string(domain.ReservePassive)
		doc.GasStatus.Color = tierColors[domain.ReservePassive]
	}

	for _, t := range e.positions.Trades() {
		row := snapshot.OpenTrade{
			SlotID:       t.SlotID,
			Asset:        t.Asset,
			Quote:        t.Quote,
			Amount:       t.Amount.String(),
			EntryPrice:   t.EntryPrice.String(),
			HighestPrice: t.HighestPrice.String(),
			StopLoss:     t.StopLoss.String(),
			InitialValue: t.InitialFiatValue.StringFixed(2),
			State:        string(t.State),
			PathHistory:  t.PathHistory,
			OpenedAt:     t.CreatedAt.Unix(),
		}
		if price, err := e.valuer.FiatPrice(ctx, t.Asset); err == nil {
			row.CurrentPrice = price.String()
			row.CurrentValue = t.Value(price).StringFixed(2)
			row.ProfitPct = t.ProfitPercent(price).Round(3).InexactFloat64()
		}
		doc.OpenTrades = append(doc.OpenTrades, row)
	}

	for i, entry := range e.radar.Ranked() {
		doc.Zones[string(entry.Zone)]++
		if i >= radarRows {
			continue
		}
		doc.RadarData = append(doc.RadarData, snapshot.RadarRow{
			Pair:            entry.Pair.String(),
			Label:           entry.Label(),
			Origin:          entry.Origin,
			Destination:     entry.Destination,
			Heat:            entry.Heat,
			Zone:            string(entry.Zone),
			RSI:             entry.Indicators.RSI,
			EMADistance:     entry.Indicators.EMADistance,
			VolumeTrend:     string(entry.Indicators.VolumeTrend),
			ProfitPotential: entry.Indicators.ProfitPotential,
			Change24h:       entry.Change24h,
			Price:           entry.Indicators.Price.String(),
		})
	}

	holdings := e.Holdings(s)
	sort.SliceStable(holdings, func(i, j int) bool { return holdings[i].Value.GreaterThan(holdings[j].Value) })
	for _, h := range holdings {
		doc.DynamicInventory = append(doc.DynamicInventory, snapshot.InventoryRow{
			Asset:  h.Asset,
			Amount: h.Amount.String(),
			Value:  h.Value.StringFixed(2),
			InSlot: e.positions.Holds(h.Asset),
		})
	}

	return doc
}

func (e *Engine) prices(s State) map[string]string {
	out := make(map[string]string)
	for pair, price := range e.valuer.Cache().Snapshot() {
		out[pair] = price.String()
	}
	for asset, price := range s.Valuation.Prices {
		if asset == e.cfg.DefaultFiat {
			continue
		}
		out[asset+"/"+e.cfg.DefaultFiat] = price.String()
	}
	return out
}

func amounts(b domain.Balances) map[string]string {
	out := make(map[string]string, len(b))
	for asset, amount := range b {
		if amount.GreaterThan(decimal.Zero) {
			out[asset] = amount.String()
		}
	}
	return out
}
