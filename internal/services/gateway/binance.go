// Package gateway implements domain.Gateway on top of Binance spot, plus a
// paper-trading wallet that uses live Binance prices.
package gateway

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

const marketsTTL = 30 * time.Minute

// BinanceGateway live spot gateway.
type BinanceGateway struct {
	client   *binance.Client
	takerFee decimal.Decimal
	logger   *zap.Logger

	mu       sync.RWMutex
	markets  map[string]domain.Market
	loadedAt time.Time
}

// NewBinanceGateway creates a gateway. Empty keys give a public, read-only client.
func NewBinanceGateway(apiKey, apiSecret string, takerFee decimal.Decimal, logger *zap.Logger) *BinanceGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceGateway{
		client:   binance.NewClient(apiKey, apiSecret),
		takerFee: takerFee,
		logger:   logger,
		markets:  make(map[string]domain.Market),
	}
}

// FetchTicker returns the 24h ticker of pair.
func (g *BinanceGateway) FetchTicker(ctx context.Context, pair domain.Pair) (domain.Ticker, error) {
	stats, err := g.client.NewListPriceChangeStatsService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return domain.Ticker{}, classify(err, "fetch ticker "+pair.String())
	}
	if len(stats) == 0 {
		return domain.Ticker{}, errors.Wrapf(domain.ErrNoData, "binance API returned empty ticker for %s", pair.String())
	}

	s := stats[0]
	last, err := decimal.NewFromString(s.LastPrice)
	if err != nil {
		return domain.Ticker{}, errors.Wrapf(err, "parse last price of %s", pair.String())
	}

	return domain.Ticker{
		Pair:        pair,
		Last:        last,
		Bid:         parseOrZero(s.BidPrice),
		Ask:         parseOrZero(s.AskPrice),
		Change24h:   parseOrZero(s.PriceChangePercent),
		QuoteVolume: parseOrZero(s.QuoteVolume),
		Time:        time.Now(),
	}, nil
}

// FetchCandles returns the latest limit candles of pair.
func (g *BinanceGateway) FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	klines, err := g.client.NewKlinesService().
		Symbol(pair.Symbol()).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(err, "fetch klines "+pair.String())
	}

	result := make([]domain.Candle, len(klines))
	for i, k := range klines {
		fields := []struct {
			raw string
			dst *decimal.Decimal
		}{
			{k.Open, &result[i].Open},
			{k.High, &result[i].High},
			{k.Low, &result[i].Low},
			{k.Close, &result[i].Close},
			{k.Volume, &result[i].Volume},
		}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse kline at index %d", i)
			}
			*f.dst = v
		}
		result[i].OpenTime = time.Unix(0, k.OpenTime*int64(time.Millisecond))
	}

	return result, nil
}

// FetchBalances returns free balances of every non-empty asset.
func (g *BinanceGateway) FetchBalances(ctx context.Context) (domain.Balances, error) {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err, "fetch account")
	}

	out := make(domain.Balances)
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s balance", b.Asset)
		}
		if free.GreaterThan(decimal.Zero) {
			out[b.Asset] = free
		}
	}

	return out, nil
}

// CreateMarketOrder places a market order for amount of the base asset.
func (g *BinanceGateway) CreateMarketOrder(ctx context.Context, pair domain.Pair, side domain.Side, amount decimal.Decimal, clientOrderID string) (domain.Fill, error) {
	rounded, err := g.RoundToPrecision(ctx, pair, amount)
	if err != nil {
		return domain.Fill{}, err
	}
	if rounded.LessThanOrEqual(decimal.Zero) {
		return domain.Fill{}, errors.Wrapf(domain.ErrBelowMinimum, "amount %s of %s rounds to zero", amount, pair.String())
	}

	sideType := binance.SideTypeBuy
	if side == domain.SideSell {
		sideType = binance.SideTypeSell
	}

	resp, err := g.client.NewCreateOrderService().Symbol(pair.Symbol()).
		Side(sideType).Type(binance.OrderTypeMarket).
		Quantity(rounded.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return domain.Fill{}, classify(err, "create order "+pair.String())
	}

	base := parseOrZero(resp.ExecutedQuantity)
	quote := parseOrZero(resp.CummulativeQuoteQuantity)
	price := decimal.Zero
	if base.GreaterThan(decimal.Zero) {
		price = quote.Div(base)
	}

	receivedAsset := pair.From
	if side == domain.SideSell {
		receivedAsset = pair.To
	}
	fee := decimal.Zero
	for _, f := range resp.Fills {
		if f.CommissionAsset == receivedAsset {
			fee = fee.Add(parseOrZero(f.Commission))
		}
	}

	g.logger.Info("order executed",
		zap.String("pair", pair.String()),
		zap.String("side", string(side)),
		zap.String("base", base.String()),
		zap.String("quote", quote.String()),
		zap.String("client_order_id", clientOrderID))

	return domain.Fill{
		OrderID:     clientOrderID,
		Pair:        pair,
		Side:        side,
		BaseAmount:  base,
		QuoteAmount: quote,
		Price:       price,
		Fee:         fee,
		Time:        time.Unix(0, resp.TransactTime*int64(time.Millisecond)),
	}, nil
}

// RoundToPrecision floors amount to the pair's lot step size.
func (g *BinanceGateway) RoundToPrecision(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (decimal.Decimal, error) {
	market, ok, err := g.market(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return amount.RoundFloor(8), nil
	}
	return market.RoundAmount(amount), nil
}

// Markets returns every trading spot market. The list is cached.
func (g *BinanceGateway) Markets(ctx context.Context) ([]domain.Market, error) {
	g.mu.RLock()
	fresh := len(g.markets) > 0 && time.Since(g.loadedAt) < marketsTTL
	g.mu.RUnlock()
	if !fresh {
		if err := g.loadMarkets(ctx); err != nil {
			return nil, err
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]domain.Market, 0, len(g.markets))
	for _, m := range g.markets {
		out = append(out, m)
	}
	return out, nil
}

func (g *BinanceGateway) market(ctx context.Context, pair domain.Pair) (domain.Market, bool, error) {
	g.mu.RLock()
	m, ok := g.markets[pair.Symbol()]
	empty := len(g.markets) == 0
	g.mu.RUnlock()
	if ok || !empty {
		return m, ok, nil
	}

	if err := g.loadMarkets(ctx); err != nil {
		return domain.Market{}, false, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok = g.markets[pair.Symbol()]
	return m, ok, nil
}

func (g *BinanceGateway) loadMarkets(ctx context.Context) error {
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return classify(err, "load exchange info")
	}

	markets := make(map[string]domain.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		m := domain.Market{
			Pair:     domain.NewPair(s.BaseAsset, s.QuoteAsset),
			Active:   s.Status == string(binance.SymbolStatusTypeTrading),
			TakerFee: g.takerFee,
		}
		if lot := s.LotSizeFilter(); lot != nil {
			m.StepSize = parseOrZero(lot.StepSize)
			m.MinQty = parseOrZero(lot.MinQuantity)
		}
		markets[s.Symbol] = m
	}

	g.mu.Lock()
	g.markets = markets
	g.loadedAt = time.Now()
	g.mu.Unlock()

	g.logger.Info("markets loaded", zap.Int("count", len(markets)))
	return nil
}

// classify maps exchange failures onto the domain error taxonomy.
func classify(err error, op string) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1022, -2008:
			return errors.Wrapf(domain.ErrAuth, "%s: %s", op, apiErr.Message)
		case -1003, -1015, -1001, -1021:
			return errors.Wrapf(domain.ErrTransient, "%s: %s", op, apiErr.Message)
		case -1013:
			if strings.Contains(strings.ToUpper(apiErr.Message), "NOTIONAL") {
				return errors.Wrapf(domain.ErrBelowMinimum, "%s: %s", op, apiErr.Message)
			}
		case -2010:
			return errors.Wrapf(domain.ErrInsufficientFunds, "%s: %s", op, apiErr.Message)
		}
		return errors.Wrap(err, op)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(domain.ErrTransient, "%s: %v", op, err)
	}

	return errors.Wrap(err, op)
}

func parseOrZero(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
