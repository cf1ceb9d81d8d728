// Package swap converts one asset into another over one or two market orders.
package swap

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/metrics"
	"github.com/vadiminshakov/ceibe/internal/services/router"
	"github.com/vadiminshakov/ceibe/internal/storage/swapjournal"
)

// Journal records intents around every conversion.
type Journal interface {
	Prepare(kind string, slot int, from, to string, amount decimal.Decimal, route []string) (*swapjournal.Intent, error)
	MarkDone(intent *swapjournal.Intent, received decimal.Decimal) error
	MarkFailed(intent *swapjournal.Intent, cause error) error
}

// Request conversion of Amount of From into To.
type Request struct {
	Kind          string
	SlotID        int
	From          string
	To            string
	Amount        decimal.Decimal
	PreferLowFees bool
}

// Result outcome of a conversion. When a two-leg swap fails after its first
// leg, Asset is the intermediate asset actually held and Received its amount.
type Result struct {
	Route    router.Route
	Asset    string
	Spent    decimal.Decimal
	Received decimal.Decimal
	Fills    []domain.Fill
	Complete bool
}

// Config swapper settings.
type Config struct {
	Whitelist []string
	Fiats     []string
	// BuyBuffer fraction kept aside when sizing buy legs from a quote amount.
	BuyBuffer decimal.Decimal
}

// Swapper executes routed conversions through the gateway.
type Swapper struct {
	cfg     Config
	gateway domain.Gateway
	router  *router.Router
	journal Journal
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a swapper; journal and metrics may be nil.
func New(cfg Config, gateway domain.Gateway, r *router.Router, journal Journal, m *metrics.Metrics, logger *zap.Logger) *Swapper {
	return &Swapper{cfg: cfg, gateway: gateway, router: r, journal: journal, metrics: m, logger: logger}
}

// Route resolves the path for a conversion without executing it.
func (s *Swapper) Route(from, to string, preferLowFees bool) (router.Route, error) {
	return s.router.FindRoute(from, to, s.cfg.Whitelist, s.cfg.Fiats, preferLowFees)
}

// Swap resolves the route and executes every leg. Route and minimum errors
// leave balances untouched.
func (s *Swapper) Swap(ctx context.Context, req Request) (Result, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return Result{}, errors.Wrapf(domain.ErrBelowMinimum, "swap %s of %s", req.Amount, req.From)
	}

	route, err := s.Route(req.From, req.To, req.PreferLowFees)
	if err != nil {
		return Result{}, err
	}

	var intent *swapjournal.Intent
	if s.journal != nil {
		intent, err = s.journal.Prepare(req.Kind, req.SlotID, req.From, req.To, req.Amount, route.Assets())
		if err != nil {
			return Result{}, errors.Wrap(err, "journal swap intent")
		}
	}

	res := Result{Route: route, Asset: req.From, Spent: req.Amount, Received: req.Amount}
	for i, leg := range route.Legs {
		fill, err := s.executeLeg(ctx, leg, res.Received)
		if err != nil {
			s.markFailed(intent, err)
			if i == 0 {
				return Result{Route: route}, errors.Wrapf(err, "swap %s", route.String())
			}
			return res, errors.Wrapf(err, "swap %s stopped at %s", route.String(), res.Asset)
		}
		res.Fills = append(res.Fills, fill)
		res.Asset = leg.To
		res.Received = fill.Received()
	}
	res.Complete = true

	if s.journal != nil {
		if err := s.journal.MarkDone(intent, res.Received); err != nil {
			s.logger.Warn("journal swap done", zap.Error(err))
		}
	}
	s.metrics.Swap(req.Kind)
	s.logger.Info("swap executed",
		zap.String("kind", req.Kind),
		zap.Int("slot", req.SlotID),
		zap.String("route", route.String()),
		zap.String("spent", req.Amount.String()),
		zap.String("received", res.Received.String()),
	)

	return res, nil
}

func (s *Swapper) executeLeg(ctx context.Context, leg router.Leg, amount decimal.Decimal) (domain.Fill, error) {
	base := amount
	if leg.Side == domain.SideBuy {
		t, err := s.gateway.FetchTicker(ctx, leg.Pair)
		if err != nil {
			return domain.Fill{}, errors.Wrapf(err, "price of %s", leg.Pair.String())
		}
		price := t.Ask
		if price.LessThanOrEqual(decimal.Zero) {
			price = t.Last
		}
		if price.LessThanOrEqual(decimal.Zero) {
			return domain.Fill{}, errors.Wrapf(domain.ErrNoData, "no price for %s", leg.Pair.String())
		}
		base = amount.Mul(decimal.NewFromInt(1).Sub(s.cfg.BuyBuffer)).Div(price)
	}

	rounded, err := s.gateway.RoundToPrecision(ctx, leg.Pair, base)
	if err != nil {
		return domain.Fill{}, err
	}
	if rounded.LessThanOrEqual(decimal.Zero) {
		return domain.Fill{}, errors.Wrapf(domain.ErrBelowMinimum, "%s rounds to zero on %s", base, leg.Pair.String())
	}
	if m, ok := s.router.Market(leg.Pair.From, leg.Pair.To); ok && m.MinQty.IsPositive() && rounded.LessThan(m.MinQty) {
		return domain.Fill{}, errors.Wrapf(domain.ErrBelowMinimum, "%s below min qty %s on %s", rounded, m.MinQty, leg.Pair.String())
	}

	fill, err := s.gateway.CreateMarketOrder(ctx, leg.Pair, leg.Side, rounded, clientOrderID())
	if err != nil {
		return domain.Fill{}, err
	}
	if fill.Time.IsZero() {
		fill.Time = time.Now()
	}
	return fill, nil
}

func (s *Swapper) markFailed(intent *swapjournal.Intent, cause error) {
	if s.journal == nil {
		return
	}
	if err := s.journal.MarkFailed(intent, cause); err != nil {
		s.logger.Warn("journal swap failure", zap.Error(err))
	}
}

// clientOrderID stays within the 36 characters the exchange accepts.
func clientOrderID() string {
	return "cb" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
