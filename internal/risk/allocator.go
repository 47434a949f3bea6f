// Package risk sizes follower orders inside a per-account safety envelope.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// Limits is the safety envelope applied to every allocation.
type Limits struct {
	MaxNotionalPct     float64 // cap (a): notional as % of balance
	MaxLeverageUtilPct float64 // cap (b): effective leverage as % of configured leverage
	MaxTradeRiskPct    float64 // cap (c): single trade notional as % of balance
	DefaultRiskPct     float64 // used when an account has no risk_percentage
	FallbackFactor     float64
	DefaultMinNotional float64
	QuantityDecimals   int32
}

// DefaultLimits returns the stock envelope.
func DefaultLimits() Limits {
	return Limits{
		MaxNotionalPct:     20,
		MaxLeverageUtilPct: 80,
		MaxTradeRiskPct:    10,
		DefaultRiskPct:     2,
		FallbackFactor:     0.5,
		DefaultMinNotional: 5,
		QuantityDecimals:   8,
	}
}

// Balances returns an account's available balance.
type Balances interface {
	Get(ctx context.Context, accountID string) (float64, error)
}

// MarketData is the part of an exchange client the allocator reads.
type MarketData interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error)
}

// Request is one follower allocation for one master trade.
type Request struct {
	Follower db.Account
	Link     db.CopyLink
	Master   db.Trade
	Market   MarketData
}

// Allocation is the sized follower order.
type Allocation struct {
	Quantity float64
	Price    float64 // price used for sizing
	Notional float64
	Raw      float64 // quantity before caps, floor and rounding
	Capped   bool
	Floored  bool
	Fallback bool
	Reason   string // set when Fallback is true
}

// Allocator computes follower quantities.
type Allocator struct {
	limits   Limits
	balances Balances
	prices   *cache.PriceCache
	priceTTL time.Duration
	log      *zap.Logger
}

// NewAllocator creates an allocator. prices may be nil.
func NewAllocator(limits Limits, balances Balances, prices *cache.PriceCache, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{
		limits:   limits,
		balances: balances,
		prices:   prices,
		priceTTL: 5 * time.Second,
		log:      log.Named("allocator"),
	}
}

// Allocate sizes the follower order. It never fails: any error while sizing
// degrades to master_qty × copy% × FallbackFactor.
func (a *Allocator) Allocate(ctx context.Context, req Request) (out Allocation) {
	defer func() {
		if r := recover(); r != nil {
			out = a.fallback(req, fmt.Errorf("panic: %v", r))
		}
	}()

	alloc, err := a.allocate(ctx, req)
	if err != nil {
		return a.fallback(req, err)
	}
	return alloc
}

func (a *Allocator) allocate(ctx context.Context, req Request) (Allocation, error) {
	if a.balances == nil || req.Market == nil {
		return Allocation{}, errors.New("allocator is missing balance or market data")
	}
	balF, err := a.balances.Get(ctx, req.Follower.ID)
	if err != nil {
		return Allocation{}, fmt.Errorf("balance: %w", err)
	}
	if balF <= 0 {
		return Allocation{}, fmt.Errorf("balance %v is not positive", balF)
	}
	priceF, err := a.markPrice(ctx, req)
	if err != nil {
		return Allocation{}, err
	}

	balance := decimal.NewFromFloat(balF)
	price := decimal.NewFromFloat(priceF)
	riskPct := req.Follower.RiskPercentage
	if riskPct <= 0 {
		riskPct = a.limits.DefaultRiskPct
	}
	leverage := decimal.NewFromInt(int64(max(req.Follower.Leverage, 1)))

	// position_value = balance × risk% × leverage
	qty := balance.Mul(decimal.NewFromFloat(riskPct)).Div(hundred).Mul(leverage).Div(price)
	qty = qty.Mul(decimal.NewFromFloat(req.Link.CopyPercentage)).Div(hundred).Mul(decimal.NewFromFloat(req.Link.RiskMultiplier))
	raw := qty

	notional := qty.Mul(price)
	capped := false
	for _, limit := range []decimal.Decimal{
		balance.Mul(decimal.NewFromFloat(a.limits.MaxNotionalPct)).Div(hundred),
		balance.Mul(leverage).Mul(decimal.NewFromFloat(a.limits.MaxLeverageUtilPct)).Div(hundred),
		balance.Mul(decimal.NewFromFloat(a.limits.MaxTradeRiskPct)).Div(hundred),
	} {
		if limit.IsPositive() && notional.GreaterThan(limit) {
			notional = limit
			capped = true
		}
	}
	qty = notional.Div(price)

	step, minQty, minNotional := a.filters(ctx, req)
	floored := false
	if notional.LessThan(minNotional) {
		qty = minNotional.Div(price)
		floored = true
	}
	if qty.LessThan(minQty) {
		qty = minQty
		floored = true
	}

	qty = qty.Round(a.limits.QuantityDecimals)
	if floored {
		qty = common.SnapUp(qty, step)
	} else {
		qty = common.SnapDown(qty, step)
	}
	if !qty.IsPositive() {
		return Allocation{}, fmt.Errorf("quantity %s rounds to zero at step %s", raw.StringFixed(8), step)
	}

	q, _ := qty.Float64()
	p, _ := price.Float64()
	n, _ := qty.Mul(price).Float64()
	r, _ := raw.Float64()
	if floored {
		a.log.Info("⚠️ minimum notional overrides safety caps",
			zap.String("follower", req.Follower.Name), zap.String("symbol", req.Master.Symbol),
			zap.Float64("qty", q), zap.Float64("notional", n))
	}
	return Allocation{Quantity: q, Price: p, Notional: n, Raw: r, Capped: capped, Floored: floored}, nil
}

func (a *Allocator) markPrice(ctx context.Context, req Request) (float64, error) {
	symbol := req.Master.Symbol
	if a.prices != nil {
		if p, ok := a.prices.GetFresh(symbol, a.priceTTL); ok {
			return p, nil
		}
	}
	p, err := req.Market.GetMarkPrice(ctx, symbol)
	if err == nil && p > 0 {
		if a.prices != nil {
			a.prices.Set(symbol, p)
		}
		return p, nil
	}
	if req.Master.Price > 0 {
		return req.Master.Price, nil
	}
	if err == nil {
		err = errors.New("non-positive mark price")
	}
	return 0, fmt.Errorf("mark price for %s: %w", symbol, err)
}

func (a *Allocator) filters(ctx context.Context, req Request) (step, minQty, minNotional decimal.Decimal) {
	minNotional = decimal.NewFromFloat(a.limits.DefaultMinNotional)
	f, err := req.Market.GetSymbolFilters(ctx, req.Master.Symbol)
	if err != nil {
		return common.DefaultStepSize, decimal.Zero, minNotional
	}
	if f.MinNotional.IsPositive() {
		minNotional = f.MinNotional
	}
	return f.Step(), f.MinQty, minNotional
}

func (a *Allocator) fallback(req Request, cause error) Allocation {
	qty := decimal.NewFromFloat(req.Master.Quantity).
		Mul(decimal.NewFromFloat(req.Link.CopyPercentage)).Div(hundred).
		Mul(decimal.NewFromFloat(a.limits.FallbackFactor)).
		Round(a.limits.QuantityDecimals)
	q, _ := qty.Float64()
	a.log.Warn("⚠️ allocation fell back to master-proportional size",
		zap.String("follower", req.Follower.Name), zap.String("symbol", req.Master.Symbol),
		zap.Float64("qty", q), zap.Error(cause))
	return Allocation{Quantity: q, Price: req.Master.Price, Raw: q, Fallback: true, Reason: cause.Error()}
}
