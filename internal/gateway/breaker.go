package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"copytrade-core/pkg/exchanges/common"
)

// BreakerConfig tunes the per-account circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	OnStateChange    func(account string, from, to gobreaker.State)
}

// DefaultBreakerConfig trips after five consecutive transport failures and
// probes again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// GuardedClient routes every call of an account's client through a circuit
// breaker. Exchange rejections of a request (margin, filters, permissions)
// do not count as failures; transport errors and rate limiting do.
type GuardedClient struct {
	inner common.Client
	cb    *gobreaker.CircuitBreaker
}

var _ common.Client = (*GuardedClient)(nil)

// NewGuardedClient wraps inner with a breaker named after the account.
func NewGuardedClient(account string, inner common.Client, cfg BreakerConfig) *GuardedClient {
	settings := gobreaker.Settings{
		Name:        account,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: countsAsSuccess,
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = cfg.OnStateChange
	}
	return &GuardedClient{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch common.KindOf(err) {
	case common.KindUnknown, common.KindRateLimited:
		return false
	}
	return true
}

// State returns the breaker state.
func (g *GuardedClient) State() gobreaker.State {
	return g.cb.State()
}

// Unwrap returns the wrapped client.
func (g *GuardedClient) Unwrap() common.Client {
	return g.inner
}

// TrackSymbols forwards symbol hints when the wrapped client reads history
// per symbol.
func (g *GuardedClient) TrackSymbols(symbols ...string) {
	if t, ok := g.inner.(common.SymbolTracker); ok {
		t.TrackSymbols(symbols...)
	}
}

func guard[T any](g *GuardedClient, fn func() (T, error)) (T, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", ErrClientUnavailable, err)
		}
		return zero, err
	}
	return out.(T), nil
}

func guardErr(g *GuardedClient, fn func() error) error {
	_, err := guard(g, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (g *GuardedClient) Ping(ctx context.Context) error {
	return guardErr(g, func() error { return g.inner.Ping(ctx) })
}

func (g *GuardedClient) GetBalance(ctx context.Context) (float64, error) {
	return guard(g, func() (float64, error) { return g.inner.GetBalance(ctx) })
}

func (g *GuardedClient) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return guard(g, func() (float64, error) { return g.inner.GetMarkPrice(ctx, symbol) })
}

func (g *GuardedClient) GetPositions(ctx context.Context) ([]common.Position, error) {
	return guard(g, func() ([]common.Position, error) { return g.inner.GetPositions(ctx) })
}

func (g *GuardedClient) GetOpenOrders(ctx context.Context) ([]common.Order, error) {
	return guard(g, func() ([]common.Order, error) { return g.inner.GetOpenOrders(ctx) })
}

func (g *GuardedClient) GetOrdersSince(ctx context.Context, since time.Time) ([]common.Order, error) {
	return guard(g, func() ([]common.Order, error) { return g.inner.GetOrdersSince(ctx, since) })
}

func (g *GuardedClient) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	return guard(g, func() (common.SymbolFilters, error) { return g.inner.GetSymbolFilters(ctx, symbol) })
}

func (g *GuardedClient) PlaceMarket(ctx context.Context, symbol string, side common.Side, qty float64) (common.PlaceResult, error) {
	return guard(g, func() (common.PlaceResult, error) { return g.inner.PlaceMarket(ctx, symbol, side, qty) })
}

func (g *GuardedClient) PlaceLimit(ctx context.Context, symbol string, side common.Side, qty, price float64) (common.PlaceResult, error) {
	return guard(g, func() (common.PlaceResult, error) { return g.inner.PlaceLimit(ctx, symbol, side, qty, price) })
}

func (g *GuardedClient) PlaceStopMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	return guard(g, func() (common.PlaceResult, error) { return g.inner.PlaceStopMarket(ctx, symbol, side, qty, stopPrice) })
}

func (g *GuardedClient) PlaceTakeProfitMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	return guard(g, func() (common.PlaceResult, error) {
		return g.inner.PlaceTakeProfitMarket(ctx, symbol, side, qty, stopPrice)
	})
}

func (g *GuardedClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return guardErr(g, func() error { return g.inner.CancelOrder(ctx, symbol, orderID) })
}

func (g *GuardedClient) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.PlaceResult, error) {
	return guard(g, func() (common.PlaceResult, error) { return g.inner.ClosePosition(ctx, symbol, side, qty) })
}

func (g *GuardedClient) PlaceReduceOnly(ctx context.Context, symbol string, side common.PositionSide, typ common.OrderType, qty, price float64) (common.PlaceResult, error) {
	return guard(g, func() (common.PlaceResult, error) {
		return g.inner.PlaceReduceOnly(ctx, symbol, side, typ, qty, price)
	})
}

func (g *GuardedClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return guardErr(g, func() error { return g.inner.SetLeverage(ctx, symbol, leverage) })
}

func (g *GuardedClient) GetPositionMode(ctx context.Context) (bool, error) {
	return guard(g, func() (bool, error) { return g.inner.GetPositionMode(ctx) })
}

func (g *GuardedClient) SetPositionMode(ctx context.Context, dual bool) error {
	return guardErr(g, func() error { return g.inner.SetPositionMode(ctx, dual) })
}
