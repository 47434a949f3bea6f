package common

import (
	"context"
	"time"
)

// Client is the per-account view of a derivatives exchange used by the engine.
type Client interface {
	Ping(ctx context.Context) error

	// GetBalance returns the available quote-asset (USDT) balance.
	GetBalance(ctx context.Context) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	// GetOrdersSince returns orders created or updated at or after since.
	GetOrdersSince(ctx context.Context, since time.Time) ([]Order, error)
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)

	PlaceMarket(ctx context.Context, symbol string, side Side, qty float64) (PlaceResult, error)
	PlaceLimit(ctx context.Context, symbol string, side Side, qty, price float64) (PlaceResult, error)
	PlaceStopMarket(ctx context.Context, symbol string, side Side, qty, stopPrice float64) (PlaceResult, error)
	PlaceTakeProfitMarket(ctx context.Context, symbol string, side Side, qty, stopPrice float64) (PlaceResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// ClosePosition submits a reduce-only market order shrinking the position
	// of direction side by qty.
	ClosePosition(ctx context.Context, symbol string, side PositionSide, qty float64) (PlaceResult, error)
	// PlaceReduceOnly submits a reduce-only order of typ against the position
	// of direction side. price is the limit or trigger price; MARKET ignores it.
	PlaceReduceOnly(ctx context.Context, symbol string, side PositionSide, typ OrderType, qty, price float64) (PlaceResult, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetPositionMode(ctx context.Context) (dual bool, err error)
	SetPositionMode(ctx context.Context, dual bool) error
}

// SymbolTracker is implemented by clients that read order history per
// symbol. Callers hint symbols the account is known to have traded.
type SymbolTracker interface {
	TrackSymbols(symbols ...string)
}

// Place routes an order type to the matching Client call.
func Place(ctx context.Context, c Client, typ OrderType, symbol string, side Side, qty, price float64) (PlaceResult, error) {
	switch typ {
	case OrderTypeMarket:
		return c.PlaceMarket(ctx, symbol, side, qty)
	case OrderTypeLimit:
		return c.PlaceLimit(ctx, symbol, side, qty, price)
	case OrderTypeStopMarket:
		return c.PlaceStopMarket(ctx, symbol, side, qty, price)
	case OrderTypeTakeProfitMarket:
		return c.PlaceTakeProfitMarket(ctx, symbol, side, qty, price)
	}
	return PlaceResult{}, &Error{Kind: KindUnknown, Message: "unsupported order type " + string(typ)}
}
