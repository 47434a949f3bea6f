package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// GetOpenOrders returns open orders across all symbols.
func (c *Client) GetOpenOrders(ctx context.Context) ([]common.Order, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", nil)
	if err != nil {
		return nil, err
	}
	orders, err := decodeOrders(body)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		c.TrackSymbols(o.Symbol)
	}
	return orders, nil
}

// TrackSymbols adds symbols to the set GetOrdersSince reads. A symbol stays
// tracked for the life of the client, so a position closed flat between two
// polls still has its closing order read.
func (c *Client) TrackSymbols(symbols ...string) {
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			c.tracked[s] = struct{}{}
		}
	}
}

func (c *Client) trackedSymbols() []string {
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()
	names := make([]string, 0, len(c.tracked))
	for s := range c.tracked {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// GetOrdersSince returns orders created at or after since. allOrders is
// per-symbol, so it reads the configured symbols, every symbol that has an
// open order or a position now, and every symbol tracked earlier.
func (c *Client) GetOrdersSince(ctx context.Context, since time.Time) ([]common.Order, error) {
	c.TrackSymbols(c.cfg.Symbols...)
	if _, err := c.GetOpenOrders(ctx); err != nil {
		return nil, err
	}
	if _, err := c.GetPositions(ctx); err != nil {
		return nil, err
	}
	names := c.trackedSymbols()

	var out []common.Order
	for _, s := range names {
		params := url.Values{}
		params.Set("symbol", s)
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(allOrdersLimit))
		body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/allOrders", params)
		if err != nil {
			return nil, fmt.Errorf("all orders %s: %w", s, err)
		}
		orders, err := decodeOrders(body)
		if err != nil {
			return nil, err
		}
		out = append(out, orders...)
	}
	return out, nil
}

// PlaceMarket submits a market order.
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side common.Side, qty float64) (common.PlaceResult, error) {
	return c.submit(ctx, orderParams(symbol, side, common.OrderTypeMarket, qty))
}

// PlaceLimit submits a GTC limit order.
func (c *Client) PlaceLimit(ctx context.Context, symbol string, side common.Side, qty, price float64) (common.PlaceResult, error) {
	params := orderParams(symbol, side, common.OrderTypeLimit, qty)
	params.Set("price", formatFloat(price))
	params.Set("timeInForce", "GTC")
	return c.submit(ctx, params)
}

// PlaceStopMarket submits a stop-market order triggered at stopPrice.
func (c *Client) PlaceStopMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	params := orderParams(symbol, side, common.OrderTypeStopMarket, qty)
	params.Set("stopPrice", formatFloat(stopPrice))
	params.Set("workingType", "MARK_PRICE")
	return c.submit(ctx, params)
}

// PlaceTakeProfitMarket submits a take-profit-market order triggered at stopPrice.
func (c *Client) PlaceTakeProfitMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	params := orderParams(symbol, side, common.OrderTypeTakeProfitMarket, qty)
	params.Set("stopPrice", formatFloat(stopPrice))
	params.Set("workingType", "MARK_PRICE")
	return c.submit(ctx, params)
}

// ClosePosition reduces the position of direction side by qty at market.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.PlaceResult, error) {
	return c.PlaceReduceOnly(ctx, symbol, side, common.OrderTypeMarket, qty, 0)
}

// PlaceReduceOnly submits a reduce-only order against the position of
// direction side. In hedge mode positionSide replaces the reduceOnly flag.
func (c *Client) PlaceReduceOnly(ctx context.Context, symbol string, side common.PositionSide, typ common.OrderType, qty, price float64) (common.PlaceResult, error) {
	params := orderParams(symbol, side.ClosingSide(), typ, qty)
	switch typ {
	case common.OrderTypeMarket:
	case common.OrderTypeLimit:
		params.Set("price", formatFloat(price))
		params.Set("timeInForce", "GTC")
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		params.Set("stopPrice", formatFloat(price))
		params.Set("workingType", "MARK_PRICE")
	default:
		return common.PlaceResult{}, &common.Error{Kind: common.KindUnknown, Message: "unsupported order type " + string(typ)}
	}
	if c.dual.Load() {
		params.Set("positionSide", string(side))
	} else {
		params.Set("reduceOnly", "true")
	}
	return c.submit(ctx, params)
}

// CancelOrder cancels an order by symbol and id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

func orderParams(symbol string, side common.Side, typ common.OrderType, qty float64) url.Values {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("side", string(side))
	params.Set("type", string(typ))
	params.Set("quantity", formatFloat(qty))
	params.Set("newOrderRespType", "RESULT")
	return params
}

func (c *Client) submit(ctx context.Context, params url.Values) (common.PlaceResult, error) {
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.PlaceResult{}, err
	}
	var resp apiOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.PlaceResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toPlaceResult(), nil
}

func decodeOrders(body []byte) ([]common.Order, error) {
	var raw []apiOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]common.Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toOrder())
	}
	return out, nil
}
