package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"copytrade-core/pkg/exchanges/common"
)

// GetBalance returns the available USDT balance.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, err
	}
	var bal []futuresBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range bal {
		if strings.EqualFold(b.Asset, "USDT") {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, nil
}

// GetMarkPrice returns the current mark price of symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {strings.ToUpper(symbol)}})
	if err != nil {
		return 0, err
	}
	var idx premiumIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	p := parseFloat(idx.MarkPrice)
	if p <= 0 {
		return 0, fmt.Errorf("mark price for %s unavailable", symbol)
	}
	return p, nil
}

// GetPositions returns all non-flat positions.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, err
	}
	var rows []positionRisk
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(rows))
	for _, r := range rows {
		if p, ok := r.toPosition(); ok {
			out = append(out, p)
			c.TrackSymbols(p.Symbol)
		}
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// GetPositionMode reports whether hedge (dual side) mode is enabled.
func (c *Client) GetPositionMode(ctx context.Context) (bool, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return false, err
	}
	var out struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode position mode: %w", err)
	}
	c.dual.Store(out.DualSidePosition)
	return out.DualSidePosition, nil
}

// SetPositionMode enables or disables hedge mode. Requesting the current
// mode is not an error.
func (c *Client) SetPositionMode(ctx context.Context, dual bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(dual))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	if err != nil && !isCode(err, codeNoChange) {
		return err
	}
	c.dual.Store(dual)
	return nil
}

// GetSymbolFilters returns LOT_SIZE, MIN_NOTIONAL and PRICE_FILTER values
// for symbol. exchangeInfo is cached for an hour.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	symbol = strings.ToUpper(symbol)

	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()

	if c.filters == nil || time.Since(c.filtersFetched) > filtersTTL {
		if err := c.loadFiltersLocked(ctx); err != nil {
			return common.SymbolFilters{}, err
		}
	}
	f, ok := c.filters[symbol]
	if !ok {
		return common.SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
	}
	return f, nil
}

func (c *Client) loadFiltersLocked(ctx context.Context) error {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}

	filters := make(map[string]common.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		f := common.SymbolFilters{Symbol: s.Symbol}
		for _, raw := range s.Filters {
			switch raw.FilterType {
			case "LOT_SIZE":
				f.StepSize = decimalOrZero(raw.StepSize)
				f.MinQty = decimalOrZero(raw.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = decimalOrZero(raw.Notional)
			case "PRICE_FILTER":
				f.TickSize = decimalOrZero(raw.TickSize)
			}
		}
		filters[s.Symbol] = f
	}
	c.filters = filters
	c.filtersFetched = time.Now()
	return nil
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
