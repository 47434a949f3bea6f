// Package exchangetest provides a scriptable in-memory exchange client.
package exchangetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// Placed records an order submitted through the fake.
type Placed struct {
	OrderID  string
	Symbol   string
	Side     common.Side
	Type     common.OrderType
	Qty      float64
	Price    float64
	Reduce   bool
	Position common.PositionSide
}

// Fake implements common.Client. Zero value is ready to use; configure it
// with the exported fields under Lock or the setters.
type Fake struct {
	mu sync.Mutex

	Balance      float64
	BalanceErr   error
	MarkPrices   map[string]float64
	MarkErr      error
	Positions    []common.Position
	PositionsErr error
	Open         []common.Order
	History      []common.Order
	OrdersErr    error
	Filters      map[string]common.SymbolFilters
	FiltersErr   error
	PingErr      error
	PlaceErr     error
	CancelErr    error
	LeverageErr  error
	ModeErr      error
	Dual         bool

	placed       []Placed
	cancelled    []string
	leverage     map[string]int
	historyCalls []time.Time
	tracked      map[string]bool
	nextID       int
}

var (
	_ common.Client        = (*Fake)(nil)
	_ common.SymbolTracker = (*Fake)(nil)
)

// New returns a fake with a balance and mark prices.
func New(balance float64, marks map[string]float64) *Fake {
	return &Fake{Balance: balance, MarkPrices: marks}
}

// Do runs fn with the fake locked, for adjusting exported fields mid-test.
func (f *Fake) Do(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// SetOrders replaces the open and historical order snapshots.
func (f *Fake) SetOrders(open, history []common.Order) {
	f.Do(func(f *Fake) {
		f.Open = open
		f.History = history
	})
}

// PlacedOrders returns every accepted placement, including closes.
func (f *Fake) PlacedOrders() []Placed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Placed(nil), f.placed...)
}

// Cancelled returns the ids passed to CancelOrder successfully.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Leverage returns the last leverage set for symbol.
func (f *Fake) Leverage(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leverage[symbol]
}

// HistoryCalls returns the since arguments of GetOrdersSince calls.
func (f *Fake) HistoryCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.historyCalls...)
}

// TrackSymbols records symbol hints.
func (f *Fake) TrackSymbols(symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tracked == nil {
		f.tracked = make(map[string]bool)
	}
	for _, s := range symbols {
		f.tracked[s] = true
	}
}

// Tracked reports whether symbol was hinted through TrackSymbols.
func (f *Fake) Tracked(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[symbol]
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *Fake) GetBalance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return 0, f.BalanceErr
	}
	return f.Balance, nil
}

func (f *Fake) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MarkErr != nil {
		return 0, f.MarkErr
	}
	p, ok := f.MarkPrices[strings.ToUpper(symbol)]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("no mark price for %s", symbol)
	}
	return p, nil
}

func (f *Fake) GetPositions(ctx context.Context) ([]common.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PositionsErr != nil {
		return nil, f.PositionsErr
	}
	return append([]common.Position(nil), f.Positions...), nil
}

func (f *Fake) GetOpenOrders(ctx context.Context) ([]common.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	return append([]common.Order(nil), f.Open...), nil
}

func (f *Fake) GetOrdersSince(ctx context.Context, since time.Time) ([]common.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls = append(f.historyCalls, since)
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	var out []common.Order
	for _, o := range f.History {
		if !o.Time.Before(since) || !o.UpdateTime.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *Fake) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FiltersErr != nil {
		return common.SymbolFilters{}, f.FiltersErr
	}
	flt, ok := f.Filters[strings.ToUpper(symbol)]
	if !ok {
		return common.SymbolFilters{}, fmt.Errorf("no filters for %s", symbol)
	}
	return flt, nil
}

func (f *Fake) PlaceMarket(ctx context.Context, symbol string, side common.Side, qty float64) (common.PlaceResult, error) {
	return f.place(Placed{Symbol: symbol, Side: side, Type: common.OrderTypeMarket, Qty: qty})
}

func (f *Fake) PlaceLimit(ctx context.Context, symbol string, side common.Side, qty, price float64) (common.PlaceResult, error) {
	return f.place(Placed{Symbol: symbol, Side: side, Type: common.OrderTypeLimit, Qty: qty, Price: price})
}

func (f *Fake) PlaceStopMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	return f.place(Placed{Symbol: symbol, Side: side, Type: common.OrderTypeStopMarket, Qty: qty, Price: stopPrice})
}

func (f *Fake) PlaceTakeProfitMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	return f.place(Placed{Symbol: symbol, Side: side, Type: common.OrderTypeTakeProfitMarket, Qty: qty, Price: stopPrice})
}

func (f *Fake) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.PlaceResult, error) {
	return f.place(Placed{Symbol: symbol, Side: side.ClosingSide(), Type: common.OrderTypeMarket, Qty: qty, Reduce: true, Position: side})
}

func (f *Fake) PlaceReduceOnly(ctx context.Context, symbol string, side common.PositionSide, typ common.OrderType, qty, price float64) (common.PlaceResult, error) {
	return f.place(Placed{Symbol: symbol, Side: side.ClosingSide(), Type: typ, Qty: qty, Price: price, Reduce: true, Position: side})
}

func (f *Fake) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *Fake) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LeverageErr != nil {
		return f.LeverageErr
	}
	if f.leverage == nil {
		f.leverage = make(map[string]int)
	}
	f.leverage[symbol] = leverage
	return nil
}

func (f *Fake) GetPositionMode(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Dual, f.ModeErr
}

func (f *Fake) SetPositionMode(ctx context.Context, dual bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ModeErr != nil {
		return f.ModeErr
	}
	f.Dual = dual
	return nil
}

func (f *Fake) place(p Placed) (common.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return common.PlaceResult{}, f.PlaceErr
	}
	f.nextID++
	p.OrderID = fmt.Sprintf("F%d", f.nextID)
	p.Symbol = strings.ToUpper(p.Symbol)
	f.placed = append(f.placed, p)
	return common.PlaceResult{OrderID: p.OrderID, Status: common.StatusNew}, nil
}
