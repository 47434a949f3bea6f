package common

import (
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide normalizes an exchange side string.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// OrderType is the subset of futures order types the engine replicates.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Replicable reports whether orders of this type are copied to followers.
func (t OrderType) Replicable() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopMarket, OrderTypeTakeProfitMarket:
		return true
	}
	return false
}

// OrderStatus is the exchange-side order state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Rank orders statuses by progress; terminal states share the top rank.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusPartiallyFilled:
		return 1
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return 2
	}
	return -1
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s.Rank() == 2
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opens reports whether an order on side grows a position of direction p.
func (p PositionSide) Opens(side Side) bool {
	return (p == PositionLong && side == SideBuy) || (p == PositionShort && side == SideSell)
}

// ClosingSide is the order side that reduces a position of direction p.
func (p PositionSide) ClosingSide() Side {
	if p == PositionLong {
		return SideSell
	}
	return SideBuy
}

// Order is a point-in-time snapshot of an exchange order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Type          OrderType
	OrigQty       float64
	ExecutedQty   float64
	Price         float64
	AvgPrice      float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
	Time          time.Time // creation
	UpdateTime    time.Time
}

// ReferencePrice is the best known price for notional checks.
func (o Order) ReferencePrice() float64 {
	switch {
	case o.AvgPrice > 0:
		return o.AvgPrice
	case o.Price > 0:
		return o.Price
	default:
		return o.StopPrice
	}
}

// Position is a non-flat position held by an account.
type Position struct {
	Symbol     string
	Side       PositionSide
	Size       float64 // always positive
	EntryPrice float64
	MarkPrice  float64
}

// PlaceResult is the exchange acknowledgement of a new order.
type PlaceResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   float64
	AvgPrice      float64
}
