package futures_usdt

import (
	"math"
	"strconv"
	"strings"

	"copytrade-core/pkg/exchanges/common"
)

// apiOrder is the order shape shared by openOrders, allOrders and order acks.
type apiOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	PositionSide  string `json:"positionSide"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o apiOrder) toOrder() common.Order {
	side, _ := common.ParseSide(o.Side)
	created := o.Time
	if created == 0 {
		created = o.UpdateTime
	}
	return common.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        strings.ToUpper(o.Symbol),
		Side:          side,
		Status:        mapStatus(o.Status),
		Type:          common.OrderType(strings.ToUpper(o.Type)),
		OrigQty:       parseFloat(o.OrigQty),
		ExecutedQty:   parseFloat(o.ExecutedQty),
		Price:         parseFloat(o.Price),
		AvgPrice:      parseFloat(o.AvgPrice),
		StopPrice:     parseFloat(o.StopPrice),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		Time:          msToTime(created),
		UpdateTime:    msToTime(o.UpdateTime),
	}
}

func (o apiOrder) toPlaceResult() common.PlaceResult {
	return common.PlaceResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Status:        mapStatus(o.Status),
		ExecutedQty:   parseFloat(o.ExecutedQty),
		AvgPrice:      parseFloat(o.AvgPrice),
	}
}

type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	MarkPrice    string `json:"markPrice"`
	Leverage     string `json:"leverage"`
}

// toPosition converts a position risk row; ok is false for flat rows.
func (p positionRisk) toPosition() (common.Position, bool) {
	amt := parseFloat(p.PositionAmt)
	if amt == 0 {
		return common.Position{}, false
	}
	side := common.PositionLong
	switch strings.ToUpper(p.PositionSide) {
	case "SHORT":
		side = common.PositionShort
	case "LONG":
	default:
		if amt < 0 {
			side = common.PositionShort
		}
	}
	return common.Position{
		Symbol:     strings.ToUpper(p.Symbol),
		Side:       side,
		Size:       math.Abs(amt),
		EntryPrice: parseFloat(p.EntryPrice),
		MarkPrice:  parseFloat(p.MarkPrice),
	}, true
}

type futuresBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type premiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			TickSize   string `json:"tickSize"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	case "REJECTED":
		return common.StatusRejected
	}
	return common.OrderStatus(strings.ToUpper(s))
}
