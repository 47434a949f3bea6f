package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// ClosePositionExecutor reduces follower positions when a master order
// closes exposure. The close size comes from the follower's own position.
type ClosePositionExecutor struct {
	deps     Deps
	decimals int32
}

// NewClosePositionExecutor creates the executor.
func NewClosePositionExecutor(deps Deps, decimals int32) *ClosePositionExecutor {
	deps = deps.withDefaults()
	deps.Log = deps.Log.Named("closer")
	if decimals <= 0 {
		decimals = 8
	}
	return &ClosePositionExecutor{deps: deps, decimals: decimals}
}

// Close submits a reduce-only order on every linked follower that holds a
// position the master order reduces. A master LIMIT, STOP_MARKET or
// TAKE_PROFIT_MARKET that has not filled yet is mirrored as the same order
// type at the master's price; anything else closes at market.
func (e *ClosePositionExecutor) Close(ctx context.Context, master db.Account, trade db.Trade, order common.Order, links []db.CopyLink) Result {
	res := fanOut(e.deps, links, func(l db.CopyLink) string {
		return e.closeOne(ctx, master, trade, order, l)
	})
	e.deps.Log.Info("✓ close propagation finished",
		zap.String("master", master.Name), zap.String("symbol", trade.Symbol),
		zap.Int("closed", res.Placed), zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	return res
}

func (e *ClosePositionExecutor) closeOne(ctx context.Context, master db.Account, trade db.Trade, order common.Order, link db.CopyLink) (result string) {
	action := events.FollowerAction{
		MasterID: master.ID, FollowerID: link.FollowerID, TradeID: trade.ID,
		Symbol: trade.Symbol, Side: trade.Side,
	}
	defer func() {
		action.Result = result
		action.At = time.Now()
		e.deps.Bus.Publish(events.EventClose, action)
	}()

	typ, price := closeOrder(trade, order)
	if typ != common.OrderTypeMarket && price <= 0 {
		action.Message = "master order has no price"
		return events.ResultSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, e.deps.Timeout)
	defer cancel()

	done, err := e.deps.DB.Queries().HasReplica(ctx, trade.ID, link.FollowerID)
	if err != nil {
		e.deps.Log.Error("❌ replica lookup failed", zap.String("follower_id", link.FollowerID), zap.Error(err))
		return events.ResultFailed
	}
	if done {
		return events.ResultSkipped
	}

	entry, err := e.deps.Accounts.Follower(link.FollowerID)
	if err != nil {
		e.deps.Log.Warn("⚠️ follower not available", zap.String("follower_id", link.FollowerID), zap.Error(err))
		return events.ResultFailed
	}
	follower, client := entry.Account, entry.Client
	side := sideOf(trade.Side)

	positions, err := client.GetPositions(ctx)
	if err != nil {
		action.ErrorKind = string(common.KindOf(err))
		return exchangeFailure(e.deps, "close", follower, trade, err)
	}
	pos, ok := reducedPosition(positions, trade.Symbol, side)
	if !ok {
		e.deps.Audit.Info(fmt.Sprintf("%s holds no position on %s to close; master close %s skipped",
			follower.Name, trade.Symbol, trade.ExchangeOrderID), follower.ID, trade.ID)
		action.Message = "no position"
		return events.ResultSkipped
	}

	qty := e.closeQuantity(ctx, client, pos, link.CopyPercentage)
	action.Quantity = qty
	if qty <= 0 {
		action.Message = "close size rounds to zero"
		return events.ResultSkipped
	}

	var placed common.PlaceResult
	if typ == common.OrderTypeMarket {
		placed, err = client.ClosePosition(ctx, trade.Symbol, pos.Side, qty)
	} else {
		placed, err = client.PlaceReduceOnly(ctx, trade.Symbol, pos.Side, typ, qty, price)
	}
	if err != nil {
		action.ErrorKind = string(common.KindOf(err))
		action.Message = err.Error()
		return exchangeFailure(e.deps, "close", follower, trade, err)
	}
	action.OrderID = placed.OrderID

	rec := replicaRecord{
		follower: follower, master: trade, orderType: typ, side: pos.Side.ClosingSide(),
		quantity: qty, price: pos.MarkPrice, placed: placed,
		message: fmt.Sprintf("Closed %s %s %s of %s position for %s after master order %s",
			formatQty(qty), trade.Symbol, pos.Side, formatQty(pos.Size), follower.Name, trade.ExchangeOrderID),
	}
	switch typ {
	case common.OrderTypeLimit:
		rec.price = price
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		rec.stopPrice = price
	}
	if typ != common.OrderTypeMarket {
		rec.message = fmt.Sprintf("Placed reduce-only %s %s %s @ %s against %s position for %s, mirroring master order %s",
			typ, formatQty(qty), trade.Symbol, formatQty(price), pos.Side, follower.Name, trade.ExchangeOrderID)
	}
	if err := persistReplica(context.WithoutCancel(ctx), e.deps, rec); err != nil {
		e.deps.Log.Error("❌ close placed but not recorded", zap.String("follower", follower.Name),
			zap.String("order_id", placed.OrderID), zap.Error(err))
		return events.ResultFailed
	}
	e.deps.Log.Info("✓ follower close placed", zap.String("follower", follower.Name),
		zap.String("symbol", trade.Symbol), zap.String("position", string(pos.Side)),
		zap.String("type", string(typ)), zap.Float64("qty", qty), zap.Float64("price", price))
	return events.ResultOK
}

// closeOrder picks the follower order for a master close. Only a filled
// master order, or a master MARKET order, closes the follower at market.
func closeOrder(trade db.Trade, order common.Order) (common.OrderType, float64) {
	if trade.Status == db.StatusFilled {
		return common.OrderTypeMarket, 0
	}
	switch typ := common.OrderType(trade.OrderType); typ {
	case common.OrderTypeLimit:
		return typ, order.Price
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		return typ, order.StopPrice
	}
	return common.OrderTypeMarket, 0
}

// closeQuantity scales the follower's position by copy% and snaps it to the
// symbol step, never exceeding the position.
func (e *ClosePositionExecutor) closeQuantity(ctx context.Context, client common.Client, pos common.Position, copyPct float64) float64 {
	size := decimal.NewFromFloat(pos.Size)
	qty := size.Mul(decimal.NewFromFloat(copyPct)).Div(decimal.NewFromInt(100)).Round(e.decimals)
	step := common.DefaultStepSize
	if f, err := client.GetSymbolFilters(ctx, pos.Symbol); err == nil {
		step = f.Step()
	}
	qty = common.SnapDown(qty, step)
	if qty.GreaterThan(size) {
		qty = size
	}
	return qty.InexactFloat64()
}

// reducedPosition finds the position on symbol that an order on side reduces.
func reducedPosition(positions []common.Position, symbol string, side common.Side) (common.Position, bool) {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Size > 0 && p.Side.ClosingSide() == side {
			return p, true
		}
	}
	return common.Position{}, false
}
