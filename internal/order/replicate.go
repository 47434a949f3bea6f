package order

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"copytrade-core/internal/events"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// ReplicationExecutor places scaled copies of an opening master order on
// every linked follower.
type ReplicationExecutor struct {
	deps      Deps
	allocator *risk.Allocator
	limits    risk.Limits
}

// NewReplicationExecutor creates the executor. limits supplies the default
// minimum notional and rounding precision used for normalization.
func NewReplicationExecutor(deps Deps, allocator *risk.Allocator, limits risk.Limits) *ReplicationExecutor {
	deps = deps.withDefaults()
	deps.Log = deps.Log.Named("replicator")
	return &ReplicationExecutor{deps: deps, allocator: allocator, limits: limits}
}

// Replicate copies trade to each follower in links. One follower's failure
// never affects the others.
func (e *ReplicationExecutor) Replicate(ctx context.Context, master db.Account, trade db.Trade, order common.Order, links []db.CopyLink) Result {
	res := fanOut(e.deps, links, func(l db.CopyLink) string {
		return e.replicateOne(ctx, master, trade, order, l)
	})
	e.deps.Log.Info("✓ replication finished",
		zap.String("master", master.Name), zap.String("symbol", trade.Symbol), zap.String("side", trade.Side),
		zap.Int("placed", res.Placed), zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	return res
}

func (e *ReplicationExecutor) replicateOne(ctx context.Context, master db.Account, trade db.Trade, order common.Order, link db.CopyLink) (result string) {
	action := events.FollowerAction{
		MasterID: master.ID, FollowerID: link.FollowerID, TradeID: trade.ID,
		Symbol: trade.Symbol, Side: trade.Side,
	}
	defer func() {
		action.Result = result
		action.At = time.Now()
		e.deps.Bus.Publish(events.EventReplica, action)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.deps.Timeout)
	defer cancel()

	done, err := e.deps.DB.Queries().HasReplica(ctx, trade.ID, link.FollowerID)
	if err != nil {
		e.deps.Log.Error("❌ replica lookup failed", zap.String("follower_id", link.FollowerID), zap.Error(err))
		return events.ResultFailed
	}
	if done {
		action.Message = "already replicated"
		return events.ResultSkipped
	}

	entry, err := e.deps.Accounts.Follower(link.FollowerID)
	if err != nil {
		e.deps.Log.Warn("⚠️ follower not available", zap.String("follower_id", link.FollowerID), zap.Error(err))
		e.deps.Audit.Warn(fmt.Sprintf("follower %s is not registered; trade %s not replicated", link.FollowerID, trade.ExchangeOrderID),
			link.FollowerID, trade.ID)
		return events.ResultFailed
	}
	follower, client := entry.Account, entry.Client
	log := e.deps.Log.With(zap.String("follower", follower.Name), zap.String("symbol", trade.Symbol))

	prepareAccount(ctx, client, trade.Symbol, follower.Leverage, log)

	alloc := e.allocator.Allocate(ctx, risk.Request{Follower: follower, Link: link, Master: trade, Market: client})
	e.deps.Bus.Publish(events.EventAllocation, events.Allocation{
		FollowerID: follower.ID, Symbol: trade.Symbol, Quantity: alloc.Quantity,
		Fallback: alloc.Fallback, Floored: alloc.Floored, Capped: alloc.Capped,
	})

	refPrice := alloc.Price
	if refPrice <= 0 {
		refPrice = order.ReferencePrice()
	}
	filters, ferr := client.GetSymbolFilters(ctx, trade.Symbol)
	if ferr != nil {
		filters = common.SymbolFilters{Symbol: trade.Symbol}
	}
	qty, ok := normalize(alloc.Quantity, refPrice, filters, e.limits.DefaultMinNotional, e.limits.QuantityDecimals)
	action.Quantity = qty
	if !ok {
		log.Info("⚠️ replica below exchange minimum; follower skipped",
			zap.Float64("qty", qty), zap.Float64("price", refPrice))
		action.Message = "below minimum notional"
		return events.ResultSkipped
	}

	typ := common.OrderType(trade.OrderType)
	side := sideOf(trade.Side)
	orderPrice := order.Price
	if typ == common.OrderTypeStopMarket || typ == common.OrderTypeTakeProfitMarket {
		orderPrice = order.StopPrice
	}

	placed, err := common.Place(ctx, client, typ, trade.Symbol, side, qty, orderPrice)
	if err != nil {
		action.ErrorKind = string(common.KindOf(err))
		action.Message = err.Error()
		return exchangeFailure(e.deps, "replication", follower, trade, err)
	}
	action.OrderID = placed.OrderID

	msg := fmt.Sprintf("Replicated %s %s %s qty %s for %s from master order %s",
		trade.OrderType, trade.Side, trade.Symbol, formatQty(qty), follower.Name, trade.ExchangeOrderID)
	if alloc.Fallback {
		msg += " (fallback sizing)"
	}
	rec := replicaRecord{
		follower: follower, master: trade, orderType: typ, side: side, quantity: qty,
		price: refPrice, stopPrice: order.StopPrice, placed: placed, message: msg,
	}
	if typ == common.OrderTypeLimit {
		rec.price = order.Price
	}
	if err := persistReplica(context.WithoutCancel(ctx), e.deps, rec); err != nil {
		// placed on the exchange but not recorded; ReplicaStatusSync cannot see it
		log.Error("❌ replica placed but not recorded", zap.String("order_id", placed.OrderID), zap.Error(err))
		e.deps.Audit.Error(fmt.Sprintf("replica order %s for %s placed but not recorded: %v", placed.OrderID, follower.Name, err),
			follower.ID, trade.ID)
		return events.ResultFailed
	}

	log.Info("✓ replica placed", zap.String("order_id", placed.OrderID), zap.String("side", trade.Side),
		zap.Float64("qty", qty), zap.Bool("fallback", alloc.Fallback))
	return events.ResultOK
}

// prepareAccount sets leverage and one-way mode. Sub-accounts often lack the
// permission for either; failures are only logged at debug level.
func prepareAccount(ctx context.Context, client common.Client, symbol string, leverage int, log *zap.Logger) {
	if leverage > 0 {
		if err := client.SetLeverage(ctx, symbol, leverage); err != nil {
			log.Debug("set leverage skipped", zap.Int("leverage", leverage), zap.Error(err))
		}
	}
	dual, err := client.GetPositionMode(ctx)
	if err != nil {
		log.Debug("position mode unknown", zap.Error(err))
		return
	}
	if dual {
		if err := client.SetPositionMode(ctx, false); err != nil {
			log.Debug("one-way mode skipped", zap.Error(err))
		}
	}
}

func formatQty(q float64) string {
	return fmt.Sprintf("%.8g", q)
}
