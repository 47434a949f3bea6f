package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// CancellationPropagator cancels open replicas of a master order that
// reached a terminal status.
type CancellationPropagator struct {
	deps   Deps
	window time.Duration
}

// NewCancellationPropagator creates the propagator. window bounds the
// symbol/side search used when no replica references the master trade.
func NewCancellationPropagator(deps Deps, window time.Duration) *CancellationPropagator {
	deps = deps.withDefaults()
	deps.Log = deps.Log.Named("canceller")
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &CancellationPropagator{deps: deps, window: window}
}

// Propagate cancels every non-terminal replica of trade. Replicas already
// FILLED are left untouched.
func (c *CancellationPropagator) Propagate(ctx context.Context, master db.Account, trade db.Trade) Result {
	replicas, err := c.candidates(ctx, master, trade)
	if err != nil {
		c.deps.Log.Error("❌ replica lookup failed", zap.String("master", master.Name),
			zap.String("trade_id", trade.ID), zap.Error(err))
		return Result{Failed: 1}
	}
	if len(replicas) == 0 {
		return Result{}
	}

	res := fanOut(c.deps, replicas, func(r db.Trade) string {
		return c.cancelOne(ctx, master, trade, r)
	})
	c.deps.Log.Info("✓ cancellation propagated",
		zap.String("master", master.Name), zap.String("master_order", trade.ExchangeOrderID),
		zap.Int("cancelled", res.Placed), zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	return res
}

// candidates returns open replicas referencing trade. When there are none
// and trade never had a replica, it falls back to open replicas on linked
// followers with the same symbol and side, near in time, whose own parent
// trade belongs to the same master and is already CANCELLED or REJECTED:
// those were created while the cancellation was in flight. Replicas whose
// parent is still working are never returned.
func (c *CancellationPropagator) candidates(ctx context.Context, master db.Account, trade db.Trade) ([]db.Trade, error) {
	q := c.deps.DB.Queries()
	open, err := q.ListOpenReplicas(ctx, trade.ID)
	if err != nil || len(open) > 0 {
		return open, err
	}
	n, err := q.CountReplicas(ctx, trade.ID)
	if err != nil || n > 0 {
		return nil, err
	}

	links := c.deps.Accounts.LinksFor(master.ID)
	followerIDs := make([]string, 0, len(links))
	for _, l := range links {
		followerIDs = append(followerIDs, l.FollowerID)
	}
	found, err := q.FindReplicaCandidates(ctx, followerIDs, trade.Symbol, trade.Side,
		trade.ExchangeTime.Add(-c.window), trade.ExchangeTime.Add(c.window))
	if err != nil {
		return nil, err
	}
	var out []db.Trade
	for _, r := range found {
		if r.MasterTradeID == nil {
			continue
		}
		parent, err := q.GetTrade(ctx, *r.MasterTradeID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if parent.AccountID == master.ID && (parent.Status == db.StatusCancelled || parent.Status == db.StatusRejected) {
			out = append(out, r)
		}
	}
	if len(out) > 0 {
		c.deps.Log.Info("🔄 cancellation matched replicas by symbol and time",
			zap.String("master_order", trade.ExchangeOrderID), zap.Int("replicas", len(out)))
	}
	return out, nil
}

func (c *CancellationPropagator) cancelOne(ctx context.Context, master db.Account, trade, replica db.Trade) (result string) {
	action := events.FollowerAction{
		MasterID: master.ID, FollowerID: replica.AccountID, TradeID: trade.ID,
		Symbol: replica.Symbol, Side: replica.Side, Quantity: replica.Quantity, OrderID: replica.ExchangeOrderID,
	}
	defer func() {
		action.Result = result
		action.At = time.Now()
		c.deps.Bus.Publish(events.EventCancellation, action)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.deps.Timeout)
	defer cancel()

	entry, err := c.deps.Accounts.Follower(replica.AccountID)
	if err != nil {
		c.deps.Log.Warn("⚠️ follower not available", zap.String("follower_id", replica.AccountID), zap.Error(err))
		c.deps.Audit.Warn(fmt.Sprintf("replica %s not cancelled: follower not registered", replica.ExchangeOrderID),
			replica.AccountID, replica.ID)
		return events.ResultFailed
	}
	follower := entry.Account

	if err := entry.Client.CancelOrder(ctx, replica.Symbol, replica.ExchangeOrderID); err != nil {
		if common.IsKind(err, common.KindOrderNotFound) {
			// already filled or cancelled on the exchange; replica sync settles the row
			c.deps.Log.Info("replica already gone on exchange", zap.String("follower", follower.Name),
				zap.String("order_id", replica.ExchangeOrderID))
			return events.ResultSkipped
		}
		action.ErrorKind = string(common.KindOf(err))
		action.Message = err.Error()
		return exchangeFailure(c.deps, "cancellation", follower, trade, err)
	}

	txCtx := context.WithoutCancel(ctx)
	err = c.deps.DB.WithTx(txCtx, func(q *db.Queries) error {
		if _, err := q.UpdateTradeProgress(txCtx, replica.ID, db.StatusCancelled, replica.Quantity, 0); err != nil {
			return err
		}
		return q.AppendSystemLog(txCtx, &db.SystemLog{
			Level:     db.LevelInfo,
			Message:   fmt.Sprintf("Cancelled replica %s for %s after master order %s ended", replica.ExchangeOrderID, follower.Name, trade.ExchangeOrderID),
			AccountID: db.StringRef(follower.ID),
			TradeID:   db.StringRef(replica.ID),
		})
	})
	if err != nil {
		c.deps.Log.Error("❌ replica cancelled but not recorded", zap.String("follower", follower.Name),
			zap.String("order_id", replica.ExchangeOrderID), zap.Error(err))
		return events.ResultFailed
	}
	c.deps.Log.Info("✓ replica cancelled", zap.String("follower", follower.Name), zap.String("order_id", replica.ExchangeOrderID))
	return events.ResultOK
}
