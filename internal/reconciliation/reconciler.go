// Package reconciliation turns polled master order snapshots into durable
// Trade rows and replication triggers.
package reconciliation

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

// Dispatcher receives master trades that need follower work.
type Dispatcher interface {
	Replicate(ctx context.Context, master db.Account, trade db.Trade, order common.Order)
	Cancel(ctx context.Context, master db.Account, trade db.Trade)
}

// Options tunes a Reconciler.
type Options struct {
	ProcessedCap  int
	ProcessedKeep int
	Bus           *events.Bus
	Log           *zap.Logger
}

// Report summarizes one reconciliation pass.
type Report struct {
	Seen            int `json:"seen"`
	BeforeWatermark int `json:"before_watermark"`
	Skipped         int `json:"skipped"`
	Recorded        int `json:"recorded"`
	Replicated      int `json:"replicated"`
	Cancelled       int `json:"cancelled"`
	Failed          int `json:"failed"`
}

type outcome int

const (
	outcomeWatermark outcome = iota
	outcomeSkipped
	outcomeRecorded
	outcomeReplicated
	outcomeCancelled
)

// Reconciler processes the order snapshots of one master. It is owned by
// that master's monitor and must not be shared.
type Reconciler struct {
	master    db.Account
	db        *db.Database
	dispatch  Dispatcher
	processed *ProcessedOrderSet
	watermark time.Time
	bus       *events.Bus
	log       *zap.Logger
}

// NewReconciler creates a reconciler that ignores orders created before
// watermark.
func NewReconciler(master db.Account, database *db.Database, dispatch Dispatcher, watermark time.Time, opts Options) *Reconciler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		master:    master,
		db:        database,
		dispatch:  dispatch,
		processed: NewProcessedOrderSet(opts.ProcessedCap, opts.ProcessedKeep),
		watermark: watermark,
		bus:       opts.Bus,
		log:       log.Named("reconciler").With(zap.String("master", master.Name)),
	}
}

// Watermark returns the restart watermark.
func (r *Reconciler) Watermark() time.Time { return r.watermark }

// Processed exposes the processed-order set for inspection.
func (r *Reconciler) Processed() *ProcessedOrderSet { return r.processed }

// Reconcile merges open and historical snapshots and processes every order
// in ascending creation time. A failing order is logged and left unmarked so
// the next poll retries it; it never stops the remaining orders.
func (r *Reconciler) Reconcile(ctx context.Context, open, history []common.Order) Report {
	orders := Merge(open, history)
	rep := Report{Seen: len(orders)}
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		out, err := r.processSafe(ctx, o)
		if err != nil {
			rep.Failed++
			r.log.Error("❌ failed to reconcile master order",
				zap.String("order_id", o.OrderID), zap.String("symbol", o.Symbol),
				zap.String("status", string(o.Status)), zap.Error(err))
			continue
		}
		switch out {
		case outcomeWatermark:
			rep.BeforeWatermark++
		case outcomeSkipped:
			rep.Skipped++
		case outcomeRecorded:
			rep.Recorded++
		case outcomeReplicated:
			rep.Recorded++
			rep.Replicated++
		case outcomeCancelled:
			rep.Recorded++
			rep.Cancelled++
		}
	}
	return rep
}

func (r *Reconciler) processSafe(ctx context.Context, o common.Order) (out outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.process(ctx, o)
}

func (r *Reconciler) process(ctx context.Context, o common.Order) (outcome, error) {
	if o.Time.Before(r.watermark) {
		return outcomeWatermark, nil
	}

	q := r.db.Queries()
	if seen, ok := r.processed.Lookup(o.OrderID); ok && seen == (Progress{Status: o.Status, ExecutedQty: o.ExecutedQty}) {
		_, err := q.GetTradeByExchangeOrderID(ctx, r.master.ID, o.OrderID)
		if err == nil {
			return outcomeSkipped, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return 0, err
		}
		r.log.Warn("⚠️ processed order has no durable row; reprocessing", zap.String("order_id", o.OrderID))
		r.processed.Evict(o.OrderID)
	}

	status, qty, ok := classify(o)
	if !ok {
		r.log.Debug("ignoring order with unknown status", zap.String("order_id", o.OrderID), zap.String("status", string(o.Status)))
		r.processed.Mark(o.OrderID, o.Status, o.ExecutedQty)
		return outcomeSkipped, nil
	}

	trade, changed, err := r.record(ctx, q, o, status, qty)
	if err != nil {
		return 0, err
	}
	r.processed.Mark(o.OrderID, o.Status, o.ExecutedQty)
	if !changed && trade.Status.Rank() > status.Rank() {
		// stale snapshot behind the durable row
		return outcomeSkipped, nil
	}
	if changed {
		r.bus.Publish(events.EventMasterOrder, events.MasterOrder{
			MasterID: r.master.ID, TradeID: trade.ID, OrderID: o.OrderID, Symbol: trade.Symbol,
			Side: trade.Side, Status: string(trade.Status), Quantity: trade.Quantity, At: time.Now(),
		})
		r.log.Info("✓ master order recorded",
			zap.String("order_id", o.OrderID), zap.String("symbol", trade.Symbol), zap.String("side", trade.Side),
			zap.String("type", trade.OrderType), zap.String("status", string(trade.Status)), zap.Float64("qty", trade.Quantity))
	}

	switch status {
	case db.StatusCancelled, db.StatusRejected:
		if !changed {
			return outcomeSkipped, nil
		}
		r.dispatch.Cancel(ctx, r.master, trade)
		return outcomeCancelled, nil
	}

	if !o.Type.Replicable() {
		r.log.Debug("order type is not replicated", zap.String("order_id", o.OrderID), zap.String("type", string(o.Type)))
		return outcomeRecorded, nil
	}
	if status == db.StatusPartiallyFilled {
		n, err := q.CountReplicas(ctx, trade.ID)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return outcomeRecorded, nil
		}
	}
	r.dispatch.Replicate(ctx, r.master, trade, o)
	return outcomeReplicated, nil
}

// record inserts or advances the master Trade row for o. changed reports
// whether the durable row was written.
func (r *Reconciler) record(ctx context.Context, q *db.Queries, o common.Order, status db.TradeStatus, qty float64) (db.Trade, bool, error) {
	existing, err := q.GetTradeByExchangeOrderID(ctx, r.master.ID, o.OrderID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return db.Trade{}, false, err
	}

	if existing == nil {
		t := db.Trade{
			AccountID:       r.master.ID,
			Symbol:          o.Symbol,
			Side:            string(o.Side),
			OrderType:       string(o.Type),
			Quantity:        qty,
			Price:           o.ReferencePrice(),
			StopPrice:       o.StopPrice,
			Status:          status,
			ExchangeOrderID: o.OrderID,
			ExchangeTime:    o.Time,
		}
		if o.Type == common.OrderTypeTakeProfitMarket {
			t.TakeProfitPrice = o.StopPrice
		}
		inserted, err := q.InsertTrade(ctx, &t)
		if err != nil {
			return db.Trade{}, false, err
		}
		if inserted {
			return t, true, nil
		}
		existing, err = q.GetTradeByExchangeOrderID(ctx, r.master.ID, o.OrderID)
		if err != nil {
			return db.Trade{}, false, err
		}
	}

	price := o.ReferencePrice()
	changed, err := q.UpdateTradeProgress(ctx, existing.ID, status, qty, price)
	if err != nil {
		return db.Trade{}, false, err
	}
	if changed {
		existing.Status = status
		existing.Quantity = qty
		if price > 0 {
			existing.Price = price
		}
	}
	return *existing, changed, nil
}

// classify maps an exchange status to the recorded status and quantity.
func classify(o common.Order) (db.TradeStatus, float64, bool) {
	switch o.Status {
	case common.StatusNew:
		return db.StatusPending, o.OrigQty, true
	case common.StatusPartiallyFilled:
		return db.StatusPartiallyFilled, o.ExecutedQty, true
	case common.StatusFilled:
		if o.ExecutedQty > 0 {
			return db.StatusFilled, o.ExecutedQty, true
		}
		return db.StatusFilled, o.OrigQty, true
	case common.StatusCanceled, common.StatusExpired:
		return db.StatusCancelled, o.ExecutedQty, true
	case common.StatusRejected:
		return db.StatusRejected, o.ExecutedQty, true
	}
	return "", 0, false
}
