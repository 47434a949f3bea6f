package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"copytrade-core/internal/state"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// Router routes reconciled master trades to the executor matching their
// intent. It satisfies reconciliation.Dispatcher.
type Router struct {
	deps       Deps
	classifier *state.Classifier
	replicator *ReplicationExecutor
	closer     *ClosePositionExecutor
	canceller  *CancellationPropagator
}

// NewRouter wires the executors together.
func NewRouter(deps Deps, classifier *state.Classifier, replicator *ReplicationExecutor, closer *ClosePositionExecutor, canceller *CancellationPropagator) *Router {
	deps = deps.withDefaults()
	deps.Log = deps.Log.Named("router")
	return &Router{deps: deps, classifier: classifier, replicator: replicator, closer: closer, canceller: canceller}
}

// Replicate classifies the trade and fans it out to the master's followers.
func (r *Router) Replicate(ctx context.Context, master db.Account, trade db.Trade, order common.Order) {
	links := r.deps.Accounts.LinksFor(master.ID)
	if len(links) == 0 {
		r.deps.Log.Warn("⚠️ no active copy links for master; nothing replicated",
			zap.String("master", master.Name), zap.String("order_id", trade.ExchangeOrderID))
		r.deps.Audit.Warn(fmt.Sprintf("master %s has no active copy links; order %s not replicated", master.Name, trade.ExchangeOrderID),
			master.ID, trade.ID)
		return
	}

	pending, err := r.unreplicated(ctx, trade, links)
	if err != nil {
		r.deps.Log.Error("❌ replica lookup failed", zap.String("trade_id", trade.ID), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	var positions state.PositionReader
	if entry, err := r.deps.Accounts.Master(master.ID); err == nil {
		positions = entry.Client
	}
	ctx2, cancel := context.WithTimeout(ctx, r.deps.Timeout)
	decision := r.classifier.Classify(ctx2, positions, state.Input{
		Trade: trade, ReduceOnly: order.ReduceOnly, ClosePosition: order.ClosePosition,
	})
	cancel()

	r.deps.Log.Debug("intent classified", zap.String("order_id", trade.ExchangeOrderID),
		zap.String("intent", string(decision.Intent)), zap.String("reason", decision.Reason))
	if decision.Intent == state.IntentClose {
		r.closer.Close(ctx, master, trade, order, pending)
		return
	}
	r.replicator.Replicate(ctx, master, trade, order, pending)
}

// Cancel propagates a terminal master status to open replicas.
func (r *Router) Cancel(ctx context.Context, master db.Account, trade db.Trade) {
	r.canceller.Propagate(ctx, master, trade)
}

func (r *Router) unreplicated(ctx context.Context, trade db.Trade, links []db.CopyLink) ([]db.CopyLink, error) {
	q := r.deps.DB.Queries()
	out := make([]db.CopyLink, 0, len(links))
	for _, l := range links {
		done, err := q.HasReplica(ctx, trade.ID, l.FollowerID)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, l)
		}
	}
	return out, nil
}
