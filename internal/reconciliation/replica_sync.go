package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"copytrade-core/internal/gateway"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// Followers resolves follower accounts and their clients.
type Followers interface {
	Followers() []db.Account
	Follower(id string) (*gateway.Entry, error)
}

// SyncReport summarizes one ReplicaStatusSync run.
type SyncReport struct {
	Accounts int `json:"accounts"`
	Open     int `json:"open"`
	Advanced int `json:"advanced"`
	Missing  int `json:"missing"`
}

// ReplicaStatusSync advances PENDING/PARTIALLY_FILLED replica rows from the
// follower's own order history.
type ReplicaStatusSync struct {
	db        *db.Database
	followers Followers
	overlap   time.Duration
	log       *zap.Logger
}

// NewReplicaStatusSync creates the sync job.
func NewReplicaStatusSync(database *db.Database, followers Followers, overlap time.Duration, log *zap.Logger) *ReplicaStatusSync {
	if log == nil {
		log = zap.NewNop()
	}
	if overlap <= 0 {
		overlap = time.Minute
	}
	return &ReplicaStatusSync{db: database, followers: followers, overlap: overlap, log: log.Named("replica_sync")}
}

// Run syncs every registered follower. Errors from one follower do not stop
// the others; they are joined into the returned error.
func (s *ReplicaStatusSync) Run(ctx context.Context) (SyncReport, error) {
	var (
		rep  SyncReport
		errs []error
	)
	for _, acct := range s.followers.Followers() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		open, advanced, missing, err := s.syncAccount(ctx, acct)
		rep.Accounts++
		rep.Open += open
		rep.Advanced += advanced
		rep.Missing += missing
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acct.Name, err))
		}
	}
	if rep.Advanced > 0 {
		s.log.Info("🔄 replica statuses advanced", zap.Int("advanced", rep.Advanced), zap.Int("open", rep.Open))
	}
	return rep, errors.Join(errs...)
}

func (s *ReplicaStatusSync) syncAccount(ctx context.Context, acct db.Account) (open, advanced, missing int, err error) {
	q := s.db.Queries()
	replicas, err := q.ListOpenReplicasForAccount(ctx, acct.ID)
	if err != nil || len(replicas) == 0 {
		return 0, 0, 0, err
	}
	entry, err := s.followers.Follower(acct.ID)
	if err != nil {
		return len(replicas), 0, 0, err
	}

	oldest := replicas[0].ExchangeTime
	openOrders, err := entry.Client.GetOpenOrders(ctx)
	if err != nil {
		return len(replicas), 0, 0, fmt.Errorf("open orders: %w", err)
	}
	history, err := entry.Client.GetOrdersSince(ctx, oldest.Add(-s.overlap))
	if err != nil {
		return len(replicas), 0, 0, fmt.Errorf("order history: %w", err)
	}
	byID := make(map[string]common.Order)
	for _, o := range Merge(openOrders, history) {
		byID[o.OrderID] = o
	}

	for _, t := range replicas {
		if strings.HasPrefix(t.ExchangeOrderID, gateway.DryRunOrderPrefix) {
			continue
		}
		o, ok := byID[t.ExchangeOrderID]
		if !ok {
			missing++
			continue
		}
		status, qty, ok := classify(o)
		if !ok || status == db.StatusPending {
			continue
		}
		changed, err := q.UpdateTradeProgress(ctx, t.ID, status, qty, o.AvgPrice)
		if err != nil {
			return len(replicas), advanced, missing, err
		}
		if changed {
			advanced++
			s.log.Debug("replica advanced", zap.String("follower", acct.Name),
				zap.String("order_id", t.ExchangeOrderID), zap.String("status", string(status)))
		}
	}
	return len(replicas), advanced, missing, nil
}
