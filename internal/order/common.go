// Package order fans master trades out to followers: replication of opening
// orders, closes of follower positions and cancellation of replicas.
package order

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"copytrade-core/internal/events"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/persistence"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// Accounts resolves clients and links.
type Accounts interface {
	LinksFor(masterID string) []db.CopyLink
	Master(id string) (*gateway.Entry, error)
	Follower(id string) (*gateway.Entry, error)
}

// Deps are the collaborators shared by every executor.
type Deps struct {
	DB          *db.Database
	Accounts    Accounts
	Audit       *persistence.AuditWriter
	Bus         *events.Bus
	Log         *zap.Logger
	Parallelism int           // concurrent followers per master trade
	Timeout     time.Duration // bound on each follower's exchange calls
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Parallelism <= 0 {
		d.Parallelism = 8
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	return d
}

// Result counts per-follower outcomes of one fan-out.
type Result struct {
	Placed  int `json:"placed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type tally struct {
	placed, skipped, failed atomic.Int64
}

func (t *tally) add(result string) {
	switch result {
	case events.ResultOK:
		t.placed.Add(1)
	case events.ResultSkipped:
		t.skipped.Add(1)
	default:
		t.failed.Add(1)
	}
}

func (t *tally) result() Result {
	return Result{Placed: int(t.placed.Load()), Skipped: int(t.skipped.Load()), Failed: int(t.failed.Load())}
}

// fanOut runs fn for every item with bounded parallelism. A panic in one
// call is converted into a failed outcome for that item only.
func fanOut[T any](d Deps, items []T, fn func(T) string) Result {
	var (
		g errgroup.Group
		t tally
	)
	g.SetLimit(d.Parallelism)
	for _, item := range items {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					d.Log.Error("❌ follower step panicked", zap.Any("panic", p))
					t.add(events.ResultFailed)
				}
			}()
			t.add(fn(item))
			return nil
		})
	}
	_ = g.Wait()
	return t.result()
}

// replicaRecord is what gets persisted for a successful follower order.
type replicaRecord struct {
	follower  db.Account
	master    db.Trade
	orderType common.OrderType
	side      common.Side
	quantity  float64
	price     float64
	stopPrice float64
	placed    common.PlaceResult
	message   string
}

// persistReplica inserts the replica row and its audit entry in one
// transaction.
func persistReplica(ctx context.Context, d Deps, r replicaRecord) error {
	return d.DB.WithTx(ctx, func(q *db.Queries) error {
		masterID := r.master.ID
		t := db.Trade{
			AccountID:        r.follower.ID,
			Symbol:           r.master.Symbol,
			Side:             string(r.side),
			OrderType:        string(r.orderType),
			Quantity:         r.quantity,
			Price:            r.price,
			StopPrice:        r.stopPrice,
			Status:           db.StatusPending,
			ExchangeOrderID:  r.placed.OrderID,
			CopiedFromMaster: true,
			MasterTradeID:    &masterID,
			ExchangeTime:     time.Now(),
		}
		if r.orderType == common.OrderTypeTakeProfitMarket {
			t.TakeProfitPrice = r.stopPrice
		}
		inserted, err := q.InsertTrade(ctx, &t)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("replica order %s already recorded", r.placed.OrderID)
		}
		return q.AppendSystemLog(ctx, &db.SystemLog{
			Level:     db.LevelInfo,
			Message:   r.message,
			AccountID: db.StringRef(r.follower.ID),
			TradeID:   db.StringRef(t.ID),
		})
	})
}

// exchangeFailure logs and audits a classified exchange error and returns
// the follower outcome. BELOW_MIN_NOTIONAL is suppressed as a skip.
func exchangeFailure(d Deps, op string, follower db.Account, trade db.Trade, err error) string {
	kind := common.KindOf(err)
	d.Bus.Publish(events.EventExchangeError, events.ExchangeError{AccountID: follower.ID, Kind: string(kind), Op: op})
	if kind == common.KindBelowMinNotional {
		d.Log.Debug("order below exchange minimum; skipped",
			zap.String("op", op), zap.String("follower", follower.Name), zap.String("symbol", trade.Symbol))
		return events.ResultSkipped
	}
	hint := common.Remediation(kind)
	d.Log.Warn("❌ follower order rejected",
		zap.String("op", op), zap.String("follower", follower.Name), zap.String("symbol", trade.Symbol),
		zap.String("kind", string(kind)), zap.String("remediation", hint), zap.Error(err))
	d.Audit.Error(fmt.Sprintf("%s failed for %s on %s [%s]: %v. %s", op, follower.Name, trade.Symbol, kind, err, hint),
		follower.ID, trade.ID)
	return events.ResultFailed
}

// normalize rounds qty to decimals, snaps it down to the symbol step and
// checks the notional. Below the minimum it tries exactly one step up.
func normalize(qty, price float64, filters common.SymbolFilters, defaultMinNotional float64, decimals int32) (float64, bool) {
	step := filters.Step()
	minNotional := decimal.NewFromFloat(defaultMinNotional)
	if filters.MinNotional.IsPositive() {
		minNotional = filters.MinNotional
	}
	q := common.SnapDown(decimal.NewFromFloat(qty).Round(decimals), step)
	p := decimal.NewFromFloat(price)
	if !p.IsPositive() {
		// no reference price: only the quantity can be checked
		return q.InexactFloat64(), q.IsPositive() && q.GreaterThanOrEqual(filters.MinQty)
	}
	if q.Mul(p).LessThan(minNotional) || q.LessThan(filters.MinQty) {
		q = q.Add(step)
		if q.Mul(p).LessThan(minNotional) || q.LessThan(filters.MinQty) {
			return q.InexactFloat64(), false
		}
	}
	return q.InexactFloat64(), q.IsPositive()
}

func sideOf(s string) common.Side {
	side, _ := common.ParseSide(s)
	return side
}
