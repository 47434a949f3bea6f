package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/internal/events"
	"copytrade-core/internal/exchangetest"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/persistence"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

type dispatched struct {
	mu     sync.Mutex
	trades []db.Trade
	cancel []db.Trade
}

func (d *dispatched) Replicate(ctx context.Context, master db.Account, trade db.Trade, order common.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trades = append(d.trades, trade)
}

func (d *dispatched) Cancel(ctx context.Context, master db.Account, trade db.Trade) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel = append(d.cancel, trade)
}

func (d *dispatched) replicated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.trades)
}

type fixture struct {
	db       *db.Database
	registry *gateway.Registry
	fakes    map[string]*exchangetest.Fake
	dispatch *dispatched
	engine   *Engine
	bus      *events.Bus
}

func fastMonitor() MonitorConfig {
	return MonitorConfig{PollInterval: 20 * time.Millisecond, ErrorBackoff: 30 * time.Millisecond,
		RequestTimeout: time.Second, HistoryOverlap: time.Second}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { database.Close() })

	f := &fixture{db: database, fakes: make(map[string]*exchangetest.Fake), dispatch: &dispatched{}, bus: events.NewBus()}
	var mu sync.Mutex
	f.registry = gateway.NewRegistry(func(ctx context.Context, acct db.Account) (common.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		fake, ok := f.fakes[acct.Name]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", acct.Name)
		}
		return fake, nil
	}, nil)

	audit := persistence.NewAuditWriter(database, 1, time.Hour, nil)
	t.Cleanup(func() { audit.Close() })

	f.engine = New(Options{
		DB:            database,
		Registry:      f.registry,
		Vault:         crypto.NewVault(nil),
		Dispatcher:    f.dispatch,
		Bus:           f.bus,
		Audit:         audit,
		Monitor:       fastMonitor(),
		ProcessedCap:  1000,
		ProcessedKeep: 500,
		InstanceID:    "test-instance",
	})
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })
	return f
}

func (f *fixture) account(t *testing.T, name string, role db.Role) db.Account {
	t.Helper()
	acct := db.Account{Name: name, CredentialRef: "env:" + name, Role: role, Leverage: 10, RiskPercentage: 10, Active: true}
	require.NoError(t, f.db.Queries().CreateAccount(context.Background(), &acct))
	f.fakes[name] = exchangetest.New(100, map[string]float64{"XRPUSDT": 2.8})
	return acct
}

func TestEngineStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	follower := f.account(t, "beta", db.RoleFollower)
	link := db.CopyLink{MasterID: master.ID, FollowerID: follower.ID, CopyPercentage: 100, RiskMultiplier: 1, Active: true}
	require.NoError(t, f.db.Queries().CreateCopyLink(ctx, &link))

	assert.ErrorIs(t, f.engine.Stop(ctx), ErrNotRunning)
	require.NoError(t, f.engine.Start(ctx))
	assert.ErrorIs(t, f.engine.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		st := f.engine.Status()
		_, checked := st.LastCheckPerMaster[master.ID]
		return checked
	}, 2*time.Second, 10*time.Millisecond)

	st := f.engine.Status()
	assert.True(t, st.IsRunning)
	assert.Equal(t, "test-instance", st.InstanceID)
	assert.Equal(t, 1, st.MasterCount)
	assert.Equal(t, 1, st.FollowerCount)
	assert.Equal(t, 1, st.ActiveTaskCount)
	require.NotNil(t, st.StartedAt)
	require.Len(t, st.Monitors, 1)
	assert.Equal(t, "alpha", st.Monitors[0].MasterName)

	require.NoError(t, f.engine.Stop(ctx))
	st = f.engine.Status()
	assert.False(t, st.IsRunning)
	assert.Zero(t, st.ActiveTaskCount)
	assert.Nil(t, st.StartedAt)
}

func TestEngineReplicatesNewMasterOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	require.NoError(t, f.engine.Start(ctx))

	before := time.Now().Add(-time.Hour)
	after := time.Now().Add(time.Minute)
	f.fakes["alpha"].SetOrders([]common.Order{
		{OrderID: "1", Symbol: "XRPUSDT", Side: common.SideBuy, Status: common.StatusNew, Type: common.OrderTypeMarket,
			OrigQty: 15, Price: 2.8, Time: after, UpdateTime: after},
		{OrderID: "0", Symbol: "XRPUSDT", Side: common.SideBuy, Status: common.StatusNew, Type: common.OrderTypeMarket,
			OrigQty: 15, Price: 2.8, Time: before, UpdateTime: before},
	}, nil)

	require.Eventually(t, func() bool { return f.dispatch.replicated() == 1 }, 2*time.Second, 10*time.Millisecond)
	// Later polls see the same snapshot and must not dispatch again.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.dispatch.replicated())

	tr, err := f.db.Queries().GetTradeByExchangeOrderID(ctx, master.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, tr.Status)
	_, err = f.db.Queries().GetTradeByExchangeOrderID(ctx, master.ID, "0")
	assert.ErrorIs(t, err, db.ErrNotFound, "orders before the watermark are ignored")
}

func TestMonitorBacksOffAndRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	f.fakes["alpha"].Do(func(fx *exchangetest.Fake) { fx.OrdersErr = errors.New("connection reset") })
	require.NoError(t, f.engine.Start(ctx))

	mon, ok := f.engine.Monitor(master.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		s := mon.Status()
		return s.Failures >= 2 && s.LastError != ""
	}, 2*time.Second, 10*time.Millisecond)

	f.fakes["alpha"].Do(func(fx *exchangetest.Fake) { fx.OrdersErr = nil })
	require.Eventually(t, func() bool {
		s := mon.Status()
		return s.LastError == "" && s.State == StatePoll
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.engine.Status().IsRunning)
}

func TestMonitorHistoryReachesOldestOpenTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	old := time.Now().Add(-3 * time.Hour).UTC()
	tr := db.Trade{AccountID: master.ID, Symbol: "XRPUSDT", Side: "BUY", OrderType: "LIMIT", Quantity: 1,
		Price: 2, Status: db.StatusPending, ExchangeOrderID: "open-1", ExchangeTime: old}
	_, err := f.db.Queries().InsertTrade(ctx, &tr)
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(ctx))
	require.Eventually(t, func() bool { return len(f.fakes["alpha"].HistoryCalls()) > 0 }, 2*time.Second, 10*time.Millisecond)

	since := f.fakes["alpha"].HistoryCalls()[0]
	assert.WithinDuration(t, old, since, time.Second)
}

func TestMonitorHintsTradedSymbols(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	tr := db.Trade{AccountID: master.ID, Symbol: "DOGEUSDT", Side: "SELL", OrderType: "MARKET", Quantity: 40,
		Price: 0.3, Status: db.StatusFilled, ExchangeOrderID: "closed-1", ExchangeTime: time.Now().UTC()}
	_, err := f.db.Queries().InsertTrade(ctx, &tr)
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(ctx))
	require.Eventually(t, func() bool { return len(f.fakes["alpha"].HistoryCalls()) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.fakes["alpha"].Tracked("DOGEUSDT"))
}

func TestStartStopMonitoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	follower := f.account(t, "beta", db.RoleFollower)

	assert.ErrorIs(t, f.engine.StartMonitoring(ctx, master.ID), ErrNotRunning)
	require.NoError(t, f.engine.Start(ctx))

	require.NoError(t, f.engine.StopMonitoring(ctx, master.ID))
	assert.ErrorIs(t, f.engine.StopMonitoring(ctx, master.ID), ErrNotMonitored)
	assert.Zero(t, f.engine.Status().ActiveTaskCount)

	require.NoError(t, f.engine.StartMonitoring(ctx, master.ID))
	require.NoError(t, f.engine.StartMonitoring(ctx, master.ID))
	assert.Equal(t, 1, f.engine.Status().ActiveTaskCount)

	assert.ErrorIs(t, f.engine.StartMonitoring(ctx, follower.ID), ErrNotMaster)
}

func TestAddAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	t.Run("connection test failure stores nothing", func(t *testing.T) {
		fake := exchangetest.New(0, nil)
		fake.PingErr = errors.New("invalid api key")
		f.fakes["broken"] = fake
		_, err := f.engine.AddAccount(ctx, AccountInput{Name: "broken", Role: db.RoleFollower, CredentialRef: "env:BROKEN"})
		require.Error(t, err)
		_, err = f.db.Queries().GetAccountByName(ctx, "broken")
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("master starts monitoring at once", func(t *testing.T) {
		f.fakes["gamma"] = exchangetest.New(100, nil)
		acct, err := f.engine.AddAccount(ctx, AccountInput{Name: " gamma ", Role: "master", CredentialRef: "env:GAMMA"})
		require.NoError(t, err)
		assert.Equal(t, "gamma", acct.Name)
		assert.Equal(t, db.RoleMaster, acct.Role)
		assert.Equal(t, 10, acct.Leverage)

		_, ok := f.engine.Monitor(acct.ID)
		assert.True(t, ok)
		stored, err := f.db.Queries().GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, "env:GAMMA", stored.CredentialRef)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := f.engine.AddAccount(ctx, AccountInput{Name: "gamma", Role: db.RoleMaster, CredentialRef: "env:GAMMA"})
		assert.ErrorIs(t, err, db.ErrInvalidAccount)
	})

	t.Run("raw keys need a keyring", func(t *testing.T) {
		f.fakes["delta"] = exchangetest.New(100, nil)
		_, err := f.engine.AddAccount(ctx, AccountInput{Name: "delta", Role: db.RoleFollower, APIKey: "k", APISecret: "s"})
		require.Error(t, err)
	})
}

func TestRemoveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	require.NoError(t, f.engine.Start(ctx))

	require.NoError(t, f.engine.RemoveAccount(ctx, master.ID))
	_, ok := f.engine.Monitor(master.ID)
	assert.False(t, ok)
	_, err := f.registry.Master(master.ID)
	assert.ErrorIs(t, err, gateway.ErrAccountNotFound)

	stored, err := f.db.Queries().GetAccount(ctx, master.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	assert.ErrorIs(t, f.engine.RemoveAccount(ctx, "missing"), db.ErrNotFound)
}

func TestAddRemoveLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	master := f.account(t, "alpha", db.RoleMaster)
	follower := f.account(t, "beta", db.RoleFollower)
	require.NoError(t, f.engine.Start(ctx))

	link, err := f.engine.AddLink(ctx, db.CopyLink{MasterID: master.ID, FollowerID: follower.ID})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, link.CopyPercentage, 1e-9)
	assert.InDelta(t, 1.0, link.RiskMultiplier, 1e-9)
	require.Len(t, f.registry.LinksFor(master.ID), 1)

	_, err = f.engine.AddLink(ctx, db.CopyLink{MasterID: follower.ID, FollowerID: master.ID})
	assert.ErrorIs(t, err, db.ErrInvalidCopyLink)

	require.NoError(t, f.engine.RemoveLink(ctx, link.ID))
	assert.Empty(t, f.registry.LinksFor(master.ID))
	assert.ErrorIs(t, f.engine.RemoveLink(ctx, "missing"), db.ErrNotFound)
}
