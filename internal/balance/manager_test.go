package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/internal/exchangetest"
	"copytrade-core/internal/gateway"
	"copytrade-core/pkg/db"
)

type memStore struct {
	saved map[string]float64
}

func (s *memStore) UpdateCachedBalance(_ context.Context, id string, bal float64, _ time.Time) error {
	s.saved[id] = bal
	return nil
}

func TestGetUsesTTL(t *testing.T) {
	fake := exchangetest.New(55.5, nil)
	reg := gateway.NewRegistry(nil, nil)
	reg.Put(db.Account{ID: "f", Name: "f", Role: db.RoleFollower, Active: true}, fake)

	m := NewManager(reg, nil, time.Minute, nil)
	clock := time.Now()
	m.now = func() time.Time { return clock }

	bal, err := m.Get(context.Background(), "f")
	require.NoError(t, err)
	assert.Equal(t, 55.5, bal)

	fake.Do(func(f *exchangetest.Fake) { f.Balance = 10 })
	bal, _ = m.Get(context.Background(), "f")
	assert.Equal(t, 55.5, bal, "served from cache")

	clock = clock.Add(2 * time.Minute)
	bal, _ = m.Get(context.Background(), "f")
	assert.Equal(t, 10.0, bal)

	fake.Do(func(f *exchangetest.Fake) { f.BalanceErr = errors.New("timeout") })
	m.Invalidate("f")
	_, err = m.Get(context.Background(), "f")
	assert.Error(t, err)

	_, err = m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, gateway.ErrAccountNotFound)
}

func TestRefreshAllPersists(t *testing.T) {
	reg := gateway.NewRegistry(nil, nil)
	reg.Put(db.Account{ID: "m", Name: "m", Role: db.RoleMaster, Active: true}, exchangetest.New(1000, nil))
	reg.Put(db.Account{ID: "f", Name: "f", Role: db.RoleFollower, Active: true}, exchangetest.New(50, nil))
	reg.Put(db.Account{ID: "x", Name: "x", Role: db.RoleFollower, Active: true}, &exchangetest.Fake{BalanceErr: errors.New("down")})

	store := &memStore{saved: map[string]float64{}}
	m := NewManager(reg, store, time.Minute, nil)

	err := m.RefreshAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, map[string]float64{"m": 1000, "f": 50}, store.saved)
	assert.Len(t, m.Snapshot(), 2)
}
