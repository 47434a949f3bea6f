// Package balance caches account balances read from the exchange.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"copytrade-core/internal/gateway"
	"copytrade-core/pkg/db"
)

// Accounts resolves registered accounts and their clients.
type Accounts interface {
	Lookup(id string) (*gateway.Entry, error)
	Masters() []db.Account
	Followers() []db.Account
}

// Store persists balance snapshots.
type Store interface {
	UpdateCachedBalance(ctx context.Context, id string, balance float64, at time.Time) error
}

type entry struct {
	available float64
	syncedAt  time.Time
}

// Manager caches each account's available balance for ttl.
type Manager struct {
	accounts Accounts
	store    Store
	ttl      time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]entry
}

// NewManager creates a balance cache. store may be nil.
func NewManager(accounts Accounts, store Store, ttl time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		accounts: accounts,
		store:    store,
		ttl:      ttl,
		log:      log.Named("balance"),
		now:      time.Now,
		cache:    make(map[string]entry),
	}
}

// Get returns the available balance, refreshing it when older than ttl.
func (m *Manager) Get(ctx context.Context, accountID string) (float64, error) {
	m.mu.RLock()
	e, ok := m.cache[accountID]
	m.mu.RUnlock()
	if ok && m.now().Sub(e.syncedAt) < m.ttl {
		return e.available, nil
	}
	return m.Sync(ctx, accountID)
}

// Sync reads the balance from the exchange and caches it.
func (m *Manager) Sync(ctx context.Context, accountID string) (float64, error) {
	acct, err := m.accounts.Lookup(accountID)
	if err != nil {
		return 0, err
	}
	bal, err := acct.Client.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("balance for %s: %w", acct.Account.Name, err)
	}
	m.mu.Lock()
	m.cache[accountID] = entry{available: bal, syncedAt: m.now()}
	m.mu.Unlock()
	return bal, nil
}

// Invalidate drops the cached balance, e.g. after a fill changed it.
func (m *Manager) Invalidate(accountID string) {
	m.mu.Lock()
	delete(m.cache, accountID)
	m.mu.Unlock()
}

// RefreshAll syncs every registered account and persists the snapshot.
// Failures are collected; successful accounts are still persisted.
func (m *Manager) RefreshAll(ctx context.Context) error {
	accounts := append(m.accounts.Masters(), m.accounts.Followers()...)
	var errs []error
	for _, a := range accounts {
		bal, err := m.Sync(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m.store != nil {
			if err := m.store.UpdateCachedBalance(ctx, a.ID, bal, m.now().UTC()); err != nil {
				errs = append(errs, fmt.Errorf("persist balance for %s: %w", a.Name, err))
			}
		}
	}
	if len(errs) > 0 {
		m.log.Warn("⚠️ balance refresh incomplete", zap.Int("accounts", len(accounts)), zap.Int("failed", len(errs)))
		return errors.Join(errs...)
	}
	m.log.Debug("💰 balances refreshed", zap.Int("accounts", len(accounts)))
	return nil
}

// Snapshot returns the cached balances by account id.
func (m *Manager) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.cache))
	for id, e := range m.cache {
		out[id] = e.available
	}
	return out
}
