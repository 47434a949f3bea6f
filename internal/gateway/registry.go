// Package gateway owns the live exchange clients of every managed account.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

var (
	ErrAccountNotFound   = errors.New("account not registered")
	ErrClientUnavailable = errors.New("exchange client unavailable")
	ErrInactiveAccount   = errors.New("account is inactive")
)

// Entry is a registered account with its client.
type Entry struct {
	Account      db.Account
	Client       common.Client
	RegisteredAt time.Time
}

// Registry holds accounts by role and the copy links between them. Reads are
// concurrent; Load, Register, Unregister and the link mutators are the only
// writers.
type Registry struct {
	mu        sync.RWMutex
	masters   map[string]*Entry
	followers map[string]*Entry
	links     map[string][]db.CopyLink // by master id

	factory  Factory
	log      *zap.Logger
	pingTime time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		masters:   make(map[string]*Entry),
		followers: make(map[string]*Entry),
		links:     make(map[string][]db.CopyLink),
		factory:   factory,
		log:       log.Named("registry"),
		pingTime:  10 * time.Second,
	}
}

// Load registers every active account and active link found in storage.
// Accounts whose client cannot be built are skipped with a warning.
func (r *Registry) Load(ctx context.Context, q *db.Queries) error {
	accounts, err := q.ListAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, acct := range accounts {
		client, err := r.factory(ctx, acct)
		if err != nil {
			r.log.Warn("⚠️ skipping account: client unavailable", zap.String("account", acct.Name), zap.Error(err))
			continue
		}
		r.put(acct, client)
	}

	links, err := q.ListCopyLinks(ctx, true)
	if err != nil {
		return fmt.Errorf("load copy links: %w", err)
	}
	r.mu.Lock()
	r.links = make(map[string][]db.CopyLink)
	for _, l := range links {
		r.links[l.MasterID] = append(r.links[l.MasterID], l)
	}
	r.mu.Unlock()

	m, f := r.Counts()
	r.log.Info("✓ accounts loaded", zap.Int("masters", m), zap.Int("followers", f), zap.Int("links", len(links)))
	return nil
}

// Register builds the account's client, tests the connection and adds it.
// An account already registered is replaced.
func (r *Registry) Register(ctx context.Context, acct db.Account) (common.Client, error) {
	if !acct.Active {
		return nil, ErrInactiveAccount
	}
	client, err := r.factory(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.pingTime)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("connection test for %s: %w", acct.Name, err)
	}
	r.put(acct, client)
	r.log.Info("✓ account registered", zap.String("account", acct.Name), zap.String("role", string(acct.Role)))
	return client, nil
}

// Put registers an account with an existing client, without a connection test.
func (r *Registry) Put(acct db.Account, client common.Client) {
	r.put(acct, client)
}

func (r *Registry) put(acct db.Account, client common.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.masters, acct.ID)
	delete(r.followers, acct.ID)
	e := &Entry{Account: acct, Client: client, RegisteredAt: time.Now()}
	if acct.Role == db.RoleMaster {
		r.masters[acct.ID] = e
	} else {
		r.followers[acct.ID] = e
	}
}

// Unregister drops the account and every link touching it.
func (r *Registry) Unregister(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, wasMaster := r.masters[accountID]
	_, wasFollower := r.followers[accountID]
	delete(r.masters, accountID)
	delete(r.followers, accountID)
	delete(r.links, accountID)
	for master, links := range r.links {
		r.links[master] = filterLinks(links, func(l db.CopyLink) bool { return l.FollowerID != accountID })
	}
	return wasMaster || wasFollower
}

// AddLink registers an active copy link.
func (r *Registry) AddLink(l db.CopyLink) {
	if !l.Active {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	links := filterLinks(r.links[l.MasterID], func(x db.CopyLink) bool { return x.ID != l.ID })
	r.links[l.MasterID] = append(links, l)
}

// RemoveLink drops a link by id.
func (r *Registry) RemoveLink(linkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for master, links := range r.links {
		kept := filterLinks(links, func(l db.CopyLink) bool { return l.ID != linkID })
		if len(kept) != len(links) {
			r.links[master] = kept
			return true
		}
	}
	return false
}

// LinksFor returns the active links of a master whose follower is registered.
func (r *Registry) LinksFor(masterID string) []db.CopyLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []db.CopyLink
	for _, l := range r.links[masterID] {
		if _, ok := r.followers[l.FollowerID]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Master returns a registered master.
func (r *Registry) Master(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.masters[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("master %s: %w", id, ErrAccountNotFound)
}

// Follower returns a registered follower.
func (r *Registry) Follower(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.followers[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("follower %s: %w", id, ErrAccountNotFound)
}

// Lookup returns a registered account of either role.
func (r *Registry) Lookup(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.masters[id]; ok {
		return e, nil
	}
	if e, ok := r.followers[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
}

// Masters returns registered masters sorted by name.
func (r *Registry) Masters() []db.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedAccounts(r.masters)
}

// Followers returns registered followers sorted by name.
func (r *Registry) Followers() []db.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedAccounts(r.followers)
}

// Counts returns the number of registered masters and followers.
func (r *Registry) Counts() (masters, followers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.masters), len(r.followers)
}

// Stats summarizes registry health.
type Stats struct {
	Masters     int            `json:"masters"`
	Followers   int            `json:"followers"`
	Links       int            `json:"links"`
	OpenCircuit []string       `json:"open_circuits,omitempty"`
	ByState     map[string]int `json:"breaker_states"`
}

// Stats reports counts and breaker states.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Masters: len(r.masters), Followers: len(r.followers), ByState: make(map[string]int)}
	for _, links := range r.links {
		s.Links += len(links)
	}
	for _, group := range []map[string]*Entry{r.masters, r.followers} {
		for _, e := range group {
			g, ok := e.Client.(*GuardedClient)
			if !ok {
				continue
			}
			st := g.State()
			s.ByState[st.String()]++
			if st == gobreaker.StateOpen {
				s.OpenCircuit = append(s.OpenCircuit, e.Account.Name)
			}
		}
	}
	sort.Strings(s.OpenCircuit)
	return s
}

func sortedAccounts(m map[string]*Entry) []db.Account {
	out := make([]db.Account, 0, len(m))
	for _, e := range m {
		out = append(out, e.Account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func filterLinks(links []db.CopyLink, keep func(db.CopyLink) bool) []db.CopyLink {
	out := links[:0:0]
	for _, l := range links {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}
