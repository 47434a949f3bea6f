// Package cache holds short-lived market data shared across account monitors.
package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// PriceCache stores the latest mark price per symbol, sharded by symbol hash
// so concurrent follower allocations do not contend on one lock.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) shard(symbol string) *priceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set records price for symbol. Non-positive prices are ignored.
func (c *PriceCache) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	symbol = strings.ToUpper(symbol)
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the cached price regardless of age.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	p, _, ok := c.GetWithAge(symbol)
	return p, ok
}

// GetWithAge returns the cached price and how long ago it was stored.
func (c *PriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	symbol = strings.ToUpper(symbol)
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return e.price, c.now().Sub(e.updatedAt), true
}

// GetFresh returns the price only if it is younger than maxAge.
func (c *PriceCache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	p, age, ok := c.GetWithAge(symbol)
	if !ok || age > maxAge {
		return 0, false
	}
	return p, true
}

// Len returns the number of cached symbols.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries older than maxAge and returns how many were removed.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot copies all cached prices.
func (c *PriceCache) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			out[sym] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}
