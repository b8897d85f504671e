// Package policycache holds recently read client policies per client address
// for a short, bounded time. Entries hold the raw policy rows, so session
// state is still evaluated against the caller's clock on every hit.
package policycache

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// Cache caches client policies keyed by client address with basic metrics.
type Cache interface {
	Get(client string) (domain.ClientPolicy, bool)
	Put(client string, p domain.ClientPolicy)
	Len() int

	// Generation identifies the current contents; every Purge advances it.
	Generation() uint64
	// PutIfCurrent stores p only while the cache is still at gen, so a
	// policy read before a Purge cannot outlive it. It reports whether p
	// was stored.
	PutIfCurrent(client string, p domain.ClientPolicy, gen uint64) bool

	Purge()
	Stats() (hits, misses, evictions uint64)
}

// policyCache is an expiring LRU-backed implementation of Cache.
type policyCache struct {
	lru *expirable.LRU[string, domain.ClientPolicy]

	// mu orders PutIfCurrent against Purge.
	mu  sync.Mutex
	gen uint64

	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache is a no-op Cache used when size or ttl is not positive.
type disabledCache struct{}

// New creates a Cache holding at most size entries, each for at most ttl.
// If either is <= 0, a disabled cache is returned that always misses.
func New(size int, ttl time.Duration) Cache {
	if size <= 0 || ttl <= 0 {
		return &disabledCache{}
	}

	var pc policyCache
	pc.lru = expirable.NewLRU(size, func(_ string, _ domain.ClientPolicy) {
		atomic.AddUint64(&pc.evictions, 1)
	}, ttl)
	return &pc
}

// Get returns a copy of the cached policy for client.
func (c *policyCache) Get(client string) (domain.ClientPolicy, bool) {
	if val, ok := c.lru.Get(client); ok {
		atomic.AddUint64(&c.hits, 1)
		return clonePolicy(val), true
	}
	atomic.AddUint64(&c.misses, 1)
	return domain.ClientPolicy{}, false
}

// Put stores a copy of p for client.
func (c *policyCache) Put(client string, p domain.ClientPolicy) {
	c.lru.Add(client, clonePolicy(p))
}

func (c *policyCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *policyCache) PutIfCurrent(client string, p domain.ClientPolicy, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.lru.Add(client, clonePolicy(p))
	return true
}

// clonePolicy copies the slices and the client row. Session pointer fields
// are never mutated in place, so sharing them is safe.
func clonePolicy(p domain.ClientPolicy) domain.ClientPolicy {
	out := domain.ClientPolicy{
		Sessions: slices.Clone(p.Sessions),
		Zones:    slices.Clone(p.Zones),
	}
	if p.Client != nil {
		c := *p.Client
		out.Client = &c
	}
	return out
}

func (c *policyCache) Len() int { return c.lru.Len() }

// Purge clears all entries and advances the generation. Evictions are
// counted via the eviction callback.
func (c *policyCache) Purge() {
	c.mu.Lock()
	c.gen++
	c.lru.Purge()
	c.mu.Unlock()
}

// Stats returns cumulative hit/miss/eviction counters.
func (c *policyCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}

func (d *disabledCache) Get(string) (domain.ClientPolicy, bool) { return domain.ClientPolicy{}, false }

func (d *disabledCache) Put(string, domain.ClientPolicy) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Generation() uint64 { return 0 }

func (d *disabledCache) PutIfCurrent(string, domain.ClientPolicy, uint64) bool { return false }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ Cache = (*policyCache)(nil)
var _ Cache = (*disabledCache)(nil)
