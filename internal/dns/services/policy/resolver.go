// Package policy maps a querying client address to the zones currently
// blocked for it.
package policy

import (
	"context"
	"net/netip"
	"time"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/domain"
)

// Store reads everything known about one client in a single call.
type Store interface {
	ClientPolicy(ctx context.Context, ip string) (domain.ClientPolicy, error)
}

// Cache holds recently read client policies. A policy is stored only if no
// purge happened since gen was read, so a session change committed during the
// store read never leaves a stale entry behind.
type Cache interface {
	Get(client string) (domain.ClientPolicy, bool)
	Generation() uint64
	PutIfCurrent(client string, p domain.ClientPolicy, gen uint64) bool
}

// Resolver resolves blocked-zone sets, optionally through a Cache.
type Resolver struct {
	store  Store
	cache  Cache
	logger log.Logger
}

// Options configures a Resolver. Cache may be nil.
type Options struct {
	Store  Store
	Cache  Cache
	Logger log.Logger
}

func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Resolver{store: opts.Store, cache: opts.Cache, logger: logger}
}

// ResolveBlockedZones returns the zones blocked for clientAddr at now. An
// unregistered client, or one whose owner has no active session, gets an
// empty set. A store failure is returned as *domain.PolicyLookupError.
func (r *Resolver) ResolveBlockedZones(ctx context.Context, clientAddr netip.Addr, now time.Time) ([]string, error) {
	key := domain.ClientKey(clientAddr)

	p, ok := r.lookupCache(key)
	if !ok {
		var gen uint64
		if r.cache != nil {
			gen = r.cache.Generation()
		}
		var err error
		p, err = r.store.ClientPolicy(ctx, key)
		if err != nil {
			return nil, &domain.PolicyLookupError{Client: key, Err: err}
		}
		if r.cache != nil {
			r.cache.PutIfCurrent(key, p, gen)
		}
	}

	zones := BlockedZones(p, now)
	r.logger.Debug(map[string]any{
		"client":     key,
		"registered": p.Client != nil,
		"zones":      len(zones),
		"cached":     ok,
	}, "resolved blocked zones")
	return zones, nil
}

func (r *Resolver) lookupCache(key string) (domain.ClientPolicy, bool) {
	if r.cache == nil {
		return domain.ClientPolicy{}, false
	}
	return r.cache.Get(key)
}

// BlockedZones applies the blocking rule to a client policy: blocking is
// live only while at least one of the owner's sessions is active at now.
// A block_all client yields the root zone, which contains every name.
func BlockedZones(p domain.ClientPolicy, now time.Time) []string {
	if p.Client == nil || !anyActive(p.Sessions, now) {
		return []string{}
	}
	if p.Client.BlockAll {
		return []string{""}
	}
	if p.Zones == nil {
		return []string{}
	}
	return p.Zones
}

func anyActive(sessions []domain.Session, now time.Time) bool {
	for _, s := range sessions {
		if s.IsActive(now) {
			return true
		}
	}
	return false
}
