package resolver

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// PolicyResolver yields the zones blocked for a client at an instant.
type PolicyResolver interface {
	ResolveBlockedZones(ctx context.Context, clientAddr netip.Addr, now time.Time) ([]string, error)
}

// Forwarder resolves allowed queries upstream. It returns
// upstream.ErrNoRecords when the name has no data.
type Forwarder interface {
	Forward(ctx context.Context, q domain.Question) ([]dns.RR, error)
}
