// Package resolver runs the per-query pipeline: blocked-zone lookup, block
// decision, then an empty answer or upstream forwarding.
package resolver

import (
	"context"
	"errors"
	"maps"
	"net"
	"net/netip"

	"github.com/haukened/dnsgate/internal/dns/common/clock"
	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/common/utils"
	"github.com/haukened/dnsgate/internal/dns/domain"
	"github.com/haukened/dnsgate/internal/dns/gateways/upstream"
)

type Resolver struct {
	clock    clock.Clock
	logger   log.Logger
	policy   PolicyResolver
	upstream Forwarder
}

type ResolverOptions struct {
	Clock    clock.Clock
	Logger   log.Logger
	Policy   PolicyResolver
	Upstream Forwarder
}

func NewResolver(opts ResolverOptions) *Resolver {
	r := &Resolver{
		clock:    opts.Clock,
		logger:   opts.Logger,
		policy:   opts.Policy,
		upstream: opts.Upstream,
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	if r.logger == nil {
		r.logger = log.NewNoopLogger()
	}
	return r
}

// HandleQuery answers q for the client at clientAddr. Now is read once per
// query. A failed policy lookup fails open: the query is forwarded as if
// nothing were blocked.
func (r *Resolver) HandleQuery(ctx context.Context, q domain.Question, clientAddr net.Addr) domain.DNSResponse {
	now := r.clock.Now()
	fields := map[string]any{
		"query_id": q.ID,
		"name":     q.Name,
		"type":     q.TypeString(),
		"apex":     utils.GetApexDomain(q.Name),
	}

	decision := domain.EmptyDecision()
	addr, ok := sourceAddr(clientAddr)
	if ok {
		fields["client"] = addr.String()
		zones, err := r.policy.ResolveBlockedZones(ctx, addr, now)
		if err != nil {
			r.logger.Warn(merge(fields, map[string]any{"error": err}), "policy lookup failed, allowing query")
		} else {
			decision = domain.Decide(q.Name, zones)
		}
	} else {
		r.logger.Warn(merge(fields, map[string]any{"client": addrString(clientAddr)}), "unparseable client address, allowing query")
	}

	if decision.IsBlocked() {
		r.logger.Info(merge(fields, map[string]any{"zone": decision.MatchedZone}), "query blocked")
		return domain.NewEmptyResponse(q.ID)
	}

	answers, err := r.upstream.Forward(ctx, q)
	switch {
	case errors.Is(err, upstream.ErrNoRecords):
		r.logger.Debug(fields, "upstream returned no records")
		return domain.NewEmptyResponse(q.ID)
	case err != nil:
		r.logger.Error(merge(fields, map[string]any{"error": err}), "upstream resolution failed")
		return domain.NewDNSErrorResponse(q.ID, domain.SERVFAIL)
	}

	r.logger.Debug(merge(fields, map[string]any{"answers": len(answers)}), "query forwarded")
	return domain.DNSResponse{ID: q.ID, RCode: domain.NOERROR, Answers: answers}
}

// sourceAddr extracts the unmapped IP of a transport peer address.
func sourceAddr(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		ip := v.AddrPort().Addr().Unmap()
		return ip, ip.IsValid()
	case *net.TCPAddr:
		ip := v.AddrPort().Addr().Unmap()
		return ip, ip.IsValid()
	case nil:
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
