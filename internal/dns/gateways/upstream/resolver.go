// Package upstream forwards allowed queries to the configured recursive
// resolvers over UDP.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// ErrNoRecords means an upstream answered definitively with nothing:
// NXDOMAIN, or NOERROR without answer records.
var ErrNoRecords = errors.New("upstream returned no records")

// Error message constants for consistent error handling
const (
	errNoServersProvided = "no upstream DNS servers provided"
	errServerFailed      = "server %s: %w"
	errAllServersFailed  = "all %d upstream servers failed"
	errQueryTimeout      = "query timeout after %v"
	errUpstreamRcode     = "upstream rcode %s"
)

// ednsUDPSize is advertised upstream so large answers arrive untruncated.
const ednsUDPSize = dns.DefaultMsgSize

// Exchanger performs one DNS exchange. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Resolver forwards queries to upstream servers, either in order until one
// answers definitively, or to all at once taking the first definitive answer.
type Resolver struct {
	servers  []string      // e.g. "1.1.1.1:53"
	timeout  time.Duration // applied when the caller's context has no deadline
	parallel bool
	client   Exchanger
}

// Options configures a Resolver. Client is for tests; it defaults to a UDP
// *dns.Client.
type Options struct {
	Servers  []string
	Timeout  time.Duration
	Parallel bool
	Client   Exchanger
}

// NewResolver creates an upstream resolver. It returns an error if the
// server list is empty and defaults the timeout to 5 seconds.
func NewResolver(opts Options) (*Resolver, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New(errNoServersProvided)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &dns.Client{Net: "udp", Timeout: opts.Timeout, UDPSize: ednsUDPSize}
	}
	return &Resolver{
		servers:  opts.Servers,
		timeout:  opts.Timeout,
		parallel: opts.Parallel,
		client:   opts.Client,
	}, nil
}

// ensureContextDeadline adds the resolver's timeout when ctx has no deadline.
// The returned cancel function is nil when ctx was used as is.
func (r *Resolver) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, nil
}

// Forward resolves q upstream and returns the answer records verbatim.
// A definitive empty answer is reported as ErrNoRecords.
func (r *Resolver) Forward(ctx context.Context, q domain.Question) ([]dns.RR, error) {
	ctx, cancel := r.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}

	msg := newQuery(q)
	if r.parallel {
		return r.forwardParallel(ctx, msg)
	}
	return r.forwardSerial(ctx, msg)
}

// newQuery builds the upstream request for q with a fresh message id.
func newQuery(q domain.Question) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.Name), q.Type)
	m.Question[0].Qclass = q.Class
	m.RecursionDesired = true
	m.SetEdns0(ednsUDPSize, false)
	return m
}

func (r *Resolver) forwardSerial(ctx context.Context, msg *dns.Msg) ([]dns.RR, error) {
	var lastErr error
	for _, server := range r.servers {
		answers, err := r.queryServer(ctx, server, msg)
		if err == nil || errors.Is(err, ErrNoRecords) {
			return answers, err
		}
		lastErr = fmt.Errorf(errServerFailed, server, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), lastErr)
}

func (r *Resolver) forwardParallel(ctx context.Context, msg *dns.Msg) ([]dns.RR, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		answers []dns.RR
		err     error
	}
	results := make(chan result, len(r.servers))

	for _, server := range r.servers {
		go func(srv string) {
			answers, err := r.queryServer(ctx, srv, msg.Copy())
			if err != nil && !errors.Is(err, ErrNoRecords) {
				err = fmt.Errorf(errServerFailed, srv, err)
			}
			results <- result{answers: answers, err: err}
		}(server)
	}

	var errs []error
	for i := 0; i < len(r.servers); i++ {
		select {
		case res := <-results:
			if res.err == nil || errors.Is(res.err, ErrNoRecords) {
				return res.answers, res.err
			}
			errs = append(errs, res.err)
		case <-ctx.Done():
			return nil, fmt.Errorf(errQueryTimeout, r.timeout)
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), errors.Join(errs...))
}

// queryServer performs one exchange and classifies the reply.
func (r *Resolver) queryServer(ctx context.Context, server string, msg *dns.Msg) ([]dns.RR, error) {
	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		if len(resp.Answer) == 0 {
			return nil, ErrNoRecords
		}
		return resp.Answer, nil
	case dns.RcodeNameError:
		return nil, ErrNoRecords
	default:
		return nil, fmt.Errorf(errUpstreamRcode, dns.RcodeToString[resp.Rcode])
	}
}
