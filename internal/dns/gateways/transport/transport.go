// Package transport serves the DNS surface. Transports own sockets and wire
// conversion; the service layer only ever sees domain values.
package transport

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// ServerTransport is a DNS listener bound to one protocol.
type ServerTransport interface {
	// Start binds the listener and serves queries through handler until Stop
	// is called or ctx is cancelled.
	Start(ctx context.Context, handler RequestHandler) error

	// Stop closes the listener and waits for in-flight queries to finish.
	Stop() error

	// Address returns the bound address once started, the configured one before.
	Address() string
}

// RequestHandler answers a decoded query. It never fails: every outcome,
// including upstream failure, is expressed as a response.
type RequestHandler interface {
	HandleQuery(ctx context.Context, q domain.Question, clientAddr net.Addr) domain.DNSResponse
}

// Codec converts between wire messages and domain values.
type Codec interface {
	DecodeQuery(data []byte) (*dns.Msg, domain.Question, error)
	Question(req *dns.Msg) (domain.Question, error)
	Reply(req *dns.Msg, resp domain.DNSResponse, size int) *dns.Msg
	EncodeResponse(req *dns.Msg, resp domain.DNSResponse) ([]byte, error)
	RejectReply(req *dns.Msg, rcode domain.RCode) *dns.Msg
	EncodeReject(req *dns.Msg, rcode domain.RCode) ([]byte, error)
	FormatError(data []byte) ([]byte, bool)
}

// TransportType names a DNS transport protocol.
type TransportType string

const (
	// TransportUDP is classic DNS over UDP (RFC 1035).
	TransportUDP TransportType = "udp"

	// TransportTCP is DNS over TCP (RFC 7766), used by clients retrying
	// truncated UDP replies.
	TransportTCP TransportType = "tcp"
)
