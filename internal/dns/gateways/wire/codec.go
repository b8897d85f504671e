// Package wire converts between DNS wire messages and domain values using
// miekg/dns. It owns every header-level rule of the DNS surface: opcode and
// question count checks, reply flags, and UDP size truncation.
package wire

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/domain"
)

const (
	headerLen = 12
	// minUDPSize is the UDP payload limit for clients without EDNS0.
	minUDPSize = dns.MinMsgSize
)

var (
	// ErrMalformed wraps failures to unpack an inbound datagram.
	ErrMalformed = errors.New("malformed dns message")
	// ErrResponse marks an inbound message with the QR bit set. It is never
	// answered, so two servers cannot bounce errors at each other.
	ErrResponse = errors.New("inbound message is a response")
)

// RejectError reports a well-formed message that is answered with RCode
// without consulting the resolver.
type RejectError struct {
	RCode  domain.RCode
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.RCode, e.Reason)
}

// Codec is the miekg/dns backed message codec.
type Codec struct {
	logger log.Logger
}

// NewCodec returns a Codec that logs through logger.
func NewCodec(logger log.Logger) *Codec {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Codec{logger: logger}
}

// DecodeQuery unpacks data into the request message and its single
// question. Undecodable input yields an error wrapping ErrMalformed, and a
// response yields ErrResponse. A decodable message the gate does not serve
// yields a *RejectError, in which case the returned message is still usable
// with EncodeReject.
func (c *Codec) DecodeQuery(data []byte) (*dns.Msg, domain.Question, error) {
	req := new(dns.Msg)
	if err := req.Unpack(data); err != nil {
		return nil, domain.Question{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	q, err := c.Question(req)
	return req, q, err
}

// Question extracts the single question of an already unpacked request.
func (c *Codec) Question(req *dns.Msg) (domain.Question, error) {
	if req.Response {
		return domain.Question{}, ErrResponse
	}
	if req.Opcode != dns.OpcodeQuery {
		return domain.Question{}, &RejectError{RCode: domain.NOTIMP, Reason: fmt.Sprintf("opcode %s", dns.OpcodeToString[req.Opcode])}
	}
	if len(req.Question) != 1 {
		return domain.Question{}, &RejectError{RCode: domain.FORMERR, Reason: fmt.Sprintf("%d questions", len(req.Question))}
	}

	rq := req.Question[0]
	q, err := domain.NewQuestion(req.Id, rq.Name, rq.Qtype, rq.Qclass)
	if err != nil {
		return domain.Question{}, &RejectError{RCode: domain.FORMERR, Reason: err.Error()}
	}
	return q, nil
}

// UDPSize is the reply size limit for req: the EDNS0 advertised size, never
// below 512 bytes.
func UDPSize(req *dns.Msg) int {
	size := minUDPSize
	if opt := req.IsEdns0(); opt != nil {
		if advertised := int(opt.UDPSize()); advertised > size {
			size = advertised
		}
	}
	return size
}

// Reply builds the reply to req carrying resp, truncated (TC set) to size.
// Replies are never authoritative and always advertise recursion.
func (c *Codec) Reply(req *dns.Msg, resp domain.DNSResponse, size int) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = false
	reply.RecursionAvailable = true
	reply.Rcode = int(resp.RCode)
	reply.Answer = resp.Answers
	reply.Compress = true

	if req.IsEdns0() != nil {
		reply.SetEdns0(uint16(UDPSize(req)), false)
	}
	reply.Truncate(size)
	if reply.Truncated {
		c.logger.Debug(map[string]any{
			"query_id": req.Id,
			"limit":    size,
			"answers":  len(resp.Answers),
			"kept":     len(reply.Answer),
		}, "DNS response truncated")
	}
	return reply
}

// EncodeResponse packs resp as the UDP reply to req.
func (c *Codec) EncodeResponse(req *dns.Msg, resp domain.DNSResponse) ([]byte, error) {
	out, err := c.Reply(req, resp, UDPSize(req)).Pack()
	if err != nil {
		return nil, fmt.Errorf("pack response %d: %w", req.Id, err)
	}
	return out, nil
}

// RejectReply builds an empty reply to req carrying rcode.
func (c *Codec) RejectReply(req *dns.Msg, rcode domain.RCode) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetRcode(req, int(rcode))
	reply.RecursionAvailable = true
	// SetReply copies the question; a FORMERR reply to a bad question echoes none.
	if rcode == domain.FORMERR {
		reply.Question = nil
	}
	return reply
}

// EncodeReject packs RejectReply(req, rcode).
func (c *Codec) EncodeReject(req *dns.Msg, rcode domain.RCode) ([]byte, error) {
	out, err := c.RejectReply(req, rcode).Pack()
	if err != nil {
		return nil, fmt.Errorf("pack %s reply: %w", rcode, err)
	}
	return out, nil
}

// FormatError builds a bare FORMERR reply from the header of an undecodable
// datagram. It reports false when data is too short to carry a header.
func (c *Codec) FormatError(data []byte) ([]byte, bool) {
	if len(data) < headerLen || data[2]&0x80 != 0 {
		return nil, false
	}
	reply := new(dns.Msg)
	reply.Id = uint16(data[0])<<8 | uint16(data[1])
	reply.Response = true
	reply.Opcode = int(data[2]>>3) & 0xF
	reply.RecursionDesired = data[2]&0x1 == 1
	reply.Rcode = dns.RcodeFormatError
	out, err := reply.Pack()
	if err != nil {
		return nil, false
	}
	return out, true
}
