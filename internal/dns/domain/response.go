package domain

import "github.com/miekg/dns"

// DNSResponse is the answer the orchestrator hands back to a transport.
// Answers are relayed verbatim from upstream; the gate never synthesizes
// records of its own.
type DNSResponse struct {
	ID      uint16
	RCode   RCode
	Answers []dns.RR
}

// NewEmptyResponse returns a NOERROR response with no answers, used both for
// blocked queries and for upstream "no records" results.
func NewEmptyResponse(id uint16) DNSResponse {
	return DNSResponse{ID: id, RCode: NOERROR}
}

// NewDNSErrorResponse returns a response carrying only rcode.
func NewDNSErrorResponse(id uint16, rcode RCode) DNSResponse {
	return DNSResponse{ID: id, RCode: rcode}
}

// IsError returns true if the response indicates an error condition.
func (resp DNSResponse) IsError() bool {
	return resp.RCode != NOERROR
}

// AnswerCount returns the number of answer records in the response.
func (resp DNSResponse) AnswerCount() int {
	return len(resp.Answers)
}
