package domain

import (
	"fmt"

	"github.com/miekg/dns"
)

// Question is the single question of an inbound query, stripped of wire
// details. Name is kept as received (fully qualified).
type Question struct {
	ID    uint16
	Name  string
	Type  uint16
	Class uint16
}

// NewQuestion constructs a Question and validates its fields.
func NewQuestion(id uint16, name string, rrtype, class uint16) (Question, error) {
	q := Question{
		ID:    id,
		Name:  name,
		Type:  rrtype,
		Class: class,
	}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Validate checks whether the Question fields are structurally valid.
func (q Question) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("query name must not be empty")
	}
	if _, ok := dns.IsDomainName(q.Name); !ok {
		return fmt.Errorf("invalid query name %q", q.Name)
	}
	if q.Type == dns.TypeNone {
		return fmt.Errorf("query type must be set")
	}
	if q.Class == dns.ClassNONE {
		return fmt.Errorf("query class must be set")
	}
	return nil
}

// TypeString returns the mnemonic of the query type, e.g. "AAAA".
func (q Question) TypeString() string {
	return dns.Type(q.Type).String()
}
