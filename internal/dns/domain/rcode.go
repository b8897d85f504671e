package domain

import "fmt"

// RCode represents a DNS response code indicating the result of a query.
type RCode uint8

const (
	NOERROR  RCode = 0
	FORMERR  RCode = 1
	SERVFAIL RCode = 2
	NXDOMAIN RCode = 3
	NOTIMP   RCode = 4
	REFUSED  RCode = 5
)

var rcodeNames = map[RCode]string{
	NOERROR:  "NOERROR",
	FORMERR:  "FORMERR",
	SERVFAIL: "SERVFAIL",
	NXDOMAIN: "NXDOMAIN",
	NOTIMP:   "NOTIMP",
	REFUSED:  "REFUSED",
}

// IsValid returns true if the RCode is one the gate emits or relays.
func (r RCode) IsValid() bool {
	_, ok := rcodeNames[r]
	return ok
}

// String returns the textual representation of the RCode.
func (r RCode) String() string {
	if s, ok := rcodeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", r)
}
