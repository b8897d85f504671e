package domain

import "github.com/haukened/dnsgate/internal/dns/common/utils"

// Verdict is the outcome of the query decision engine.
type Verdict uint8

const (
	Allow Verdict = iota
	Block
)

// String returns "allow" or "block".
func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "allow"
}

// BlockDecision represents the outcome of evaluating a query name against a
// set of blocked zones. Pure value type, no external dependencies.
type BlockDecision struct {
	Verdict     Verdict
	MatchedZone string // canonical zone that matched; empty for Allow or the root zone
}

// IsBlocked is a convenience accessor.
func (d BlockDecision) IsBlocked() bool { return d.Verdict == Block }

// EmptyDecision returns an allow decision.
func EmptyDecision() BlockDecision { return BlockDecision{Verdict: Allow} }

// Decide blocks name when it equals or is a subdomain of any zone. Matching
// is on label boundaries, case-insensitive, and ignores trailing dots.
func Decide(name string, zones []string) BlockDecision {
	for _, z := range zones {
		if utils.InZone(name, z) {
			return BlockDecision{Verdict: Block, MatchedZone: utils.CanonicalDNSName(z)}
		}
	}
	return EmptyDecision()
}
