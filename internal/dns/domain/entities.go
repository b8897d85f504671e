package domain

import (
	"fmt"
	"net/netip"

	"github.com/haukened/dnsgate/internal/dns/common/utils"
)

// User owns clients, blocked zones and sessions. Users are created by
// administrative tooling and never mutated by the gate itself.
type User struct {
	ID          int64
	DisplayName string
	Username    string
}

// Validate checks the User for required fields.
func (u User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	return nil
}

// Client is a registered device. Its IP is the lookup key for the source
// address of incoming queries.
type Client struct {
	ID       int64
	IP       string
	UserID   int64
	BlockAll bool
}

// Validate checks the Client for a parseable address and an owner.
func (c Client) Validate() error {
	if _, err := ParseClientIP(c.IP); err != nil {
		return err
	}
	if c.UserID <= 0 {
		return fmt.Errorf("client %q must belong to a user", c.IP)
	}
	return nil
}

// ParseClientIP parses s and returns the canonical address form used as the
// client lookup key. IPv4-mapped IPv6 addresses are unmapped.
func ParseClientIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid client ip %q: %w", s, err)
	}
	return addr.Unmap(), nil
}

// ClientKey returns the textual lookup key for addr.
func ClientKey(addr netip.Addr) string {
	return addr.Unmap().String()
}

// BlockedZone is a zone root blocked for a user. Any name equal to or below
// Name matches.
type BlockedZone struct {
	ID     int64
	Name   string
	UserID int64
}

// NewBlockedZone constructs a BlockedZone with a canonical name.
func NewBlockedZone(name string, userID int64) (BlockedZone, error) {
	z := BlockedZone{Name: utils.CanonicalDNSName(name), UserID: userID}
	if err := z.Validate(); err != nil {
		return BlockedZone{}, err
	}
	return z, nil
}

// Validate checks the BlockedZone for a non-root name and an owner.
func (z BlockedZone) Validate() error {
	if utils.CanonicalDNSName(z.Name) == "" {
		return fmt.Errorf("zone name must not be empty")
	}
	if z.UserID <= 0 {
		return fmt.Errorf("zone %q must belong to a user", z.Name)
	}
	return nil
}

// ClientPolicy is everything the blocklist resolver needs to know about one
// client: the client row, the owner's sessions and the owner's zones.
// Client is nil when no device is registered for the address.
type ClientPolicy struct {
	Client   *Client
	Sessions []Session
	Zones    []string
}
