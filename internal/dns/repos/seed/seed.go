// Package seed loads users, clients, blocked zones and optional initial
// sessions from a YAML document into a store.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/common/utils"
	"github.com/haukened/dnsgate/internal/dns/domain"
	"github.com/haukened/dnsgate/internal/dns/repos/zonelist"
)

// File is the seed document.
//
//	users:
//	  - username: alice
//	    display_name: Alice
//	    clients:
//	      - ip: 10.0.0.5
//	        block_all: false
//	    zones: [tracker.example, ads.example]
//	    zone_lists:
//	      - path: lists/ads.hosts
//	        format: hosts
//	    session: 90m
type File struct {
	Users []UserSeed `yaml:"users"`
}

// UserSeed describes one user and everything it owns.
type UserSeed struct {
	Username    string       `yaml:"username"`
	DisplayName string       `yaml:"display_name"`
	Clients     []ClientSeed `yaml:"clients"`
	Zones       []string     `yaml:"zones"`

	// ZoneLists are block list files merged into Zones by Load. Relative
	// paths resolve against the seed file's directory.
	ZoneLists []ZoneListSeed `yaml:"zone_lists"`

	// Session, when set, creates an active session of that length.
	Session string `yaml:"session"`
}

// ClientSeed describes one registered device.
type ClientSeed struct {
	IP       string `yaml:"ip"`
	BlockAll bool   `yaml:"block_all"`
}

// ZoneListSeed points at a plain or hosts format block list.
type ZoneListSeed struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// Writer is the subset of a store that seeding needs.
type Writer interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	CreateClient(ctx context.Context, c domain.Client) (domain.Client, error)
	CreateZone(ctx context.Context, z domain.BlockedZone) (domain.BlockedZone, error)
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
}

// Summary counts the rows Apply created.
type Summary struct {
	Users, Clients, Zones, Sessions int
}

// Parse decodes a seed document from r. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for i, u := range f.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user %d: username is required", i)
		}
		if u.Session != "" {
			if _, err := u.sessionDuration(); err != nil {
				return nil, fmt.Errorf("user %s: %w", u.Username, err)
			}
		}
		for _, zl := range u.ZoneLists {
			if zl.Path == "" {
				return nil, fmt.Errorf("user %s: zone list path is required", u.Username)
			}
			if _, err := zonelist.ParseFormat(zl.Format); err != nil {
				return nil, fmt.Errorf("user %s: %w", u.Username, err)
			}
		}
	}
	return &f, nil
}

// Load reads and parses the seed file at path, then expands its zone lists.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, err
	}
	if err := f.ExpandZoneLists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return f, nil
}

// ExpandZoneLists reads every user's zone lists and appends the names not
// already present to Zones. ZoneLists is cleared afterwards.
func (f *File) ExpandZoneLists(baseDir string) error {
	logger := log.GetLogger()
	for i := range f.Users {
		u := &f.Users[i]
		if len(u.ZoneLists) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(u.Zones))
		for _, z := range u.Zones {
			seen[utils.CanonicalDNSName(z)] = struct{}{}
		}
		for _, zl := range u.ZoneLists {
			format, err := zonelist.ParseFormat(zl.Format)
			if err != nil {
				return fmt.Errorf("user %s: %w", u.Username, err)
			}
			path := zl.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			names, err := zonelist.Load(path, format, logger)
			if err != nil {
				return fmt.Errorf("user %s zone list: %w", u.Username, err)
			}
			added := 0
			for _, name := range names {
				if _, ok := seen[name]; ok {
					continue
				}
				seen[name] = struct{}{}
				u.Zones = append(u.Zones, name)
				added++
			}
			logger.Info(map[string]any{"user": u.Username, "path": path, "zones": added}, "zone list loaded")
		}
		u.ZoneLists = nil
	}
	return nil
}

func (u UserSeed) sessionDuration() (time.Duration, error) {
	d, err := time.ParseDuration(u.Session)
	if err != nil {
		return 0, fmt.Errorf("invalid session duration %q: %w", u.Session, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("session duration must not be negative: %s", d)
	}
	return d, nil
}

// Apply writes f into w, stopping at the first error. Sessions start at now.
// Zone lists must already be expanded; Apply writes Zones only.
func Apply(ctx context.Context, w Writer, f *File, now time.Time) (Summary, error) {
	var sum Summary
	for _, us := range f.Users {
		u, err := w.CreateUser(ctx, domain.User{Username: us.Username, DisplayName: us.DisplayName})
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", us.Username, err)
		}
		sum.Users++

		for _, cs := range us.Clients {
			if _, err := w.CreateClient(ctx, domain.Client{IP: cs.IP, UserID: u.ID, BlockAll: cs.BlockAll}); err != nil {
				return sum, fmt.Errorf("user %s client %s: %w", us.Username, cs.IP, err)
			}
			sum.Clients++
		}

		for _, name := range us.Zones {
			z, err := domain.NewBlockedZone(name, u.ID)
			if err != nil {
				return sum, fmt.Errorf("user %s: %w", us.Username, err)
			}
			if _, err := w.CreateZone(ctx, z); err != nil {
				return sum, fmt.Errorf("user %s zone %s: %w", us.Username, z.Name, err)
			}
			sum.Zones++
		}

		if us.Session == "" {
			continue
		}
		d, err := us.sessionDuration()
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", us.Username, err)
		}
		sess, err := domain.NewSession(u.ID, d, now)
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", us.Username, err)
		}
		if _, err := w.CreateSession(ctx, sess); err != nil {
			return sum, fmt.Errorf("user %s session: %w", us.Username, err)
		}
		sum.Sessions++
	}
	return sum, nil
}
