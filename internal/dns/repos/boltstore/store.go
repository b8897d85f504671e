// Package boltstore is the embedded session store backed by bbolt. It needs
// no external database and suits single-host deployments.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/dnsgate/internal/dns/common/utils"
	"github.com/haukened/dnsgate/internal/dns/domain"
)

var (
	bucketUsers          = []byte("users")
	bucketUsernames      = []byte("usernames")
	bucketClients        = []byte("clients")
	bucketClientIPs      = []byte("client_ips")
	bucketZones          = []byte("zones")
	bucketZonesByUser    = []byte("zones_by_user")
	bucketSessions       = []byte("sessions")
	bucketSessionsByUser = []byte("sessions_by_user")

	allBuckets = [][]byte{
		bucketUsers, bucketUsernames,
		bucketClients, bucketClientIPs,
		bucketZones, bucketZonesByUser,
		bucketSessions, bucketSessionsByUser,
	}
)

const (
	minFilterCapacity = 1024
	filterFPRate      = 0.01
)

// Store implements the session, policy and seed store contracts on bbolt.
// Registered client addresses are mirrored in a Bloom filter so queries from
// unknown sources skip the database entirely.
type Store struct {
	db *bbolt.DB

	mu    sync.RWMutex
	known *bitsbloom.BloomFilter
}

// Open opens (or creates) a Bolt database at path and ensures buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.loadKnownClients(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// loadKnownClients sizes the filter for the current client count and fills it.
func (s *Store) loadKnownClients() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClientIPs)
		n := uint(b.Stats().KeyN) * 2
		if n < minFilterCapacity {
			n = minFilterCapacity
		}
		f := bitsbloom.NewWithEstimates(n, filterFPRate)
		if err := b.ForEach(func(k, _ []byte) error {
			f.Add(k)
			return nil
		}); err != nil {
			return err
		}
		s.known = f
		return nil
	})
}

func (s *Store) mightKnow(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known.TestString(ip)
}

func (s *Store) markKnown(ip string) {
	s.mu.Lock()
	s.known.AddString(ip)
	s.mu.Unlock()
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSessions) == nil {
			return fmt.Errorf("bucket %s missing", bucketSessions)
		}
		return nil
	})
}

// ClientPolicy returns the client registered for ip together with its
// owner's sessions and zones. An unknown ip yields a zero ClientPolicy.
func (s *Store) ClientPolicy(ctx context.Context, ip string) (domain.ClientPolicy, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClientPolicy{}, err
	}
	if !s.mightKnow(ip) {
		return domain.ClientPolicy{}, nil
	}

	var policy domain.ClientPolicy
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketClientIPs).Get([]byte(ip))
		if id == nil {
			return nil
		}
		var cr clientRecord
		if err := getJSON(tx.Bucket(bucketClients), id, &cr); err != nil {
			return fmt.Errorf("client %s: %w", ip, err)
		}
		policy.Client = &domain.Client{ID: cr.ID, IP: cr.IP, UserID: cr.UserID, BlockAll: cr.BlockAll}

		sessions, err := userSessions(tx, cr.UserID)
		if err != nil {
			return err
		}
		policy.Sessions = sessions

		return visitOwned(tx, bucketZonesByUser, bucketZones, cr.UserID, func(v []byte) error {
			var zr zoneRecord
			if err := json.Unmarshal(v, &zr); err != nil {
				return err
			}
			policy.Zones = append(policy.Zones, zr.Name)
			return nil
		})
	})
	if err != nil {
		return domain.ClientPolicy{}, err
	}
	return policy, nil
}

// GetSession returns the session with id or domain.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id int64) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	var out domain.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = getSession(tx, id)
		return err
	})
	return out, err
}

// CreateSession inserts s and returns it with its assigned id.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if err := sess.Validate(); err != nil {
		return domain.Session{}, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get(itob(sess.UserID)) == nil {
			return domain.ErrUserNotFound
		}
		b := tx.Bucket(bucketSessions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sess.ID = int64(seq)
		if err := putJSON(b, itob(sess.ID), toSessionRecord(sess)); err != nil {
			return err
		}
		return tx.Bucket(bucketSessionsByUser).Put(ownerKey(sess.UserID, sess.ID), []byte{1})
	})
	if err != nil {
		return domain.Session{}, err
	}
	return toSessionRecord(sess).toDomain(), nil
}

// UpdateSession applies fn to the session with id inside a single write
// transaction and persists the result when fn reports a change.
func (s *Store) UpdateSession(ctx context.Context, id int64, fn func(domain.Session) (domain.Session, bool, error)) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	var out domain.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getSession(tx, id)
		if err != nil {
			return err
		}
		next, changed, err := fn(cur)
		if err != nil {
			return err
		}
		if !changed {
			out = cur
			return nil
		}
		next.ID, next.UserID = cur.ID, cur.UserID
		if err := next.Validate(); err != nil {
			return err
		}
		rec := toSessionRecord(next)
		if err := putJSON(tx.Bucket(bucketSessions), itob(id), rec); err != nil {
			return err
		}
		out = rec.toDomain()
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

// ListLiveSessions returns sessions that are active at now or paused with
// time left, ordered by id.
func (s *Store) ListLiveSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []domain.Session{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if sess := rec.toDomain(); sess.IsLive(now) {
				out = append(out, sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateUser inserts u. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	if err := u.Validate(); err != nil {
		return domain.User{}, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(u.Username)) != nil {
			return fmt.Errorf("user %q already exists", u.Username)
		}
		b := tx.Bucket(bucketUsers)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		u.ID = int64(seq)
		if err := putJSON(b, itob(u.ID), userRecord{ID: u.ID, DisplayName: u.DisplayName, Username: u.Username}); err != nil {
			return err
		}
		return names.Put([]byte(u.Username), itob(u.ID))
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CreateClient registers c. Client addresses are unique.
func (s *Store) CreateClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	if err := ctx.Err(); err != nil {
		return domain.Client{}, err
	}
	addr, err := domain.ParseClientIP(c.IP)
	if err != nil {
		return domain.Client{}, err
	}
	c.IP = domain.ClientKey(addr)
	if err := c.Validate(); err != nil {
		return domain.Client{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get(itob(c.UserID)) == nil {
			return domain.ErrUserNotFound
		}
		ips := tx.Bucket(bucketClientIPs)
		if ips.Get([]byte(c.IP)) != nil {
			return fmt.Errorf("client %s already registered", c.IP)
		}
		b := tx.Bucket(bucketClients)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		c.ID = int64(seq)
		if err := putJSON(b, itob(c.ID), clientRecord{ID: c.ID, IP: c.IP, UserID: c.UserID, BlockAll: c.BlockAll}); err != nil {
			return err
		}
		return ips.Put([]byte(c.IP), itob(c.ID))
	})
	if err != nil {
		return domain.Client{}, err
	}
	s.markKnown(c.IP)
	return c, nil
}

// CreateZone adds a blocked zone for its user. Adding a zone the user
// already blocks returns the existing row.
func (s *Store) CreateZone(ctx context.Context, z domain.BlockedZone) (domain.BlockedZone, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockedZone{}, err
	}
	z.Name = utils.CanonicalDNSName(z.Name)
	if err := z.Validate(); err != nil {
		return domain.BlockedZone{}, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get(itob(z.UserID)) == nil {
			return domain.ErrUserNotFound
		}
		var existing *zoneRecord
		if err := visitOwned(tx, bucketZonesByUser, bucketZones, z.UserID, func(v []byte) error {
			var zr zoneRecord
			if err := json.Unmarshal(v, &zr); err != nil {
				return err
			}
			if zr.Name == z.Name {
				existing = &zr
			}
			return nil
		}); err != nil {
			return err
		}
		if existing != nil {
			z.ID = existing.ID
			return nil
		}
		b := tx.Bucket(bucketZones)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		z.ID = int64(seq)
		if err := putJSON(b, itob(z.ID), zoneRecord{ID: z.ID, Name: z.Name, UserID: z.UserID}); err != nil {
			return err
		}
		return tx.Bucket(bucketZonesByUser).Put(ownerKey(z.UserID, z.ID), []byte{1})
	})
	if err != nil {
		return domain.BlockedZone{}, err
	}
	return z, nil
}

func getSession(tx *bbolt.Tx, id int64) (domain.Session, error) {
	v := tx.Bucket(bucketSessions).Get(itob(id))
	if v == nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	var rec sessionRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return domain.Session{}, fmt.Errorf("session %d: %w", id, err)
	}
	return rec.toDomain(), nil
}

func userSessions(tx *bbolt.Tx, userID int64) ([]domain.Session, error) {
	var out []domain.Session
	err := visitOwned(tx, bucketSessionsByUser, bucketSessions, userID, func(v []byte) error {
		var rec sessionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec.toDomain())
		return nil
	})
	return out, err
}

// visitOwned walks the rows of data owned by userID through the index
// bucket, in id order.
func visitOwned(tx *bbolt.Tx, index, data []byte, userID int64, visit func(v []byte) error) error {
	prefix := itob(userID)
	rows := tx.Bucket(data)
	c := tx.Bucket(index).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		v := rows.Get(k[len(prefix):])
		if v == nil {
			continue
		}
		if err := visit(v); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(b *bbolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return fmt.Errorf("key %x not found", key)
	}
	return json.Unmarshal(raw, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
