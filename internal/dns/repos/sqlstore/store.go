// Package sqlstore is the session store for PostgreSQL (pgx) and SQLite
// (go-sqlite3) behind database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/haukened/dnsgate/internal/dns/common/utils"
	"github.com/haukened/dnsgate/internal/dns/domain"
)

// Options selects the driver and sizes the connection pool. Zero pool
// values keep the database/sql defaults.
type Options struct {
	Driver          string // "postgres" or "sqlite"
	DSN             string // connection URL, or a file path for sqlite
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements the session, policy and seed store contracts on a
// database/sql pool. Every call holds a connection only for its own duration.
type Store struct {
	db      *sql.DB
	dialect dialect
	dsn     string
}

// Open connects to the database described by opts and verifies it with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	dsn := d.dsn(opts.DSN)

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	return &Store{db: db, dialect: d, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks that a pool connection can reach the database.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const (
	selectClientByIP = `SELECT id, ip_address, user_id, block_all FROM clients WHERE ip_address = $1`
	selectUserZones  = `SELECT domain_name FROM domains WHERE user_id = $1 ORDER BY id`
	sessionColumns   = `SELECT id, user_id, time_left, end_timestamp FROM sessions`
)

// ClientPolicy returns the client registered for ip together with its
// owner's sessions and zones. An unknown ip yields a zero ClientPolicy.
func (s *Store) ClientPolicy(ctx context.Context, ip string) (domain.ClientPolicy, error) {
	var c domain.Client
	err := s.db.QueryRowContext(ctx, selectClientByIP, ip).Scan(&c.ID, &c.IP, &c.UserID, &c.BlockAll)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClientPolicy{}, nil
	}
	if err != nil {
		return domain.ClientPolicy{}, fmt.Errorf("select client %s: %w", ip, err)
	}

	sessions, err := s.querySessions(ctx, sessionColumns+` WHERE user_id = $1 ORDER BY id`, c.UserID)
	if err != nil {
		return domain.ClientPolicy{}, err
	}

	rows, err := s.db.QueryContext(ctx, selectUserZones, c.UserID)
	if err != nil {
		return domain.ClientPolicy{}, fmt.Errorf("select zones for user %d: %w", c.UserID, err)
	}
	defer rows.Close()

	var zones []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return domain.ClientPolicy{}, fmt.Errorf("scan zone: %w", err)
		}
		zones = append(zones, name)
	}
	if err := rows.Err(); err != nil {
		return domain.ClientPolicy{}, fmt.Errorf("iterate zones: %w", err)
	}

	return domain.ClientPolicy{Client: &c, Sessions: sessions, Zones: zones}, nil
}

// GetSession returns the session with id or domain.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id int64) (domain.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = $1`, id))
}

// CreateSession inserts sess and returns it with its assigned id.
// An unknown owner yields domain.ErrUserNotFound.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if err := sess.Validate(); err != nil {
		return domain.Session{}, err
	}
	timeLeft, end := sessionArgs(sess)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := userExists(ctx, tx, sess.UserID); err != nil {
		return domain.Session{}, err
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO sessions (user_id, time_left, end_timestamp) VALUES ($1, $2, $3) RETURNING id`,
		sess.UserID, timeLeft, end,
	).Scan(&sess.ID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit: %w", err)
	}
	return normalize(sess), nil
}

// UpdateSession applies fn to the session with id inside one transaction:
// the row is read under a write lock, fn computes the next state, and the
// result is written back only when fn reports a change.
func (s *Store) UpdateSession(ctx context.Context, id int64, fn func(domain.Session) (domain.Session, bool, error)) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSession(tx.QueryRowContext(ctx, sessionColumns+` WHERE id = $1`+s.dialect.lockRow, id))
	if err != nil {
		return domain.Session{}, err
	}

	next, changed, err := fn(cur)
	if err != nil {
		return domain.Session{}, err
	}
	if !changed {
		return cur, tx.Commit()
	}

	next.ID, next.UserID = cur.ID, cur.UserID
	if err := next.Validate(); err != nil {
		return domain.Session{}, err
	}
	timeLeft, end := sessionArgs(next)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET time_left = $1, end_timestamp = $2 WHERE id = $3`,
		timeLeft, end, id,
	); err != nil {
		return domain.Session{}, fmt.Errorf("update session %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit: %w", err)
	}
	return normalize(next), nil
}

// ListLiveSessions returns sessions active at now or paused with time left,
// ordered by id.
func (s *Store) ListLiveSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	sessions, err := s.querySessions(ctx,
		sessionColumns+` WHERE end_timestamp > $1 OR time_left > 0 ORDER BY id`,
		domain.StorageTime(now),
	)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return sessions, nil
}

// CreateUser inserts u. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := u.Validate(); err != nil {
		return domain.User{}, err
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (display_name, username) VALUES ($1, $2) RETURNING id`,
		u.DisplayName, u.Username,
	).Scan(&u.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user %q: %w", u.Username, err)
	}
	return u, nil
}

// CreateClient registers c under its canonical address. Addresses are unique.
func (s *Store) CreateClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	addr, err := domain.ParseClientIP(c.IP)
	if err != nil {
		return domain.Client{}, err
	}
	c.IP = domain.ClientKey(addr)
	if err := c.Validate(); err != nil {
		return domain.Client{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO clients (ip_address, user_id, block_all) VALUES ($1, $2, $3) RETURNING id`,
		c.IP, c.UserID, c.BlockAll,
	).Scan(&c.ID)
	if err != nil {
		return domain.Client{}, fmt.Errorf("insert client %s: %w", c.IP, err)
	}
	return c, nil
}

// CreateZone adds a blocked zone for its user. Adding a zone the user
// already blocks returns the existing row.
func (s *Store) CreateZone(ctx context.Context, z domain.BlockedZone) (domain.BlockedZone, error) {
	z.Name = utils.CanonicalDNSName(z.Name)
	if err := z.Validate(); err != nil {
		return domain.BlockedZone{}, err
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO domains (domain_name, user_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, domain_name) DO UPDATE SET domain_name = excluded.domain_name
		 RETURNING id`,
		z.Name, z.UserID,
	).Scan(&z.ID)
	if err != nil {
		return domain.BlockedZone{}, fmt.Errorf("insert zone %s: %w", z.Name, err)
	}
	return z, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userExists(ctx context.Context, q queryer, userID int64) error {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("select user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		sess     domain.Session
		timeLeft sql.NullInt64
		end      sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &timeLeft, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if timeLeft.Valid {
		d := time.Duration(timeLeft.Int64) * time.Millisecond
		sess.TimeLeft = &d
	}
	if end.Valid {
		t := end.Time.UTC()
		sess.EndTimestamp = &t
	}
	return sess, nil
}

// sessionArgs returns the nullable column values for sess.
func sessionArgs(sess domain.Session) (timeLeft, end any) {
	if sess.TimeLeft != nil {
		timeLeft = sess.TimeLeft.Milliseconds()
	}
	if sess.EndTimestamp != nil {
		end = domain.StorageTime(*sess.EndTimestamp)
	}
	return timeLeft, end
}

// normalize applies the column precision to an in-memory session so the
// returned value equals what a later read yields.
func normalize(sess domain.Session) domain.Session {
	if sess.TimeLeft != nil {
		d := sess.TimeLeft.Truncate(time.Millisecond)
		sess.TimeLeft = &d
	}
	if sess.EndTimestamp != nil {
		t := domain.StorageTime(*sess.EndTimestamp)
		sess.EndTimestamp = &t
	}
	return sess
}
