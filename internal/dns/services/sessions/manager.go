// Package sessions implements the session lifecycle: create, pause, resume
// and listing, with remaining time preserved across a pause.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/haukened/dnsgate/internal/dns/common/clock"
	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/domain"
)

// Store persists sessions. UpdateSession runs fn inside one write
// transaction and stores its result when fn reports a change.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id int64) (domain.Session, error)
	UpdateSession(ctx context.Context, id int64, fn func(domain.Session) (domain.Session, bool, error)) (domain.Session, error)
	ListLiveSessions(ctx context.Context, now time.Time) ([]domain.Session, error)
}

// Invalidator drops derived policy state after a session changes.
type Invalidator interface {
	Purge()
}

// Manager applies lifecycle transitions. Each operation reads the clock once.
type Manager struct {
	store  Store
	clock  clock.Clock
	cache  Invalidator
	logger log.Logger
}

// Options configures a Manager. Cache may be nil.
type Options struct {
	Store  Store
	Clock  clock.Clock
	Cache  Invalidator
	Logger log.Logger
}

func NewManager(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Manager{store: opts.Store, clock: clk, cache: opts.Cache, logger: logger}
}

// Create starts an active session for userID lasting d. Unknown users yield
// domain.ErrUserNotFound.
func (m *Manager) Create(ctx context.Context, userID int64, d time.Duration) (domain.Session, error) {
	now := m.clock.Now()
	s, err := domain.NewSession(userID, d, now)
	if err != nil {
		return domain.Session{}, err
	}
	created, err := m.store.CreateSession(ctx, s)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session for user %d: %w", userID, err)
	}
	m.invalidate()
	m.logger.Info(map[string]any{
		"session_id":    created.ID,
		"user_id":       userID,
		"duration":      d.String(),
		"end_timestamp": created.EndTimestamp,
	}, "session created")
	return created, nil
}

// Pause suspends a running session, keeping its remaining time. An overdue
// session keeps a negative remainder. Paused sessions are returned unchanged.
func (m *Manager) Pause(ctx context.Context, id int64) (domain.Session, error) {
	return m.transition(ctx, id, "pause", domain.Session.Pause)
}

// Resume restarts a paused session with its remaining time. A paused session
// with no time left resumes already expired. Sessions in any other state are
// returned unchanged.
func (m *Manager) Resume(ctx context.Context, id int64) (domain.Session, error) {
	return m.transition(ctx, id, "resume", domain.Session.Resume)
}

func (m *Manager) transition(ctx context.Context, id int64, op string, step func(domain.Session, time.Time) (domain.Session, bool)) (domain.Session, error) {
	now := m.clock.Now()
	changed := false
	out, err := m.store.UpdateSession(ctx, id, func(cur domain.Session) (domain.Session, bool, error) {
		var next domain.Session
		next, changed = step(cur, now)
		return next, changed, nil
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("%s session %d: %w", op, id, err)
	}

	fields := map[string]any{"session_id": id, "op": op, "state": out.State(now).Kind.String()}
	if !changed {
		m.logger.Debug(fields, "session transition ignored")
		return out, nil
	}
	m.invalidate()
	m.logger.Info(fields, "session transitioned")
	return out, nil
}

// Get returns the session with id.
func (m *Manager) Get(ctx context.Context, id int64) (domain.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session %d: %w", id, err)
	}
	return s, nil
}

// ListActive returns sessions that are active now or paused with time left.
func (m *Manager) ListActive(ctx context.Context) ([]domain.Session, error) {
	out, err := m.store.ListLiveSessions(ctx, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return out, nil
}

func (m *Manager) invalidate() {
	if m.cache != nil {
		m.cache.Purge()
	}
}
