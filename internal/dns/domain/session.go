package domain

import (
	"fmt"
	"time"
)

// SessionStateKind enumerates the derived session states.
type SessionStateKind uint8

const (
	// SessionExpired means blocking is not in force and will not resume.
	SessionExpired SessionStateKind = iota
	// SessionActive means blocking is in force until EndTimestamp.
	SessionActive
	// SessionPaused means blocking is suspended with Remaining left to honor.
	SessionPaused
)

// String returns a stable string representation of the state kind.
func (k SessionStateKind) String() string {
	switch k {
	case SessionExpired:
		return "expired"
	case SessionActive:
		return "active"
	case SessionPaused:
		return "paused"
	default:
		return fmt.Sprintf("SessionStateKind(%d)", k)
	}
}

// SessionState is the tagged view of a Session at one instant. Only the
// field matching Kind is meaningful.
type SessionState struct {
	Kind         SessionStateKind
	EndTimestamp time.Time     // Active
	Remaining    time.Duration // Paused
}

// Session is the access-control state for a user. On disk it is the nullable
// pair (TimeLeft, EndTimestamp); at most one of them is set.
type Session struct {
	ID           int64
	UserID       int64
	TimeLeft     *time.Duration
	EndTimestamp *time.Time
}

// NewSession returns an active session for userID ending at now+d.
func NewSession(userID int64, d time.Duration, now time.Time) (Session, error) {
	if d < 0 {
		return Session{}, fmt.Errorf("session duration must not be negative: %s", d)
	}
	end := StorageTime(now.Add(d))
	s := Session{UserID: userID, EndTimestamp: &end}
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate enforces the nullable-pair invariant and ownership.
func (s Session) Validate() error {
	if s.UserID <= 0 {
		return fmt.Errorf("session must belong to a user")
	}
	if s.TimeLeft != nil && s.EndTimestamp != nil {
		return fmt.Errorf("session %d has both time_left and end_timestamp set", s.ID)
	}
	return nil
}

// State derives the session state at now. An end timestamp equal to now is
// already expired.
func (s Session) State(now time.Time) SessionState {
	switch {
	case s.EndTimestamp != nil && s.EndTimestamp.After(now):
		return SessionState{Kind: SessionActive, EndTimestamp: *s.EndTimestamp}
	case s.EndTimestamp == nil && s.TimeLeft != nil:
		return SessionState{Kind: SessionPaused, Remaining: *s.TimeLeft}
	default:
		return SessionState{Kind: SessionExpired}
	}
}

// IsActive reports whether blocking is in force at now.
func (s Session) IsActive(now time.Time) bool {
	return s.State(now).Kind == SessionActive
}

// IsLive reports whether blocking is in force at now or will be again on
// resume, i.e. active, or paused with strictly positive time left.
func (s Session) IsLive(now time.Time) bool {
	st := s.State(now)
	switch st.Kind {
	case SessionActive:
		return true
	case SessionPaused:
		return st.Remaining > 0
	default:
		return false
	}
}

// Pause returns the paused form of a running session and true. A session is
// running when it has an end timestamp and no time left, even if that end has
// already passed; the remaining time is then negative and is stored as is, so
// a later resume yields an already expired session. Any other session is
// returned unchanged with false.
func (s Session) Pause(now time.Time) (Session, bool) {
	if s.EndTimestamp == nil || s.TimeLeft != nil {
		return s, false
	}
	remaining := s.EndTimestamp.Sub(now).Truncate(time.Millisecond)
	out := s
	out.TimeLeft = &remaining
	out.EndTimestamp = nil
	return out, true
}

// Resume returns the active form of a paused session and true. A paused
// session with zero or negative time left resumes into an already expired
// session. Any other state is returned unchanged with false.
func (s Session) Resume(now time.Time) (Session, bool) {
	st := s.State(now)
	if st.Kind != SessionPaused {
		return s, false
	}
	end := StorageTime(now.Add(st.Remaining))
	out := s
	out.EndTimestamp = &end
	out.TimeLeft = nil
	return out, true
}

// StorageTime normalizes t to the precision every store round-trips: UTC,
// truncated to microseconds.
func StorageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
