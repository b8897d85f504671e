package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// SessionService is the session lifecycle the control surface exposes.
type SessionService interface {
	Create(ctx context.Context, userID int64, d time.Duration) (domain.Session, error)
	Pause(ctx context.Context, id int64) (domain.Session, error)
	Resume(ctx context.Context, id int64) (domain.Session, error)
	Get(ctx context.Context, id int64) (domain.Session, error)
	ListActive(ctx context.Context) ([]domain.Session, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionJSON is the wire form of a session. TimeLeft is in milliseconds.
type SessionJSON struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	EndTimestamp *time.Time `json:"end_timestamp"`
	TimeLeft     *int64     `json:"time_left"`
}

func toSessionJSON(s domain.Session) SessionJSON {
	out := SessionJSON{ID: s.ID, UserID: s.UserID}
	if s.EndTimestamp != nil {
		ts := s.EndTimestamp.UTC()
		out.EndTimestamp = &ts
	}
	if s.TimeLeft != nil {
		ms := s.TimeLeft.Milliseconds()
		out.TimeLeft = &ms
	}
	return out
}

// CreateSessionRequest is the optional body of POST /sessions/{user_id}.
type CreateSessionRequest struct {
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

const maxCreateBody = 4 << 10

func (req CreateSessionRequest) duration() (time.Duration, error) {
	if req.Minutes < 0 || req.Seconds < 0 {
		return 0, errors.New("minutes and seconds must not be negative")
	}
	if req.Minutes > math.MaxInt64/int64(time.Minute) || req.Seconds > math.MaxInt64/int64(time.Second) {
		return 0, errors.New("duration out of range")
	}
	d := time.Duration(req.Minutes)*time.Minute + time.Duration(req.Seconds)*time.Second
	if d < 0 {
		return 0, errors.New("duration out of range")
	}
	return d, nil
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.sessions.Get)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.sessions.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.sessions.Resume)
}

// sessionOp applies op to the {id} session and writes the result.
func (s *Server) sessionOp(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (domain.Session, error)) {
	logger := requestLogger(s.logger, r)
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, logger, http.StatusBadRequest, errBadRequest("session id must be a positive integer"))
		return
	}
	sess, err := op(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(s.logger, r)
	userID, ok := pathID(r, "user_id")
	if !ok {
		writeError(w, r, logger, http.StatusBadRequest, errBadRequest("user id must be a positive integer"))
		return
	}

	var body CreateSessionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCreateBody))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, logger, http.StatusBadRequest, errBadRequest("invalid request body"))
		return
	}
	d, err := body.duration()
	if err != nil {
		writeError(w, r, logger, http.StatusBadRequest, errBadRequest(err.Error()))
		return
	}

	sess, err := s.sessions.Create(r.Context(), userID, d)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionJSON(sess))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.ListActive(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]SessionJSON, 0, len(list))
	for _, sess := range list {
		out = append(out, toSessionJSON(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			requestLogger(s.logger, r).Error(map[string]any{"error": err}, "store health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := requestLogger(s.logger, r)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, r, logger, http.StatusNotFound, errNotFound("session"))
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, r, logger, http.StatusNotFound, errNotFound("user"))
	default:
		writeError(w, r, logger, http.StatusInternalServerError, errInternal(err))
	}
}
