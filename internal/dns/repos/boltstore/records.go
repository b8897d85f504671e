package boltstore

import (
	"encoding/binary"
	"time"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// Values are JSON documents keyed by big-endian ids, so cursor order is id order.

type userRecord struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

type clientRecord struct {
	ID       int64  `json:"id"`
	IP       string `json:"ip_address"`
	UserID   int64  `json:"user_id"`
	BlockAll bool   `json:"block_all"`
}

type zoneRecord struct {
	ID     int64  `json:"id"`
	Name   string `json:"domain_name"`
	UserID int64  `json:"user_id"`
}

type sessionRecord struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	TimeLeftMS   *int64     `json:"time_left,omitempty"`
	EndTimestamp *time.Time `json:"end_timestamp,omitempty"`
}

func toSessionRecord(s domain.Session) sessionRecord {
	rec := sessionRecord{ID: s.ID, UserID: s.UserID}
	if s.TimeLeft != nil {
		ms := s.TimeLeft.Milliseconds()
		rec.TimeLeftMS = &ms
	}
	if s.EndTimestamp != nil {
		end := domain.StorageTime(*s.EndTimestamp)
		rec.EndTimestamp = &end
	}
	return rec
}

func (r sessionRecord) toDomain() domain.Session {
	s := domain.Session{ID: r.ID, UserID: r.UserID}
	if r.TimeLeftMS != nil {
		d := time.Duration(*r.TimeLeftMS) * time.Millisecond
		s.TimeLeft = &d
	}
	if r.EndTimestamp != nil {
		end := r.EndTimestamp.UTC()
		s.EndTimestamp = &end
	}
	return s
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// ownerKey is the index key for a child row owned by a user: user id then row id.
func ownerKey(userID, id int64) []byte {
	return append(itob(userID), itob(id)...)
}
