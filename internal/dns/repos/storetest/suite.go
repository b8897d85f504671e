// Package storetest is a behavioral test suite shared by every session store
// backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

// Store is the full contract a backend satisfies.
type Store interface {
	ClientPolicy(ctx context.Context, ip string) (domain.ClientPolicy, error)
	GetSession(ctx context.Context, id int64) (domain.Session, error)
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	UpdateSession(ctx context.Context, id int64, fn func(domain.Session) (domain.Session, bool, error)) (domain.Session, error)
	ListLiveSessions(ctx context.Context, now time.Time) ([]domain.Session, error)
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	CreateClient(ctx context.Context, c domain.Client) (domain.Client, error)
	CreateZone(ctx context.Context, z domain.BlockedZone) (domain.BlockedZone, error)
	Ping(ctx context.Context) error
	Close() error
}

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) Store

var base = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"Ping", testPing},
		{"UnknownClientHasEmptyPolicy", testUnknownClient},
		{"ClientPolicyCollectsOwnerRows", testClientPolicy},
		{"ClientAddressesAreCanonical", testClientAddressCanonical},
		{"CreateSessionUnknownUser", testCreateSessionUnknownUser},
		{"GetMissingSession", testGetMissingSession},
		{"TimestampsRoundTrip", testTimestampRoundTrip},
		{"UpdatePersistsChange", testUpdatePersists},
		{"UpdateWithoutChange", testUpdateNoChange},
		{"PauseOverdueStoresNegative", testPauseOverdue},
		{"UpdateMissingSession", testUpdateMissing},
		{"UpdateCallbackError", testUpdateCallbackError},
		{"UpdateRejectsInvalidState", testUpdateRejectsInvalid},
		{"ListLiveSessions", testListLive},
		{"ConcurrentUpdatesSerialize", testConcurrentUpdates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func mustUser(t *testing.T, s Store, username string) domain.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), domain.User{Username: username, DisplayName: username})
	require.NoError(t, err)
	require.NotZero(t, u.ID)
	return u
}

func mustSession(t *testing.T, s Store, sess domain.Session) domain.Session {
	t.Helper()
	out, err := s.CreateSession(context.Background(), sess)
	require.NoError(t, err)
	require.NotZero(t, out.ID)
	return out
}

func dur(d time.Duration) *time.Duration { return &d }
func at(t time.Time) *time.Time          { return &t }

func testPing(t *testing.T, s Store) {
	assert.NoError(t, s.Ping(context.Background()))
}

func testUnknownClient(t *testing.T, s Store) {
	p, err := s.ClientPolicy(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Nil(t, p.Client)
	assert.Empty(t, p.Sessions)
	assert.Empty(t, p.Zones)
}

func testClientPolicy(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	_, err := s.CreateClient(ctx, domain.Client{IP: "10.0.0.5", UserID: alice.ID})
	require.NoError(t, err)
	_, err = s.CreateClient(ctx, domain.Client{IP: "10.0.0.6", UserID: bob.ID, BlockAll: true})
	require.NoError(t, err)

	_, err = s.CreateZone(ctx, domain.BlockedZone{Name: "Tracker.Example.", UserID: alice.ID})
	require.NoError(t, err)
	_, err = s.CreateZone(ctx, domain.BlockedZone{Name: "ads.test", UserID: alice.ID})
	require.NoError(t, err)
	_, err = s.CreateZone(ctx, domain.BlockedZone{Name: "tracker.example", UserID: alice.ID})
	require.NoError(t, err, "duplicate zone is accepted")
	_, err = s.CreateZone(ctx, domain.BlockedZone{Name: "bob.test", UserID: bob.ID})
	require.NoError(t, err)

	sess := mustSession(t, s, domain.Session{UserID: alice.ID, EndTimestamp: at(base.Add(time.Hour))})
	mustSession(t, s, domain.Session{UserID: bob.ID, TimeLeft: dur(time.Minute)})

	p, err := s.ClientPolicy(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, p.Client)
	assert.Equal(t, alice.ID, p.Client.UserID)
	assert.False(t, p.Client.BlockAll)
	assert.ElementsMatch(t, []string{"tracker.example", "ads.test"}, p.Zones)
	require.Len(t, p.Sessions, 1)
	assert.Equal(t, sess.ID, p.Sessions[0].ID)

	p, err = s.ClientPolicy(ctx, "10.0.0.6")
	require.NoError(t, err)
	require.NotNil(t, p.Client)
	assert.True(t, p.Client.BlockAll)
	assert.Equal(t, []string{"bob.test"}, p.Zones)
}

func testClientAddressCanonical(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "carol")

	c, err := s.CreateClient(ctx, domain.Client{IP: "::ffff:10.1.2.3", UserID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", c.IP)

	p, err := s.ClientPolicy(ctx, "10.1.2.3")
	require.NoError(t, err)
	assert.NotNil(t, p.Client)

	_, err = s.CreateClient(ctx, domain.Client{IP: "10.1.2.3", UserID: u.ID})
	assert.Error(t, err, "addresses are unique")

	_, err = s.CreateClient(ctx, domain.Client{IP: "10.9.9.9", UserID: u.ID + 100})
	assert.Error(t, err)
}

func testCreateSessionUnknownUser(t *testing.T, s Store) {
	_, err := s.CreateSession(context.Background(), domain.Session{UserID: 4242, EndTimestamp: at(base)})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testGetMissingSession(t *testing.T, s Store) {
	_, err := s.GetSession(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func testTimestampRoundTrip(t *testing.T, s Store) {
	u := mustUser(t, s, "dave")
	end := time.Date(2025, 9, 1, 14, 30, 15, 123456789, time.FixedZone("X", 3600))
	created := mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: &end})

	got, err := s.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTimestamp)
	assert.Nil(t, got.TimeLeft)
	assert.True(t, got.EndTimestamp.Equal(domain.StorageTime(end)), "got %v", got.EndTimestamp)
	assert.Equal(t, time.UTC, got.EndTimestamp.Location())
	assert.Equal(t, created, got)
}

func testUpdatePersists(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "erin")
	created := mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: at(base.Add(time.Hour))})

	paused, err := s.UpdateSession(ctx, created.ID, func(cur domain.Session) (domain.Session, bool, error) {
		next, changed := cur.Pause(base)
		return next, changed, nil
	})
	require.NoError(t, err)
	assert.Nil(t, paused.EndTimestamp)
	require.NotNil(t, paused.TimeLeft)
	assert.Equal(t, time.Hour, *paused.TimeLeft)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, paused, got)

	resumed, err := s.UpdateSession(ctx, created.ID, func(cur domain.Session) (domain.Session, bool, error) {
		next, changed := cur.Resume(base.Add(time.Minute))
		return next, changed, nil
	})
	require.NoError(t, err)
	require.NotNil(t, resumed.EndTimestamp)
	assert.True(t, resumed.EndTimestamp.Equal(base.Add(time.Hour+time.Minute)))
	assert.Nil(t, resumed.TimeLeft)
}

func testPauseOverdue(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "olga")
	created := mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: at(base.Add(time.Second))})

	paused, err := s.UpdateSession(ctx, created.ID, func(cur domain.Session) (domain.Session, bool, error) {
		next, changed := cur.Pause(base.Add(2 * time.Second))
		return next, changed, nil
	})
	require.NoError(t, err)
	assert.Nil(t, paused.EndTimestamp)
	require.NotNil(t, paused.TimeLeft)
	assert.Equal(t, -1000*time.Millisecond, *paused.TimeLeft)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, paused, got)

	live, err := s.ListLiveSessions(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	for _, l := range live {
		assert.NotEqual(t, created.ID, l.ID, "overdue pause listed as live")
	}
}

func testUpdateNoChange(t *testing.T, s Store) {
	u := mustUser(t, s, "frank")
	created := mustSession(t, s, domain.Session{UserID: u.ID, TimeLeft: dur(time.Minute)})

	got, err := s.UpdateSession(context.Background(), created.ID, func(cur domain.Session) (domain.Session, bool, error) {
		return domain.Session{UserID: cur.UserID, EndTimestamp: at(base)}, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, created, got)

	stored, err := s.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored)
}

func testUpdateMissing(t *testing.T, s Store) {
	called := false
	_, err := s.UpdateSession(context.Background(), 999, func(cur domain.Session) (domain.Session, bool, error) {
		called = true
		return cur, false, nil
	})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, called)
}

func testUpdateCallbackError(t *testing.T, s Store) {
	u := mustUser(t, s, "gina")
	created := mustSession(t, s, domain.Session{UserID: u.ID, TimeLeft: dur(time.Minute)})
	boom := errors.New("boom")

	_, err := s.UpdateSession(context.Background(), created.ID, func(cur domain.Session) (domain.Session, bool, error) {
		next, _ := cur.Resume(base)
		return next, true, boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := s.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored)
}

func testUpdateRejectsInvalid(t *testing.T, s Store) {
	u := mustUser(t, s, "hank")
	created := mustSession(t, s, domain.Session{UserID: u.ID, TimeLeft: dur(time.Minute)})

	_, err := s.UpdateSession(context.Background(), created.ID, func(cur domain.Session) (domain.Session, bool, error) {
		cur.EndTimestamp = at(base)
		return cur, true, nil
	})
	assert.Error(t, err)

	stored, err := s.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored)
}

func testListLive(t *testing.T, s Store) {
	u := mustUser(t, s, "ivy")
	active := mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: at(base.Add(time.Minute))})
	paused := mustSession(t, s, domain.Session{UserID: u.ID, TimeLeft: dur(30 * time.Second)})
	mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: at(base)})
	mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: at(base.Add(-time.Hour))})
	mustSession(t, s, domain.Session{UserID: u.ID, TimeLeft: dur(0)})
	mustSession(t, s, domain.Session{UserID: u.ID, TimeLeft: dur(-time.Second)})
	mustSession(t, s, domain.Session{UserID: u.ID})

	live, err := s.ListLiveSessions(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, []domain.Session{active, paused}, live)
}

func testConcurrentUpdates(t *testing.T, s Store) {
	u := mustUser(t, s, "jack")
	created := mustSession(t, s, domain.Session{UserID: u.ID, EndTimestamp: at(base.Add(time.Hour))})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSession(context.Background(), created.ID, func(cur domain.Session) (domain.Session, bool, error) {
				next, changed := cur.Pause(base)
				if changed {
					mu.Lock()
					changes++
					mu.Unlock()
				}
				return next, changed, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changes, "exactly one writer observes the active session")
	stored, err := s.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TimeLeft)
	assert.Equal(t, time.Hour, *stored.TimeLeft)
}
