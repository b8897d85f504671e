package policy

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnsgate/internal/dns/domain"
	"github.com/haukened/dnsgate/internal/dns/repos/policycache"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) ClientPolicy(ctx context.Context, ip string) (domain.ClientPolicy, error) {
	args := m.Called(ctx, ip)
	return args.Get(0).(domain.ClientPolicy), args.Error(1)
}

var (
	now    = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	client = netip.MustParseAddr("10.0.0.5")
)

func activeSession() domain.Session {
	end := now.Add(time.Hour)
	return domain.Session{ID: 1, UserID: 7, EndTimestamp: &end}
}

func pausedSession() domain.Session {
	left := time.Hour
	return domain.Session{ID: 2, UserID: 7, TimeLeft: &left}
}

func expiredSession() domain.Session {
	end := now
	return domain.Session{ID: 3, UserID: 7, EndTimestamp: &end}
}

func registered(blockAll bool, sessions ...domain.Session) domain.ClientPolicy {
	return domain.ClientPolicy{
		Client:   &domain.Client{ID: 1, IP: "10.0.0.5", UserID: 7, BlockAll: blockAll},
		Sessions: sessions,
		Zones:    []string{"tracker.example", "ads.test"},
	}
}

func TestBlockedZones(t *testing.T) {
	tests := []struct {
		name string
		p    domain.ClientPolicy
		want []string
	}{
		{"unknown client", domain.ClientPolicy{}, []string{}},
		{"no sessions", registered(false), []string{}},
		{"active session", registered(false, activeSession()), []string{"tracker.example", "ads.test"}},
		{"paused session", registered(false, pausedSession()), []string{}},
		{"expired at exactly now", registered(false, expiredSession()), []string{}},
		{"any active session wins", registered(false, pausedSession(), expiredSession(), activeSession()), []string{"tracker.example", "ads.test"}},
		{"block all", registered(true, activeSession()), []string{""}},
		{"block all without session", registered(true, pausedSession()), []string{}},
		{"active without zones", domain.ClientPolicy{Client: &domain.Client{UserID: 7}, Sessions: []domain.Session{activeSession()}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BlockedZones(tt.p, now))
		})
	}
}

func TestResolveBlockedZones_UnknownClient(t *testing.T) {
	store := &MockStore{}
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(domain.ClientPolicy{}, nil)

	r := NewResolver(Options{Store: store})
	zones, err := r.ResolveBlockedZones(context.Background(), client, now)
	require.NoError(t, err)
	assert.Empty(t, zones)
	store.AssertExpectations(t)
}

func TestResolveBlockedZones_UnmapsAddress(t *testing.T) {
	store := &MockStore{}
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(registered(false, activeSession()), nil)

	r := NewResolver(Options{Store: store})
	zones, err := r.ResolveBlockedZones(context.Background(), netip.MustParseAddr("::ffff:10.0.0.5"), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"tracker.example", "ads.test"}, zones)
}

func TestResolveBlockedZones_StoreFailure(t *testing.T) {
	boom := errors.New("connection refused")
	store := &MockStore{}
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(domain.ClientPolicy{}, boom)

	r := NewResolver(Options{Store: store})
	zones, err := r.ResolveBlockedZones(context.Background(), client, now)
	assert.Nil(t, zones)

	var ple *domain.PolicyLookupError
	require.ErrorAs(t, err, &ple)
	assert.Equal(t, "10.0.0.5", ple.Client)
	assert.ErrorIs(t, err, boom)
}

func TestResolveBlockedZones_CacheEvaluatesAtCallTime(t *testing.T) {
	store := &MockStore{}
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(registered(false, activeSession()), nil).Once()

	r := NewResolver(Options{Store: store, Cache: policycache.New(16, time.Minute)})

	zones, err := r.ResolveBlockedZones(context.Background(), client, now)
	require.NoError(t, err)
	assert.Len(t, zones, 2)

	// Served from cache, but the session has ended by then.
	zones, err = r.ResolveBlockedZones(context.Background(), client, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, zones)

	store.AssertNumberOfCalls(t, "ClientPolicy", 1)
}

func TestResolveBlockedZones_FailuresAreNotCached(t *testing.T) {
	store := &MockStore{}
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(domain.ClientPolicy{}, errors.New("down")).Once()
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(registered(false, activeSession()), nil).Once()

	r := NewResolver(Options{Store: store, Cache: policycache.New(16, time.Minute)})

	_, err := r.ResolveBlockedZones(context.Background(), client, now)
	require.Error(t, err)

	zones, err := r.ResolveBlockedZones(context.Background(), client, now)
	require.NoError(t, err)
	assert.Len(t, zones, 2)
	store.AssertExpectations(t)
}

func TestResolveBlockedZones_PurgeDuringReadDropsResult(t *testing.T) {
	cache := policycache.New(16, time.Minute)
	store := &MockStore{}
	// A session change commits and purges while the first read is in flight.
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").
		Return(registered(false, activeSession()), nil).
		Run(func(mock.Arguments) { cache.Purge() }).
		Once()
	store.On("ClientPolicy", mock.Anything, "10.0.0.5").Return(registered(false, pausedSession()), nil).Once()

	r := NewResolver(Options{Store: store, Cache: cache})

	zones, err := r.ResolveBlockedZones(context.Background(), client, now)
	require.NoError(t, err)
	assert.Len(t, zones, 2)
	assert.Equal(t, 0, cache.Len(), "policy read before the purge must not be cached")

	zones, err = r.ResolveBlockedZones(context.Background(), client, now)
	require.NoError(t, err)
	assert.Empty(t, zones)
	store.AssertExpectations(t)
}
