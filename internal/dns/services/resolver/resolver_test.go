package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnsgate/internal/dns/common/clock"
	"github.com/haukened/dnsgate/internal/dns/domain"
	"github.com/haukened/dnsgate/internal/dns/gateways/upstream"
	"github.com/haukened/dnsgate/internal/dns/repos/boltstore"
	"github.com/haukened/dnsgate/internal/dns/repos/policycache"
	"github.com/haukened/dnsgate/internal/dns/services/policy"
	"github.com/haukened/dnsgate/internal/dns/services/sessions"
)

var start = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type MockPolicy struct {
	mock.Mock
}

func (m *MockPolicy) ResolveBlockedZones(ctx context.Context, clientAddr netip.Addr, now time.Time) ([]string, error) {
	args := m.Called(ctx, clientAddr, now)
	zones, _ := args.Get(0).([]string)
	return zones, args.Error(1)
}

type MockForwarder struct {
	mock.Mock
}

func (m *MockForwarder) Forward(ctx context.Context, q domain.Question) ([]dns.RR, error) {
	args := m.Called(ctx, q)
	rrs, _ := args.Get(0).([]dns.RR)
	return rrs, args.Error(1)
}

func question(t *testing.T, name string) domain.Question {
	t.Helper()
	q, err := domain.NewQuestion(42, name, dns.TypeA, dns.ClassINET)
	require.NoError(t, err)
	return q
}

func udpAddr(ip string) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 53000}
}

func aRecord(t *testing.T, name string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(fmt.Sprintf("%s 300 IN A 192.0.2.1", name))
	require.NoError(t, err)
	return rr
}

// gate wires the real policy, cache and session services over a bolt store
// holding one user with client 10.0.0.5 and zone tracker.example.
type gate struct {
	resolver  *Resolver
	sessions  *sessions.Manager
	forwarder *MockForwarder
	clk       *clock.MockClock
	store     *boltstore.Store
	userID    int64
	sessionID int64
}

func newGate(t *testing.T) *gate {
	t.Helper()
	ctx := context.Background()

	st, err := boltstore.Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	u, err := st.CreateUser(ctx, domain.User{Username: "kid", DisplayName: "Kid"})
	require.NoError(t, err)
	_, err = st.CreateClient(ctx, domain.Client{IP: "10.0.0.5", UserID: u.ID})
	require.NoError(t, err)
	z, err := domain.NewBlockedZone("tracker.example", u.ID)
	require.NoError(t, err)
	_, err = st.CreateZone(ctx, z)
	require.NoError(t, err)

	clk := clock.NewMockClock(start)
	cache := policycache.New(64, time.Minute)
	mgr := sessions.NewManager(sessions.Options{Store: st, Clock: clk, Cache: cache})
	sess, err := mgr.Create(ctx, u.ID, 30*time.Minute)
	require.NoError(t, err)

	fwd := &MockForwarder{}
	r := NewResolver(ResolverOptions{
		Clock:    clk,
		Policy:   policy.NewResolver(policy.Options{Store: st, Cache: cache}),
		Upstream: fwd,
	})
	return &gate{resolver: r, sessions: mgr, forwarder: fwd, clk: clk, store: st, userID: u.ID, sessionID: sess.ID}
}

func TestHandleQuery_BlocksThenAllowsAfterPause(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	q := question(t, "tracker.example.")

	resp := g.resolver.HandleQuery(ctx, q, udpAddr("10.0.0.5"))
	assert.Equal(t, domain.NewEmptyResponse(42), resp)
	g.forwarder.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)

	_, err := g.sessions.Pause(ctx, g.sessionID)
	require.NoError(t, err)

	answer := aRecord(t, "tracker.example.")
	g.forwarder.On("Forward", mock.Anything, q).Return([]dns.RR{answer}, nil).Once()

	resp = g.resolver.HandleQuery(ctx, q, udpAddr("10.0.0.5"))
	assert.Equal(t, domain.NOERROR, resp.RCode)
	assert.Equal(t, []dns.RR{answer}, resp.Answers)
	g.forwarder.AssertExpectations(t)
}

func TestHandleQuery_SubdomainAndCaseInsensitive(t *testing.T) {
	g := newGate(t)

	resp := g.resolver.HandleQuery(context.Background(), question(t, "Ads.TRACKER.example."), udpAddr("10.0.0.5"))
	assert.Equal(t, domain.NOERROR, resp.RCode)
	assert.Empty(t, resp.Answers)
	g.forwarder.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
}

func TestHandleQuery_AllowsUnlistedNames(t *testing.T) {
	g := newGate(t)
	q := question(t, "nottracker.example.")
	g.forwarder.On("Forward", mock.Anything, q).Return([]dns.RR{aRecord(t, "nottracker.example.")}, nil)

	resp := g.resolver.HandleQuery(context.Background(), q, udpAddr("10.0.0.5"))
	assert.Len(t, resp.Answers, 1)
	g.forwarder.AssertExpectations(t)
}

func TestHandleQuery_ExpiredSessionAllows(t *testing.T) {
	g := newGate(t)
	q := question(t, "tracker.example.")
	g.forwarder.On("Forward", mock.Anything, q).Return([]dns.RR{aRecord(t, "tracker.example.")}, nil)

	g.clk.Advance(31 * time.Minute)
	resp := g.resolver.HandleQuery(context.Background(), q, udpAddr("10.0.0.5"))
	assert.Len(t, resp.Answers, 1)
}

func TestHandleQuery_UnregisteredClientAllowed(t *testing.T) {
	g := newGate(t)
	q := question(t, "tracker.example.")
	g.forwarder.On("Forward", mock.Anything, q).Return([]dns.RR{aRecord(t, "tracker.example.")}, nil)

	resp := g.resolver.HandleQuery(context.Background(), q, udpAddr("10.0.0.6"))
	assert.Len(t, resp.Answers, 1)
}

func TestHandleQuery_MappedSourceAddress(t *testing.T) {
	g := newGate(t)

	resp := g.resolver.HandleQuery(context.Background(), question(t, "tracker.example."), udpAddr("::ffff:10.0.0.5"))
	assert.Empty(t, resp.Answers)
	g.forwarder.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
}

func TestHandleQuery_PolicyFailureFailsOpen(t *testing.T) {
	pol := &MockPolicy{}
	pol.On("ResolveBlockedZones", mock.Anything, netip.MustParseAddr("10.0.0.5"), start).
		Return(nil, &domain.PolicyLookupError{Client: "10.0.0.5", Err: errors.New("db down")})
	fwd := &MockForwarder{}
	q := question(t, "tracker.example.")
	fwd.On("Forward", mock.Anything, q).Return([]dns.RR{aRecord(t, "tracker.example.")}, nil)

	r := NewResolver(ResolverOptions{Clock: clock.NewMockClock(start), Policy: pol, Upstream: fwd})
	resp := r.HandleQuery(context.Background(), q, udpAddr("10.0.0.5"))

	assert.Equal(t, domain.NOERROR, resp.RCode)
	assert.Len(t, resp.Answers, 1)
	pol.AssertExpectations(t)
	fwd.AssertExpectations(t)
}

func TestHandleQuery_UpstreamOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		rcode domain.RCode
	}{
		{"no records is empty noerror", upstream.ErrNoRecords, domain.NOERROR},
		{"wrapped no records", fmt.Errorf("server 1: %w", upstream.ErrNoRecords), domain.NOERROR},
		{"failure is servfail", errors.New("all upstream servers failed"), domain.SERVFAIL},
		{"cancelled is servfail", context.Canceled, domain.SERVFAIL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := &MockPolicy{}
			pol.On("ResolveBlockedZones", mock.Anything, mock.Anything, mock.Anything).Return([]string{}, nil)
			fwd := &MockForwarder{}
			fwd.On("Forward", mock.Anything, mock.Anything).Return(nil, tt.err)

			r := NewResolver(ResolverOptions{Clock: clock.NewMockClock(start), Policy: pol, Upstream: fwd})
			resp := r.HandleQuery(context.Background(), question(t, "example.com."), udpAddr("10.0.0.9"))
			assert.Equal(t, tt.rcode, resp.RCode)
			assert.Equal(t, uint16(42), resp.ID)
			assert.Empty(t, resp.Answers)
		})
	}
}

func TestHandleQuery_ClockReadOncePerQuery(t *testing.T) {
	clk := clock.NewMockClock(start)
	pol := &MockPolicy{}
	pol.On("ResolveBlockedZones", mock.Anything, mock.Anything, start).Return([]string{"example.com"}, nil)

	r := NewResolver(ResolverOptions{Clock: clk, Policy: pol, Upstream: &MockForwarder{}})
	resp := r.HandleQuery(context.Background(), question(t, "www.example.com."), udpAddr("10.0.0.9"))
	assert.Equal(t, domain.NewEmptyResponse(42), resp)
	pol.AssertExpectations(t)
}

func TestHandleQuery_UnparseableAddressAllows(t *testing.T) {
	pol := &MockPolicy{}
	fwd := &MockForwarder{}
	fwd.On("Forward", mock.Anything, mock.Anything).Return([]dns.RR{aRecord(t, "example.com.")}, nil)

	r := NewResolver(ResolverOptions{Policy: pol, Upstream: fwd})
	resp := r.HandleQuery(context.Background(), question(t, "example.com."), &net.UnixAddr{Name: "/tmp/sock", Net: "unix"})
	assert.Len(t, resp.Answers, 1)
	pol.AssertNotCalled(t, "ResolveBlockedZones", mock.Anything, mock.Anything, mock.Anything)

	resp = r.HandleQuery(context.Background(), question(t, "example.com."), nil)
	assert.Len(t, resp.Answers, 1)
}

func TestSourceAddr(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
		ok   bool
	}{
		{"udp v4", &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1}, "10.0.0.5", true},
		{"tcp v6", &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}, "2001:db8::1", true},
		{"nil udp pointer", (*net.UDPAddr)(nil), "", false},
		{"nil", nil, "", false},
		{"ip:port string", &net.IPAddr{IP: net.ParseIP("10.0.0.1")}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sourceAddr(tt.addr)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, domain.ClientKey(got))
			}
		})
	}
}
