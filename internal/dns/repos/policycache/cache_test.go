package policycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haukened/dnsgate/internal/dns/domain"
)

func samplePolicy() domain.ClientPolicy {
	return domain.ClientPolicy{
		Client:   &domain.Client{ID: 1, IP: "10.0.0.5", UserID: 7},
		Sessions: []domain.Session{{ID: 3, UserID: 7}},
		Zones:    []string{"tracker.example"},
	}
}

func TestPolicyCache_HitMissAndPut(t *testing.T) {
	c := New(2, time.Minute)

	_, ok := c.Get("10.0.0.5")
	assert.False(t, ok, "expected miss before put")

	c.Put("10.0.0.5", samplePolicy())
	got, ok := c.Get("10.0.0.5")
	assert.True(t, ok)
	assert.Equal(t, samplePolicy(), got)

	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestPolicyCache_ReturnsCopies(t *testing.T) {
	c := New(2, time.Minute)
	p := samplePolicy()
	c.Put("10.0.0.5", p)
	p.Zones[0] = "mutated.test"
	p.Client.BlockAll = true

	got, _ := c.Get("10.0.0.5")
	got.Zones[0] = "also.mutated"
	got.Sessions[0].ID = 99

	again, _ := c.Get("10.0.0.5")
	assert.Equal(t, samplePolicy(), again)
}

func TestPolicyCache_UnknownClientIsCached(t *testing.T) {
	c := New(2, time.Minute)
	c.Put("10.0.0.9", domain.ClientPolicy{})

	got, ok := c.Get("10.0.0.9")
	assert.True(t, ok)
	assert.Nil(t, got.Client)
	assert.Empty(t, got.Zones)
}

func TestPolicyCache_EvictionAndPurge(t *testing.T) {
	c := New(2, time.Minute)
	c.Put("a", domain.ClientPolicy{})
	c.Put("b", domain.ClientPolicy{})
	c.Put("c", domain.ClientPolicy{})
	assert.Equal(t, 2, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())

	_, _, evictions := c.Stats()
	assert.Equal(t, uint64(3), evictions)
}

func TestPolicyCache_Expires(t *testing.T) {
	c := New(2, 20*time.Millisecond)
	c.Put("10.0.0.5", samplePolicy())

	assert.Eventually(t, func() bool {
		_, ok := c.Get("10.0.0.5")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestDisabledCache(t *testing.T) {
	for _, c := range []Cache{New(0, time.Minute), New(10, 0)} {
		c.Put("x", samplePolicy())
		_, ok := c.Get("x")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
		c.Purge()
		hits, misses, evictions := c.Stats()
		assert.Zero(t, hits+misses+evictions)
	}
}

func TestPolicyCache_PutIfCurrent(t *testing.T) {
	c := New(4, time.Minute)

	gen := c.Generation()
	assert.True(t, c.PutIfCurrent("10.0.0.5", samplePolicy(), gen))
	_, ok := c.Get("10.0.0.5")
	assert.True(t, ok)

	stale := c.Generation()
	c.Purge()
	assert.NotEqual(t, stale, c.Generation())
	assert.False(t, c.PutIfCurrent("10.0.0.5", samplePolicy(), stale))
	_, ok = c.Get("10.0.0.5")
	assert.False(t, ok, "stale put must be dropped")

	assert.True(t, c.PutIfCurrent("10.0.0.5", samplePolicy(), c.Generation()))
}

func TestDisabledCache_PutIfCurrent(t *testing.T) {
	c := New(0, time.Minute)
	assert.False(t, c.PutIfCurrent("10.0.0.5", samplePolicy(), c.Generation()))
	assert.Equal(t, 0, c.Len())
}
