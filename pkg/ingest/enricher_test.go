package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func TestEnricher_GeoLookupSkipsPrivateAddresses(t *testing.T) {
	e := NewEnricher(NewGeoDB())
	ctx := context.Background()

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.9", "fd12::1", "169.254.1.1"} {
		ev := &models.LogEvent{PeerIP: ip}
		e.Enrich(ctx, ev)
		assert.Nil(t, ev.Geo, "expected no geo for %s", ip)
	}
}

func TestEnricher_GeoLookupResolvesKnownRange(t *testing.T) {
	e := NewEnricher(NewGeoDB())
	ev := &models.LogEvent{PeerIP: "8.8.8.8"}
	e.Enrich(context.Background(), ev)

	require.NotNil(t, ev.Geo)
	assert.Equal(t, "US", ev.Geo.Country)
	assert.Equal(t, "Mountain View", ev.Geo.City)
}

func TestEnricher_UserAgentParsedAndCached(t *testing.T) {
	e := NewEnricher(NewGeoDB())
	const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	ev := &models.LogEvent{RawUserAgent: chromeUA}
	e.Enrich(context.Background(), ev)

	require.NotNil(t, ev.UserAgent)
	assert.Equal(t, "Chrome", ev.UserAgent.Browser)
	assert.Equal(t, "Windows", ev.UserAgent.OS)
	assert.Empty(t, ev.RawUserAgent)

	// Second parse hits the cache and returns the same value.
	cached, ok := e.uaCache.get(chromeUA)
	require.True(t, ok)
	assert.Equal(t, ev.UserAgent, cached)
}

func TestEnricher_Idempotent(t *testing.T) {
	e := NewEnricher(NewGeoDB())
	ev := &models.LogEvent{PeerIP: "8.8.8.8"}
	e.Enrich(context.Background(), ev)
	first := ev.Geo

	e.Enrich(context.Background(), ev)
	assert.Same(t, first, ev.Geo)
}

func TestLRUCache_EvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", &models.UserAgentInfo{Browser: "A"})
	c.put("b", &models.UserAgentInfo{Browser: "B"})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.get("a")
	require.True(t, ok)

	c.put("c", &models.UserAgentInfo{Browser: "C"})
	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
}
