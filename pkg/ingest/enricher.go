package ingest

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	ua "github.com/mileusna/useragent"

	"github.com/loghive/loghive/pkg/models"
)

// subLookupBudget bounds each enrichment sub-lookup; an overrun abandons the
// field and the event proceeds without it.
const subLookupBudget = 20 * time.Millisecond

// dnsTimeout bounds the optional reverse lookup.
const dnsTimeout = 100 * time.Millisecond

// uaCacheSize is the user-agent parse cache capacity.
const uaCacheSize = 4096

// Enricher augments normalized events with geo, user-agent and hostname
// metadata. All operations are idempotent and individually time-bounded.
type Enricher struct {
	geo     *GeoDB
	uaCache *lruCache

	// EnableReverseDNS turns on peer hostname resolution. Off by default;
	// failures and timeouts fall back silently.
	EnableReverseDNS bool

	resolver *net.Resolver
}

// NewEnricher creates an enricher over the given geo table.
func NewEnricher(geo *GeoDB) *Enricher {
	return &Enricher{
		geo:      geo,
		uaCache:  newLRUCache(uaCacheSize),
		resolver: net.DefaultResolver,
	}
}

// Enrich fills geo, user_agent and host in place.
func (e *Enricher) Enrich(ctx context.Context, ev *models.LogEvent) {
	if ev.PeerIP != "" && ev.Geo == nil {
		done := make(chan *models.GeoInfo, 1)
		go func() { done <- e.geo.Lookup(ev.PeerIP) }()
		select {
		case g := <-done:
			ev.Geo = g
		case <-time.After(subLookupBudget):
		case <-ctx.Done():
		}
	}

	if ev.RawUserAgent != "" && ev.UserAgent == nil {
		raw := ev.RawUserAgent
		done := make(chan *models.UserAgentInfo, 1)
		go func() { done <- e.parseUA(raw) }()
		select {
		case info := <-done:
			ev.UserAgent = info
		case <-time.After(subLookupBudget):
		case <-ctx.Done():
		}
		ev.RawUserAgent = ""
	}

	if e.EnableReverseDNS && ev.Host == "" && ev.PeerIP != "" {
		dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
		names, err := e.resolver.LookupAddr(dnsCtx, ev.PeerIP)
		cancel()
		if err == nil && len(names) > 0 {
			ev.Host = trimDot(names[0])
		}
	}
}

func (e *Enricher) parseUA(raw string) *models.UserAgentInfo {
	if cached, ok := e.uaCache.get(raw); ok {
		return cached
	}
	parsed := ua.Parse(raw)
	info := &models.UserAgentInfo{
		Browser: parsed.Name,
		OS:      parsed.OS,
		Device:  parsed.Device,
	}
	if info.Device == "" {
		switch {
		case parsed.Mobile:
			info.Device = "mobile"
		case parsed.Tablet:
			info.Device = "tablet"
		case parsed.Bot:
			info.Device = "bot"
		case parsed.Desktop:
			info.Device = "desktop"
		}
	}
	e.uaCache.put(raw, info)
	return info
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// lruCache is a fixed-size string→UserAgentInfo cache. Misses are the only
// write path; reads promote under the same lock (parse cost dwarfs it).
type lruCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	val *models.UserAgentInfo
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (*models.UserAgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).val, true
}

func (c *lruCache) put(key string, val *models.UserAgentInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).val = val
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, val: val})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}
