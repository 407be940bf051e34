// Package cache holds successful gateway responses for replay.
package cache

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/shardmap"
)

// DefaultTTL is the lifetime of a cached response.
const DefaultTTL = 5 * time.Minute

// varyHeaders are the request headers that take part in the cache key.
var varyHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}

// CachedResponse is a response replayed verbatim on a cache hit.
type CachedResponse struct {
	Body        []byte
	ContentType string
	StatusCode  int
	Headers     http.Header
	ExpiresAt   time.Time
}

// Expired reports whether the response is stale at now.
func (r *CachedResponse) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NewResponse builds a cacheable response. Set-Cookie headers are never
// kept.
func NewResponse(statusCode int, contentType string, headers http.Header, body []byte) *CachedResponse {
	h := headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Set-Cookie")
	h.Del("Content-Length")
	return &CachedResponse{
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
		StatusCode:  statusCode,
		Headers:     h,
	}
}

// Config configures a Cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int // 0 = unbounded
	// Clock returns the current time; nil uses time.Now.
	Clock func() time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type entry struct {
	resp     *CachedResponse
	lastUsed atomic.Int64
}

// Cache is a TTL-bounded response cache safe for concurrent use. Expired
// entries are removed when looked up or swept; with MaxEntries set the
// least recently used entry is dropped on overflow.
type Cache struct {
	items      *shardmap.Map[*entry]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Cache{
		items:      shardmap.New[*entry](0, func(a, b *entry) bool { return a == b }),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Clock,
	}
}

// TTL returns the configured lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the live response stored under key.
func (c *Cache) Get(key string) (*CachedResponse, bool) {
	e, ok := c.items.Load(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	now := c.now()
	if e.resp.Expired(now) {
		if c.items.CompareAndDelete(key, e) {
			c.evictions.Add(1)
		}
		c.misses.Add(1)
		return nil, false
	}

	e.lastUsed.Store(now.UnixNano())
	c.hits.Add(1)
	return e.resp, true
}

// Set stores resp under key with the cache TTL.
func (c *Cache) Set(key string, resp *CachedResponse) {
	now := c.now()
	stored := *resp
	stored.ExpiresAt = now.Add(c.ttl)

	e := &entry{resp: &stored}
	e.lastUsed.Store(now.UnixNano())
	c.items.Store(key, e)

	if c.maxEntries > 0 {
		for c.items.Len() > c.maxEntries {
			if !c.evictOldest(key) {
				break
			}
		}
	}
}

// evictOldest drops the least recently used entry other than keep.
func (c *Cache) evictOldest(keep string) bool {
	var (
		oldestKey string
		oldest    *entry
	)
	c.items.Range(func(k string, e *entry) bool {
		if k == keep {
			return true
		}
		if oldest == nil || e.lastUsed.Load() < oldest.lastUsed.Load() {
			oldestKey, oldest = k, e
		}
		return true
	})
	if oldest == nil {
		return false
	}
	if c.items.CompareAndDelete(oldestKey, oldest) {
		c.evictions.Add(1)
	}
	return true
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.items.Delete(key)
}

// DeleteRoutes removes every entry whose key was derived from a request
// for which match reports true, and returns how many were removed.
func (c *Cache) DeleteRoutes(match func(method, path string) bool) int {
	return c.items.DeleteFunc(func(key string, _ *entry) bool {
		method, path, ok := Route(key)
		return ok && match(method, path)
	})
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	n := c.items.DeleteFunc(func(_ string, e *entry) bool {
		return e.resp.Expired(now)
	})
	c.evictions.Add(int64(n))
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	return c.items.Len()
}

// Stats returns counters since creation.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.items.Len(),
	}
}

// Cacheable reports whether requests with method may be served from cache.
func Cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Key derives the cache key for a request: method, path, the query
// parameters sorted by name and the content negotiation headers. Every
// component is escaped, so distinct requests never share a key.
func Key(r *http.Request) string {
	vary := url.Values{}
	for _, h := range varyHeaders {
		if v := r.Header.Get(h); v != "" {
			vary.Set(h, v)
		}
	}

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(url.QueryEscape(r.URL.Path))
	b.WriteByte('?')
	b.WriteString(r.URL.Query().Encode())
	b.WriteByte('#')
	b.WriteString(vary.Encode())
	return b.String()
}

// Route returns the method and path a key was derived from.
func Route(key string) (method, path string, ok bool) {
	method, rest, found := strings.Cut(key, " ")
	if !found {
		return "", "", false
	}
	escaped, _, _ := strings.Cut(rest, "?")
	path, err := url.QueryUnescape(escaped)
	if err != nil {
		return "", "", false
	}
	return method, path, true
}
