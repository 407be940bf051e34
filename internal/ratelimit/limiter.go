// Package ratelimit enforces per-client request ceilings for the gateway.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/PentesterFlow/OpenGateway/internal/shardmap"
)

// Window is the span over which requests are counted.
const Window = time.Minute

// Defaults.
const (
	DefaultRequestsPerMinute = 60
	DefaultClientHeader      = "X-API-Key"
	DefaultIdleTimeout       = 10 * time.Minute
)

// Config configures a Limiter.
type Config struct {
	RequestsPerMinute int
	// BurstSize enables a token bucket of this capacity, refilled at
	// RequestsPerMinute/60 per second, on top of the window. 0 disables it.
	BurstSize int
	// Clock returns the current time; nil uses time.Now.
	Clock func() time.Time
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// entry is the rolling request history of one client.
type entry struct {
	mu           sync.Mutex
	clientID     string
	lastRequest  time.Time
	requestCount int64
	history      []time.Time // oldest first
	burst        *rate.Limiter
	removed      bool
}

// Limiter tracks clients in a sharded table.
type Limiter struct {
	clients *shardmap.Map[*entry]
	limit   int
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Limiter{
		clients: shardmap.New[*entry](0, func(a, b *entry) bool { return a == b }),
		limit:   cfg.RequestsPerMinute,
		burst:   cfg.BurstSize,
		now:     cfg.Clock,
	}
}

// Limit returns the per-minute ceiling.
func (l *Limiter) Limit() int {
	return l.limit
}

func (l *Limiter) newEntry(clientID string) *entry {
	e := &entry{clientID: clientID}
	if l.burst > 0 {
		e.burst = rate.NewLimiter(rate.Limit(float64(l.limit)/Window.Seconds()), l.burst)
	}
	return e
}

// Allow checks clientID against its window and records the request when
// it is admitted. Rejected requests are not recorded.
func (l *Limiter) Allow(clientID string) Decision {
	for {
		e, _ := l.clients.LoadOrStore(clientID, l.newEntry(clientID))

		e.mu.Lock()
		if e.removed {
			// Swept between the load and the lock.
			e.mu.Unlock()
			continue
		}
		d := l.check(e, l.now())
		e.mu.Unlock()
		return d
	}
}

func (l *Limiter) check(e *entry, now time.Time) Decision {
	cutoff := now.Add(-Window)
	drop := 0
	for drop < len(e.history) && e.history[drop].Before(cutoff) {
		drop++
	}
	e.history = e.history[drop:]

	d := Decision{Limit: l.limit}
	if len(e.history) >= l.limit {
		d.RetryAfter = e.history[0].Add(Window).Sub(now)
		return d
	}

	if e.burst != nil && !e.burst.AllowN(now, 1) {
		r := e.burst.ReserveN(now, 1)
		d.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
		d.Remaining = l.limit - len(e.history)
		return d
	}

	e.history = append(e.history, now)
	e.lastRequest = now
	e.requestCount++

	d.Allowed = true
	d.Remaining = l.limit - len(e.history)
	return d
}

// Count returns the number of requests of clientID inside the current
// window.
func (l *Limiter) Count(clientID string) int {
	e, ok := l.clients.Load(clientID)
	if !ok {
		return 0
	}

	cutoff := l.now().Add(-Window)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ts := range e.history {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// Sweep removes clients not seen for idle and returns how many were
// removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	cutoff := l.now().Add(-idle)
	return l.clients.DeleteFunc(func(_ string, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.lastRequest.Before(cutoff) {
			e.removed = true
			return true
		}
		return false
	})
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	return l.clients.Len()
}

// ClientID identifies the caller: the value of header when present,
// otherwise the remote IP.
func ClientID(r *http.Request, header string) string {
	if header == "" {
		header = DefaultClientHeader
	}
	if key := r.Header.Get(header); key != "" {
		return key
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
