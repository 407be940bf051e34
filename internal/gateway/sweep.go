package gateway

import (
	"context"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/cache"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/ratelimit"
)

// DefaultSweepInterval is how often idle state is swept.
const DefaultSweepInterval = time.Minute

// Sweeper drops expired cache entries and idle rate-limit clients.
type Sweeper struct {
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	idle     time.Duration
	interval time.Duration
	log      *logger.Logger
}

// NewSweeper creates a sweeper. Either of c and l may be nil.
func NewSweeper(c *cache.Cache, l *ratelimit.Limiter, idle, interval time.Duration, log *logger.Logger) *Sweeper {
	if idle <= 0 {
		idle = ratelimit.DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		cache:    c,
		limiter:  l,
		idle:     idle,
		interval: interval,
		log:      log.WithComponent("sweeper"),
	}
}

// SweepOnce runs one pass and returns the number of cache entries and
// clients removed.
func (s *Sweeper) SweepOnce() (entries, clients int) {
	if s.cache != nil {
		entries = s.cache.Sweep()
	}
	if s.limiter != nil {
		clients = s.limiter.Sweep(s.idle)
	}
	if entries > 0 || clients > 0 {
		s.log.Event(logger.DebugLevel).
			Int("cache_entries", entries).
			Int("clients", clients).
			Msg("swept idle state")
	}
	return entries, clients
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}
