package limiter

import (
	"sync"

	"github.com/23skdu/shmcounters/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds command admission configuration
type Config struct {
	RPS   int // 0 means disabled
	Burst int // 0 means use RPS
}

// RateLimiter keeps one token bucket per client id
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	enabled bool

	mu      sync.Mutex
	clients map[int64]*rate.Limiter
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		enabled: true,
		clients: make(map[int64]*rate.Limiter),
	}
}

// Allow reports whether clientID may issue another command now. It never blocks.
func (l *RateLimiter) Allow(clientID int64) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	lim, ok := l.clients[clientID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[clientID] = lim
	}
	l.mu.Unlock()

	if lim.Allow() {
		return true
	}
	metrics.CommandsThrottledTotal.Inc()
	return false
}

// Forget drops the bucket of a client that went away.
func (l *RateLimiter) Forget(clientID int64) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	delete(l.clients, clientID)
	l.mu.Unlock()
}

func (l *RateLimiter) Enabled() bool {
	return l.enabled
}
