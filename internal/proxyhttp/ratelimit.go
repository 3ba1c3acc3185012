package proxyhttp

import (
	"net/http"
	"sync"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/config"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiter pairs a token bucket with the time it was last touched,
// so idle entries can be evicted instead of growing the map forever.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// perClientLimiter hands out one token bucket per client key (session id
// or remote address), mirroring the token-bucket-per-caller shape this
// codebase's rate-limiting middleware example uses, generalized from a
// single process-wide limiter to one bucket per caller.
type perClientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	idleEvict time.Duration
	lastSweep time.Time
}

func newPerClientLimiter(cfg config.RateLimitConfig) *perClientLimiter {
	return &perClientLimiter{
		clients:   make(map[string]*clientLimiter),
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		idleEvict: cfg.IdleEvictAfter,
		lastSweep: time.Now(),
	}
}

func (p *perClientLimiter) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.sweepLocked(now)

	entry, ok := p.clients[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.clients[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweepLocked drops clients idle longer than idleEvict. Called with the
// lock already held, at most once per idleEvict interval.
func (p *perClientLimiter) sweepLocked(now time.Time) {
	if p.idleEvict <= 0 || now.Sub(p.lastSweep) < p.idleEvict {
		return
	}
	p.lastSweep = now
	for key, entry := range p.clients {
		if now.Sub(entry.lastSeen) > p.idleEvict {
			delete(p.clients, key)
		}
	}
}

// rateLimitMiddleware rejects requests once a client has exhausted its
// token bucket, identifying the client by session id when present and
// falling back to remote address otherwise.
func rateLimitMiddleware(limiter *perClientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Session-Id")
		if key == "" {
			key = c.ClientIP()
		}

		if !limiter.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"type": "rate_limit_error", "message": "request rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}
