package worker

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Write-route rate limit per agent.
const (
	WriteRateLimit = 10.0
	WriteRateBurst = 20
)

// agentIdleTTL is how long an unused agent bucket is kept.
const agentIdleTTL = 10 * time.Minute

type agentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AgentLimiter holds one token bucket per agent for the write routes.
type AgentLimiter struct {
	lastSweep time.Time
	buckets   map[string]*agentBucket
	limit     rate.Limit
	burst     int
	rejected  int64
	mu        sync.Mutex
}

// NewAgentLimiter allows perSecond writes per agent with the given burst.
func NewAgentLimiter(perSecond float64, burst int) *AgentLimiter {
	return &AgentLimiter{
		buckets:   make(map[string]*agentBucket),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow takes a token from the caller's bucket.
func (l *AgentLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > agentIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > agentIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &agentBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if b.limiter.AllowN(now, 1) {
		return true
	}
	l.rejected++
	return false
}

// Stats reports the configured limit and rejections so far.
func (l *AgentLimiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"rate":          float64(l.limit),
		"burst":         l.burst,
		"active_agents": len(l.buckets),
		"rejected":      l.rejected,
	}
}

// Middleware answers 429 once the caller's bucket is empty.
func (l *AgentLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(agentKey(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
