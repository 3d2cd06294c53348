package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// staleClientAfter is how long a client may be silent before its bucket is
// dropped from the limiter.
const staleClientAfter = 10 * time.Minute

// clientBucket is a token bucket refilled lazily on access.
type clientBucket struct {
	tokens float64
	seen   time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	perSecond float64
	burst     float64
	now       func() time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		clients:   make(map[string]*clientBucket),
		perSecond: perSecond,
		burst:     float64(burst),
		now:       time.Now,
	}
}

// allow spends one token from the client's bucket, reporting false when the
// bucket is empty. Stale buckets are pruned when a new client appears, so
// the map only tracks recently active callers.
func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[client]
	if !ok {
		rl.prune(now)
		b = &clientBucket{tokens: rl.burst}
		rl.clients[client] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * rl.perSecond
		if b.tokens > rl.burst {
			b.tokens = rl.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) prune(now time.Time) {
	for client, b := range rl.clients {
		if now.Sub(b.seen) > staleClientAfter {
			delete(rl.clients, client)
		}
	}
}

// RateLimit rejects requests over the per-client budget with 429 Too Many
// Requests. Clients are keyed by originating IP; RealIP must run earlier in
// the chain so RemoteAddr reflects the true caller behind the load balancer.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiter := newRateLimiter(perSecond, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey strips the port when present; RealIP leaves a bare IP in
// RemoteAddr, direct connections carry host:port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
