package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"frontpage.dev/internal/protocol"
)

// RateLimiter is a fixed-window in-memory limiter keyed by client IP. The key
// is the peer address unless the router trusts proxy headers.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    int
	window   time.Duration
	now      func() time.Time
}

type visitor struct {
	start time.Time
	count int
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok || now.Sub(v.start) > rl.window {
		v = &visitor{start: now}
		rl.visitors[key] = v
	}
	v.count++
	if len(rl.visitors) > 4096 {
		rl.sweepLocked(now)
	}
	return v.count <= rl.limit
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for k, v := range rl.visitors {
		if now.Sub(v.start) > rl.window {
			delete(rl.visitors, k)
		}
	}
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(clientIP(r)) {
			respondError(w, http.StatusTooManyRequests, protocol.ErrRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
