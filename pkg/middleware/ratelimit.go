package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	requestsPerMinute int
	burst             int
	limit             rate.Limit

	idleTimeout     time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	requests int
}

// NewRateLimiter allows requestsPerMinute sustained requests per IP with
// bursts of up to burst. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
	}
	return &RateLimiter{
		visitors:          make(map[string]*visitor),
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		limit:             limit,
		idleTimeout:       10 * time.Minute,
		cleanupInterval:   5 * time.Minute,
		lastCleanup:       time.Now(),
		now:               time.Now,
	}
}

// Allow reports whether a request from ip may proceed, and how many requests
// the client has left right now.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > rl.cleanupInterval {
		rl.cleanup(now)
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	allowed := v.limiter.AllowN(now, 1)
	if allowed {
		v.requests++
	}
	remaining := int(math.Max(0, math.Floor(v.limiter.TokensAt(now))))
	return allowed, remaining
}

func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.idleTimeout)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	rl.lastCleanup = now
}

// Stats is a snapshot of limiter state.
type Stats struct {
	ActiveIPs         int `json:"active_ips"`
	TotalRequests     int `json:"total_requests"`
	RequestsPerMinute int `json:"requests_per_min"`
	Burst             int `json:"burst_size"`
}

// Stats returns statistics about the rate limiter (for monitoring)
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := Stats{ActiveIPs: len(rl.visitors), RequestsPerMinute: rl.requestsPerMinute, Burst: rl.burst}
	for _, v := range rl.visitors {
		s.TotalRequests += v.requests
	}
	return s
}

// RateLimit enforces limiter per client IP. Rejected requests get 429 with
// a Retry-After hint.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining := limiter.Allow(clientIP(r))

			if limiter.requestsPerMinute > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.requestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			if !allowed {
				retry := int(math.Ceil(60 / float64(limiter.requestsPerMinute)))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded, try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
