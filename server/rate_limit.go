package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	credentialBurst    = 5
	credentialRefill   = 2 * time.Second
	limiterIdleTimeout = 5 * time.Minute
)

// ipLimiter is a token bucket per client IP. Idle buckets are dropped on the
// next call after limiterIdleTimeout.
type ipLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(every time.Duration, burst int) *ipLimiter {
	return &ipLimiter{
		every:   rate.Every(every),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) > limiterIdleTimeout {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTimeout {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// CredentialRateLimit throttles password submissions per client IP.
func (s *Server) CredentialRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.credentialLimiter.allow(ip, time.Now()) {
			s.logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("credential rate limit exceeded")
			w.Header().Set("Retry-After", "2")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again shortly")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
