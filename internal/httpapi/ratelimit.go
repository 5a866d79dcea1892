package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type RateLimitConfig struct {
	IPPerMinute  int
	IPBurst      int
	OrgPerMinute int
	OrgBurst     int
}

type RateLimiter struct {
	ipLimiter  *keyedLimiter
	orgLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:  newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst, 60, 20),
		orgLimiter: newKeyedLimiter(cfg.OrgPerMinute, cfg.OrgBurst, 600, 120),
	}
}

// Middleware limits by client address. It runs before authentication.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OrgMiddleware limits by the authenticated session's organisation, so it
// must sit behind AuthMiddleware.
func (l *RateLimiter) OrgMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, ok := principalFromContext(r.Context()); ok {
			orgID := principal.Session.OrganisationID
			if orgID != "" && !l.orgLimiter.allow(orgID) {
				writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	entries  map[string]*limiterEntry
	lastScan time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(perMinute, burst, defaultPerMinute, defaultBurst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &keyedLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	now := time.Now()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	if now.Sub(l.lastScan) > limiterIdleTTL {
		l.evictIdle(now)
	}
	l.mu.Unlock()
	return entry.limiter.Allow()
}

func (l *keyedLimiter) evictIdle(now time.Time) {
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.entries, key)
		}
	}
	l.lastScan = now
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
