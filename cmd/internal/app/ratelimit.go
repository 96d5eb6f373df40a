package app

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdle  = 5 * time.Minute
	sweepEvery   = time.Minute
	defaultBurst = 20
)

// ipRateLimiter throttles handshakes and read API calls per remote IP.
// Health and scrape paths are never limited.
type ipRateLimiter struct {
	limit rate.Limit
	burst int
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(perMinute, burst int, log *slog.Logger) *ipRateLimiter {
	if burst <= 0 {
		burst = defaultBurst
	}
	return &ipRateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		log:      log,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// WithIPRateLimit wraps next. perMinute <= 0 disables limiting.
func WithIPRateLimit(next http.Handler, perMinute, burst int, log *slog.Logger) http.Handler {
	if perMinute <= 0 {
		return next
	}
	l := newIPRateLimiter(perMinute, burst, log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !l.allow(ip) {
			l.log.Warn("http.rate_limited", "remote_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
			http.Error(w, "rate_limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipRateLimiter) allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		cutoff := now.Add(-visitorIdle)
		for k, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) retryAfterSeconds() int {
	if l.limit <= 0 {
		return 60
	}
	s := int(1/float64(l.limit)) + 1
	return max(s, 1)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
