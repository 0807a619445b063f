package web

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultDownloadInterval and DefaultDownloadBurst allow 5 downloads every
	// 12 seconds per client.
	DefaultDownloadInterval = 12 * time.Second
	DefaultDownloadBurst    = 5

	// DefaultIdleTimeout is how long an unused client limiter is kept.
	DefaultIdleTimeout = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex

	every time.Duration
	burst int
	now   func() time.Time
}

// NewRateLimiter creates a limiter that refills one request every interval
// up to burst. Non-positive values select the download defaults.
func NewRateLimiter(every time.Duration, burst int) *RateLimiter {
	if every <= 0 {
		every = DefaultDownloadInterval
	}
	if burst <= 0 {
		burst = DefaultDownloadBurst
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		every:    every,
		burst:    burst,
		now:      time.Now,
	}
}

func (m *RateLimiter) getLimiter(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.limiters[ip]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(m.every), m.burst)}
		m.limiters[ip] = c
	}
	c.lastSeen = m.now()
	return c.limiter
}

// Prune drops limiters of clients idle for longer than idle and returns how
// many were dropped.
func (m *RateLimiter) Prune(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idle)
	pruned := 0
	for ip, c := range m.limiters {
		if c.lastSeen.Before(cutoff) {
			delete(m.limiters, ip)
			pruned++
		}
	}
	return pruned
}

// Clients returns the number of tracked clients.
func (m *RateLimiter) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// Middleware returns a middleware that enforces rate limiting.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.getLimiter(ip).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.every.Seconds()+0.5)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
