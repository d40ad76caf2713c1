package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ecowatch/ecowatch/internal/api/response"
)

// Throttle rate-limits unauthenticated endpoints per client IP with token
// buckets, to keep the trial-signup endpoint from being farmed. Idle entries
// are purged by a janitor goroutine.
type Throttle struct {
	mu      sync.Mutex
	clients map[string]*throttleEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type throttleEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a per-IP throttle allowing perMinute requests with the
// given burst.
func NewThrottle(perMinute float64, burst int) *Throttle {
	return &Throttle{
		clients: make(map[string]*throttleEntry),
		rps:     rate.Limit(perMinute / 60),
		burst:   burst,
		idleTTL: 15 * time.Minute,
	}
}

// Limit rejects clients that exhaust their bucket with 429.
func (t *Throttle) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.limiter(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				CodeRateLimitExceeded, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) limiter(ip string) *rate.Limiter {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if ent, ok := t.clients[ip]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(t.rps, t.burst)
	t.clients[ip] = &throttleEntry{lim: lim, lastSeen: now}
	return lim
}

func (t *Throttle) purge() {
	cutoff := time.Now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, ent := range t.clients {
		if ent.lastSeen.Before(cutoff) {
			delete(t.clients, ip)
		}
	}
}

// StartJanitor purges idle client entries until the context is cancelled.
func (t *Throttle) StartJanitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.purge()
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
