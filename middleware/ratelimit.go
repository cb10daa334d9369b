package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginRateLimiter throttles repeated login attempts per client IP.
// 5 attempts, then one more every 12 seconds.
type LoginRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*loginLimiterEntry
}

type loginLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLoginRateLimiter() *LoginRateLimiter {
	l := &LoginRateLimiter{
		limiters: make(map[string]*loginLimiterEntry),
	}
	go l.cleanupLoop()
	return l
}

func (l *LoginRateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		l.mu.Lock()
		entry, exists := l.limiters[ip]
		if !exists {
			entry = &loginLimiterEntry{
				limiter: rate.NewLimiter(rate.Every(12*time.Second), 5),
			}
			l.limiters[ip] = entry
		}
		entry.lastSeen = time.Now()
		l.mu.Unlock()

		if !entry.limiter.Allow() {
			log.Printf("[AUTH] Rate limit exceeded for %s", ip)
			http.Error(w, "Too many login attempts, try again later", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// Stale entries are dropped so the map doesn't grow with one-off clients.
func (l *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if time.Since(entry.lastSeen) > 30*time.Minute {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
