// Package ratelimit provides per-source-IP rate limiting for the
// control-plane API and the WebSocket upgrade path. Grounded directly on
// internal/gateway/ratelimit.go's per-replica token-bucket-per-visitor
// shape; the cleanup loop is generalized to a stoppable goroutine rather
// than running for the life of the process.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks a token bucket per source IP. Rate limiting is
// per-process: running several instances behind a load balancer multiplies
// the effective limit by the instance count, which is an accepted tradeoff
// for a stateless limiter.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter allowing r requests per second per IP with burst b.
// Visitors idle longer than idle (default 3 minutes) are swept
// periodically.
func New(r rate.Limit, b int, idle time.Duration) *Limiter {
	if idle <= 0 {
		idle = 3 * time.Minute
	}
	l := &Limiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    b,
		idle:     idle,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a request from ip may proceed, consuming a token
// from its bucket if so.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Stop ends the sweep goroutine. Safe to call once; Allow remains usable
// afterward, it simply stops pruning idle entries.
func (l *Limiter) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Limiter) sweepLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

// Count returns the number of tracked visitors, for diagnostics and tests.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// ClientIP extracts the client IP from a request, preferring
// X-Forwarded-For then X-Real-Ip (common behind a reverse proxy) and
// falling back to stripping the port from RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
