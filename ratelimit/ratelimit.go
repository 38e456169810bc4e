// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits requests per client IP with one token bucket each.
// Buckets not used for two cleanup intervals are dropped.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once

	// TrustForwarded makes the first X-Forwarded-For hop the client IP.
	TrustForwarded bool
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is requests per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	return newIPRateLimiter(r, burst, cleanupInterval, clockwork.NewRealClock())
}

func newIPRateLimiter(r float64, burst int, cleanupInterval time.Duration, clock clockwork.Clock) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from ip may proceed.
// An empty ip is always allowed.
func (l *IPRateLimiter) Allow(ip string) bool {
	if ip == "" {
		return true
	}

	now := l.clock.Now()

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// AllowRequest reports whether r may proceed.
func (l *IPRateLimiter) AllowRequest(r *http.Request) bool {
	return l.Allow(l.ClientIP(r))
}

// ClientIP returns the IP the request is attributed to.
func (l *IPRateLimiter) ClientIP(r *http.Request) string {
	if l.TrustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	return extractIP(r.RemoteAddr)
}

// Len returns the number of tracked client IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := l.clock.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.clock.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// extractIP extracts the host from a host:port address.
func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
