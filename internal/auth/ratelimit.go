package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter tracks failed login attempts per client key (usually the IP)
type RateLimiter struct {
	mu       sync.RWMutex
	attempts map[string]*attemptInfo

	maxAttempts   int
	windowSize    time.Duration
	blockDuration time.Duration
	now           func() time.Time
}

type attemptInfo struct {
	count     int
	firstTime time.Time
	blockedAt time.Time
}

// NewRateLimiter creates a new rate limiter
// maxAttempts: max failed attempts before blocking
// windowSize: time window for counting attempts
// blockDuration: how long to block after exceeding limit
func NewRateLimiter(maxAttempts int, windowSize, blockDuration time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:      make(map[string]*attemptInfo),
		maxAttempts:   maxAttempts,
		windowSize:    windowSize,
		blockDuration: blockDuration,
		now:           time.Now,
	}
}

// DefaultRateLimiter returns a rate limiter with sensible defaults
// 5 attempts per 15 minutes, 30 minute block
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(5, 15*time.Minute, 30*time.Minute)
}

// ClientIP extracts the client IP from the request
func ClientIP(r *http.Request) string {
	// First entry of X-Forwarded-For when behind a reverse proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip, _, err := net.SplitHostPort(first); err == nil {
			return ip
		}
		if net.ParseIP(first) != nil {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// IsBlocked checks if a key is currently blocked
func (rl *RateLimiter) IsBlocked(key string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, exists := rl.attempts[key]
	if !exists || info.blockedAt.IsZero() {
		return false
	}
	return rl.now().Sub(info.blockedAt) < rl.blockDuration
}

// RecordFailure records a failed login attempt
// Returns true if the key is now blocked
func (rl *RateLimiter) RecordFailure(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.attempts[key]
	if !exists || now.Sub(info.firstTime) > rl.windowSize {
		rl.attempts[key] = &attemptInfo{count: 1, firstTime: now}
		if rl.maxAttempts <= 1 {
			rl.attempts[key].blockedAt = now
			return true
		}
		return false
	}

	info.count++
	if info.count >= rl.maxAttempts {
		info.blockedAt = now
		return true
	}
	return false
}

// RecordSuccess clears failed attempts on successful login
func (rl *RateLimiter) RecordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// RemainingAttempts returns how many attempts remain before blocking
func (rl *RateLimiter) RemainingAttempts(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, exists := rl.attempts[key]
	if !exists || rl.now().Sub(info.firstTime) > rl.windowSize {
		return rl.maxAttempts
	}
	remaining := rl.maxAttempts - info.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BlockedUntil returns when the block expires for a key
func (rl *RateLimiter) BlockedUntil(key string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, exists := rl.attempts[key]
	if !exists || info.blockedAt.IsZero() {
		return time.Time{}
	}
	return info.blockedAt.Add(rl.blockDuration)
}

// Sweep removes entries older than the window plus the block duration
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	maxAge := rl.windowSize + rl.blockDuration
	for key, info := range rl.attempts {
		if now.Sub(info.firstTime) > maxAge {
			delete(rl.attempts, key)
		}
	}
}
