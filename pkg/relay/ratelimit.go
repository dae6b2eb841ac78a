package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultRateLimitMessages = 10
	DefaultRateLimitWindow   = 60 * time.Second
)

// TokenBucket is a per-user token bucket. It starts full; each admission costs one token.
// Timestamps earlier than the last refill count as zero elapsed time.
type TokenBucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	capacity int
	refill   float64
	lastSeen time.Time
}

func NewTokenBucket(capacity int, refillPerSecond float64, now time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = float64(capacity) / DefaultRateLimitWindow.Seconds()
	}
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		refill:   refillPerSecond,
		lastSeen: now,
	}
}

// TryAdmit consumes one token if available. A rejection consumes nothing.
func (b *TokenBucket) TryAdmit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.lastSeen) {
		now = b.lastSeen
	} else {
		b.lastSeen = now
	}
	return b.limiter.AllowN(now, 1)
}

// at clamps now to the latest time the bucket has seen. Caller holds b.mu.
func (b *TokenBucket) at(now time.Time) time.Time {
	if now.Before(b.lastSeen) {
		return b.lastSeen
	}
	return now
}

func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.TokensAt(b.at(now))
}

// WaitTime is how long until one whole token is available. Zero when admissible now.
func (b *TokenBucket) WaitTime(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := b.limiter.TokensAt(b.at(now))
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / b.refill * float64(time.Second))
}

func (b *TokenBucket) full(now time.Time) bool {
	return b.Tokens(now) >= float64(b.capacity)
}

func (b *TokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at(now).Sub(b.lastSeen)
}

type RateLimiterStats struct {
	Buckets         int     `json:"buckets"`
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// RateLimiter keeps one TokenBucket per user.
type RateLimiter struct {
	mu       sync.RWMutex
	buckets  map[UserID]*TokenBucket
	capacity int
	refill   float64

	cleanupRunning bool
}

// NewRateLimiter admits capacity messages per window, refilling continuously.
func NewRateLimiter(capacity int, window time.Duration) *RateLimiter {
	if capacity < 1 {
		capacity = DefaultRateLimitMessages
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return NewRateLimiterWithRate(capacity, float64(capacity)/window.Seconds())
}

func NewRateLimiterWithRate(capacity int, refillPerSecond float64) *RateLimiter {
	return &RateLimiter{
		buckets:  map[UserID]*TokenBucket{},
		capacity: capacity,
		refill:   refillPerSecond,
	}
}

func (rl *RateLimiter) bucket(userID UserID, now time.Time) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[userID]; ok {
		return b
	}
	b = NewTokenBucket(rl.capacity, rl.refill, now)
	rl.buckets[userID] = b
	return b
}

func (rl *RateLimiter) TryAdmit(userID UserID, now time.Time) bool {
	if rl == nil {
		return true
	}
	return rl.bucket(userID, now).TryAdmit(now)
}

// Allows reports whether TryAdmit would admit userID at now, without consuming a token.
func (rl *RateLimiter) Allows(userID UserID, now time.Time) bool {
	if rl == nil {
		return true
	}
	return rl.bucket(userID, now).Tokens(now) >= 1
}

func (rl *RateLimiter) RetryAfter(userID UserID, now time.Time) time.Duration {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	b, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.WaitTime(now)
}

// Reset drops the user's bucket; the next admission starts from a full bucket.
func (rl *RateLimiter) Reset(userID UserID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.buckets, userID)
	rl.mu.Unlock()
}

// CleanupStale removes buckets that have been idle for maxAge and are full again.
// Dropping a full bucket is indistinguishable from keeping it.
func (rl *RateLimiter) CleanupStale(now time.Time, maxAge time.Duration) int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for id, b := range rl.buckets {
		if b.idleSince(now) >= maxAge && b.full(now) {
			delete(rl.buckets, id)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) StartCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	if rl == nil {
		return
	}
	if ctx == nil {
		panic("relay: StartCleanupLoop requires non-nil ctx")
	}
	rl.mu.Lock()
	if rl.cleanupRunning || interval <= 0 || maxAge <= 0 {
		rl.mu.Unlock()
		return
	}
	rl.cleanupRunning = true
	rl.mu.Unlock()

	go rl.runCleanupLoop(ctx, interval, maxAge)
}

func (rl *RateLimiter) runCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rl.mu.Lock()
			rl.cleanupRunning = false
			rl.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := rl.CleanupStale(now, maxAge); n > 0 {
				log.Debug().Str("component", "ratelimit").Int("removed", n).Msg("dropped idle rate limit buckets")
			}
		}
	}
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	if rl == nil {
		return RateLimiterStats{}
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return RateLimiterStats{
		Buckets:         len(rl.buckets),
		Capacity:        rl.capacity,
		RefillPerSecond: rl.refill,
	}
}
