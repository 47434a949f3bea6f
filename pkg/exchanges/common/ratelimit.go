package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests and tracks the request weight the
// exchange reports back in response headers.
type RateLimiter struct {
	pacer         *rate.Limiter
	log           *zap.Logger
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter creates a limiter allowing rps requests per second and a
// weight budget of limit per resetInterval.
func NewRateLimiter(rps float64, limit int, resetInterval time.Duration, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	pacer := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		pacer:         pacer,
		log:           log,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until the next request may be sent. Near the weight budget it
// additionally sleeps until the window resets.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.pacer.Wait(ctx); err != nil {
		return err
	}
	if !rl.ShouldDelay() {
		return nil
	}
	rl.mu.RLock()
	remaining := rl.resetInterval - time.Since(rl.lastReset)
	rl.mu.RUnlock()
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	if rl.limit <= 0 {
		return
	}
	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		rl.log.Warn("❌ request weight critical", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	} else if pct >= 80 {
		rl.log.Warn("⚠️ request weight high", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	}
}

// GetUsage returns current usage.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if rl.limit <= 0 || time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay reports whether usage is at or above 90% of the budget.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
