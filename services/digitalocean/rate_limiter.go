package digitalocean

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding calls to the inference API.
// Classification batches are slow and the GenAI endpoints throttle
// aggressively, so the defaults are deliberately conservative.
type RateLimiter struct {
	mu sync.Mutex

	tokens         float64
	maxTokens      float64
	refillRate     float64 // tokens per second
	lastRefillTime time.Time
	minInterval    time.Duration
}

// RateLimiterConfig holds configuration for the rate limiter
type RateLimiterConfig struct {
	MaxTokens   float64       // burst capacity (default: 3)
	RefillRate  float64       // tokens per second (default: ~1 per 30s)
	MinInterval time.Duration // minimum time between calls (default: 30s)
}

// DefaultRateLimiterConfig returns defaults tuned for the inference API
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxTokens:   3,
		RefillRate:  0.033,
		MinInterval: 30 * time.Second,
	}
}

// NewRateLimiter creates a rate limiter with the given config
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		tokens:         config.MaxTokens,
		maxTokens:      config.MaxTokens,
		refillRate:     config.RefillRate,
		lastRefillTime: time.Now(),
		minInterval:    config.MinInterval,
	}
}

// Wait blocks until a token is available, then enforces the minimum
// interval before returning. Returns the context error on cancellation.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refillTokens()

		if r.tokens >= 1 {
			r.tokens--
			interval := r.minInterval
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
				return nil
			}
		}

		waitTime := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// refillTokens adds tokens for the elapsed time. Caller holds the lock.
func (r *RateLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefillTime).Seconds()
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefillTime = now
}

// SetBackoffMultiplier slows the limiter down after a 429: the refill
// rate shrinks and the minimum interval grows by the multiplier.
func (r *RateLimiter) SetBackoffMultiplier(multiplier float64) {
	if multiplier <= 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillRate = r.refillRate / multiplier
	r.minInterval = time.Duration(float64(r.minInterval) * multiplier)
}
