package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket with a backoff window set by 429 responses.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx ends. A wait that cannot
// finish before the ctx deadline fails at once with context.DeadlineExceeded.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		if dl, ok := ctx.Deadline(); ok && dl.Before(retryAt) {
			return fmt.Errorf("backing off until %s: %w", retryAt.Format(time.RFC3339), context.DeadlineExceeded)
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// rate reports a reservation past the deadline with a plain error.
		return fmt.Errorf("rate limit wait: %v: %w", err, context.DeadlineExceeded)
	}
	return nil
}

// Backoff records a Retry-After header value (seconds); empty means 30s.
func (r *RateLimiter) Backoff(retryAfter string) {
	secs, err := strconv.Atoi(retryAfter)
	if err != nil || secs <= 0 {
		secs = 30
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAt = time.Now().Add(time.Duration(secs) * time.Second)
}
