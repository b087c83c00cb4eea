// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides an in-memory token bucket used to cap outbound
// request rates per upstream.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Absorbs float drift from refill arithmetic.
const tokenEpsilon = 1e-6

type Decision struct {
	Allowed        bool
	LimitPerMinute int
	Remaining      int
	RetryAfter     time.Duration
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

// Limiter keeps one bucket per key. The zero value is not usable; call New.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*tokenBucket, 4),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Allow takes one token from key's bucket when available.
func (l *Limiter) Allow(key string, limitPerMinute int, now time.Time) Decision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}

	capacity := float64(limitPerMinute)
	refillPerSecond := capacity / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok || bucket.capacity != capacity {
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: refillPerSecond,
			lastRefill:      now,
		}
		l.buckets[key] = bucket
	}

	elapsedSeconds := now.Sub(bucket.lastRefill).Seconds()
	if elapsedSeconds > 0 {
		bucket.tokens = math.Min(bucket.capacity, bucket.tokens+elapsedSeconds*bucket.refillPerSecond)
		bucket.lastRefill = now
	}

	decision := Decision{
		LimitPerMinute: limitPerMinute,
		Remaining:      int(math.Floor(bucket.tokens)),
	}

	if bucket.tokens >= 1-tokenEpsilon {
		bucket.tokens = math.Max(0, bucket.tokens-1)
		decision.Allowed = true
		decision.Remaining = int(math.Floor(bucket.tokens))
		return decision
	}

	missingMillis := (1 - bucket.tokens) / bucket.refillPerSecond * 1000
	decision.RetryAfter = time.Duration(math.Max(1, math.Ceil(missingMillis-tokenEpsilon))) * time.Millisecond
	return decision
}

// Wait blocks until key's bucket yields a token or ctx ends. A non-positive
// limit disables limiting.
func (l *Limiter) Wait(ctx context.Context, key string, limitPerMinute int) error {
	if l == nil || limitPerMinute <= 0 {
		return nil
	}

	for {
		decision := l.Allow(key, limitPerMinute, l.now())
		if decision.Allowed {
			return nil
		}
		if err := l.sleep(ctx, decision.RetryAfter); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
