// ABOUTME: Token bucket gate in front of every upstream call
// ABOUTME: Reservations on x/time/rate keep check-and-decrement atomic across goroutines
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrTimeout means the tokens would not be available within the caller's timeout.
	ErrTimeout = errors.New("rate limit wait timed out")
	// ErrExceedsCapacity means the request asks for more tokens than the bucket can hold.
	ErrExceedsCapacity = errors.New("rate limit request exceeds bucket capacity")
)

const (
	DefaultCapacity    = 12
	DefaultRefillRate  = 3.0
	DefaultWaitTimeout = 30 * time.Second
)

// Bucket holds up to Capacity tokens, refilled continuously at RefillRate per second.
type Bucket struct {
	limiter  *rate.Limiter
	capacity int
	timeout  time.Duration
}

// NewBucket starts full.
func NewBucket(capacity int, refillPerSecond float64, defaultTimeout time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillRate
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultWaitTimeout
	}
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		timeout:  defaultTimeout,
	}
}

func (b *Bucket) Capacity() int { return b.capacity }

// Wait blocks until n tokens have been taken. A zero timeout uses the bucket
// default. When the required wait exceeds the timeout the reservation is
// handed back and ErrTimeout is returned immediately.
func (b *Bucket) Wait(ctx context.Context, n int, timeout time.Duration) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fmt.Errorf("%w: want %d, capacity %d", ErrExceedsCapacity, n, b.capacity)
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	now := time.Now()
	r := b.limiter.ReserveN(now, n)
	if !r.OK() {
		return fmt.Errorf("%w: want %d, capacity %d", ErrExceedsCapacity, n, b.capacity)
	}

	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > timeout {
		r.CancelAt(now)
		return fmt.Errorf("%w: need %s, allowed %s", ErrTimeout, delay.Round(time.Millisecond), timeout)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Registry hands out one process-wide bucket per provider key.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	capacity int
	refill   float64
	timeout  time.Duration
}

func NewRegistry(capacity int, refillPerSecond float64, defaultTimeout time.Duration) *Registry {
	return &Registry{
		buckets:  make(map[string]*Bucket),
		capacity: capacity,
		refill:   refillPerSecond,
		timeout:  defaultTimeout,
	}
}

func (r *Registry) Bucket(key string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = NewBucket(r.capacity, r.refill, r.timeout)
		r.buckets[key] = b
	}
	return b
}
