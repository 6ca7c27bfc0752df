package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullBucketIsInstant(t *testing.T) {
	b := NewBucket(12, 3, time.Second)

	start := time.Now()
	require.NoError(t, b.Wait(context.Background(), 12, 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestEmptyBucketWaitsForRefill(t *testing.T) {
	b := NewBucket(12, 3, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, b.Wait(ctx, 12, 0))

	start := time.Now()
	require.NoError(t, b.Wait(ctx, 1, 0))
	elapsed := time.Since(start)

	// one token at 3/s is ~333ms
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitTimesOutWithoutSleeping(t *testing.T) {
	b := NewBucket(12, 3, time.Second)
	ctx := context.Background()

	require.NoError(t, b.Wait(ctx, 12, 0))

	start := time.Now()
	err := b.Wait(ctx, 6, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// the refused reservation handed its tokens back
	start = time.Now()
	require.NoError(t, b.Wait(ctx, 1, time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitRejectsOversizedRequest(t *testing.T) {
	b := NewBucket(4, 1, time.Second)
	require.ErrorIs(t, b.Wait(context.Background(), 5, 0), ErrExceedsCapacity)
	require.NoError(t, b.Wait(context.Background(), 0, 0))
}

func TestWaitHonorsContextCancel(t *testing.T) {
	b := NewBucket(2, 0.5, 10*time.Second)
	require.NoError(t, b.Wait(context.Background(), 2, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx, 1, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentWaitersNeverOverdraw(t *testing.T) {
	b := NewBucket(6, 3, 5*time.Second)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Wait(ctx, 1, 0))
		}()
	}
	wg.Wait()

	// 6 immediate, 3 more need a full second of refill
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRegistrySharesBucketPerKey(t *testing.T) {
	r := NewRegistry(12, 3, time.Second)

	assert.Same(t, r.Bucket("google"), r.Bucket("google"))
	assert.NotSame(t, r.Bucket("google"), r.Bucket("microsoft"))
	assert.Equal(t, 12, r.Bucket("google").Capacity())
}
