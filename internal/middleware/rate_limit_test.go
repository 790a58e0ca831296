package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T) *RateLimiter {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client)
}

func TestAllowEnforcesBucketCapacity(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 30; i++ {
		if rl.Allow(ctx, "10.0.0.1") {
			allowed++
		}
	}
	assert.Equal(t, int(rl.capacity), allowed)
}

func TestAllowBucketsAreIndependentPerClient(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	for i := int64(0); i < rl.capacity; i++ {
		assert.True(t, rl.Allow(ctx, "10.0.0.1"))
	}
	assert.False(t, rl.Allow(ctx, "10.0.0.1"))

	// A different client starts with a fresh bucket.
	assert.True(t, rl.Allow(ctx, "10.0.0.2"))
}

func TestAllowConcurrentRequestsCannotOverGrant(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow(ctx, "10.0.0.1") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, rl.capacity, allowed.Load())
}
