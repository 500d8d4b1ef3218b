package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, opts Options) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := New(client, opts)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, mr, &clock
}

func TestBurstAllowance(t *testing.T) {
	l, _, clock := newTestLimiter(t, Options{RequestsPerWindow: 10, BurstFactor: 1.5, Window: time.Minute})
	ctx := context.Background()
	require.Equal(t, 15, l.Limit())

	for i := 1; i <= 15; i++ {
		d := l.Admit(ctx, "alice")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 15-i, d.Remaining)
		*clock = clock.Add(time.Second)
	}

	d := l.Admit(ctx, "alice")
	assert.False(t, d.Allowed, "16th request within the window")
	assert.False(t, d.FailOpen)
	// The first request was recorded 15s ago; it leaves the window in 45s.
	assert.Equal(t, 45*time.Second, d.RetryAfter)

	assert.True(t, l.Admit(ctx, "bob").Allowed, "callers are independent")
}

func TestWindowSlides(t *testing.T) {
	l, _, clock := newTestLimiter(t, Options{RequestsPerWindow: 2, BurstFactor: 1, Window: time.Minute})
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "c").Allowed)
	*clock = clock.Add(30 * time.Second)
	assert.True(t, l.Admit(ctx, "c").Allowed)
	assert.False(t, l.Admit(ctx, "c").Allowed)

	// First entry expires, one slot frees up.
	*clock = clock.Add(31 * time.Second)
	assert.True(t, l.Admit(ctx, "c").Allowed)
	assert.False(t, l.Admit(ctx, "c").Allowed)
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	l, mr, clock := newTestLimiter(t, Options{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "d").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Admit(ctx, "d").Allowed)
	}
	members, err := mr.ZMembers(keyPrefix + "d")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	*clock = clock.Add(61 * time.Second)
	assert.True(t, l.Admit(ctx, "d").Allowed)
}

func TestKeyExpires(t *testing.T) {
	l, mr, _ := newTestLimiter(t, Options{RequestsPerWindow: 5, Window: time.Minute})

	l.Admit(context.Background(), "e")
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"e"))
}

func TestFailOpen(t *testing.T) {
	l, mr, _ := newTestLimiter(t, Options{RequestsPerWindow: 1, Timeout: 50 * time.Millisecond})
	mr.Close()

	for i := 0; i < 3; i++ {
		d := l.Admit(context.Background(), "f")
		assert.True(t, d.Allowed)
		assert.True(t, d.FailOpen)
	}
}

func TestConcurrentCallersNeverOverAdmit(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{RequestsPerWindow: 20, BurstFactor: 1, Window: time.Minute})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit(context.Background(), "g").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), admitted.Load())
}

func TestLimitFloor(t *testing.T) {
	assert.Equal(t, 1, New(nil, Options{RequestsPerWindow: 0}).Limit())
	assert.Equal(t, 3, New(nil, Options{RequestsPerWindow: 2, BurstFactor: 1.9}).Limit())
	assert.Equal(t, 7, New(nil, Options{RequestsPerWindow: 7, BurstFactor: 0.5}).Limit())
}
