package gcra

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimitcore/clock"
	"ratelimitcore/quota"
	"ratelimitcore/storage/memory"
)

func TestGCRA_BurstOfThreeThenDeny(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(1, time.Second)
	require.NoError(t, err)
	q, err = q.WithBurst(3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "4th request within the burst window should be denied")
	assert.Greater(t, d.Info.RetryAfter, time.Duration(0))
}

func TestGCRA_AllowsAgainAfterWaiting(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(1, time.Second)
	require.NoError(t, err)
	q, err = q.WithBurst(1)
	require.NoError(t, err)

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mock.Advance(time.Second)

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "request after waiting a full period should be allowed")
}

func TestGCRA_CheckDoesNotConsumeBudget(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(1, time.Second)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d, err := alg.Check(ctx, store, "k", q)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "Check should never deny an untouched key")
	}

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGCRA_DeniedDecisionAlwaysReportsZeroRemaining(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(1, 100*time.Millisecond)
	require.NoError(t, err)
	q, err = q.WithBurst(3)
	require.NoError(t, err)

	// A cost of 4 against a burst of 3 always exceeds delay tolerance (tau),
	// so this denies outright on the first request even with an empty store.
	d, err := alg.CheckAndRecord(ctx, store, "k", q, 4)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, uint64(0), d.Info.Remaining, "a denied decision must report zero remaining regardless of cost")

	mock.Advance(101 * time.Millisecond)

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 4)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, uint64(0), d.Info.Remaining)
}

func TestGCRA_ConcurrentRequestsForSameKeyAllowExactlyMinNBurst(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0)) // held fixed: every goroutine sees the same "now"
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(10, time.Second)
	require.NoError(t, err)
	q, err = q.WithBurst(10)
	require.NoError(t, err)

	const n = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
			require.NoError(t, err)
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load(), "exactly min(N, burst) of the concurrent requests should be allowed")
}

func TestGCRA_ResetClearsState(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(1, time.Second)
	require.NoError(t, err)

	_, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, alg.Reset(ctx, store, "k"))

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "request after Reset should be allowed again")
}
