package slidingwindow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimitcore/clock"
	"ratelimitcore/quota"
	"ratelimitcore/storage/memory"
)

func TestSlidingWindow_FillsCurrentWindowThenDenies(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(10, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should fit the current window", i)
	}

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "11th request should exceed the window's quota")
}

func TestSlidingWindow_WeightsPreviousWindowOnRollover(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(10, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
	}

	// Roll into the next window, near its start: the previous window's 10
	// requests should still weigh heavily on the effective count.
	mock.Advance(time.Minute + time.Second)

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "just after rollover, the weighted previous count should still deny")

	// Near the end of the new window, the previous window's weight has
	// decayed close to zero.
	mock.Advance(58 * time.Second)
	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "near the end of the new window, weight should have decayed enough to allow")
}
