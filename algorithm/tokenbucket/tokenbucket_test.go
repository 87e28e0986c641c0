package tokenbucket

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

func TestTokenBucket_TenThenOneThenWaitThenOne(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(10, time.Second)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should drain the initial bucket", i)
	}

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "11th immediate request should be denied")

	mock.Advance(time.Second)

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "after a full refill period, a request should be allowed again")
}

func TestTokenBucket_PartialRefill(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(10, time.Second)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
	}

	mock.Advance(500 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "half a period should refill roughly half the capacity")
}
