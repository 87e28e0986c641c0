package slidinglog

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

func TestSlidingLog_ThreeRequestsThenDenyThenAllowAfterExpiry(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(3, time.Second)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should fit in the log", i)
	}

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "4th request within the window should be denied")

	mock.Advance(time.Second + time.Millisecond)

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "once the first three timestamps age out, a new request should fit")
}
