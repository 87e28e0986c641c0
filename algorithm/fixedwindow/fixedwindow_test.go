package fixedwindow

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

func TestFixedWindow_FiveThenOneThenWaitThenOne(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Unix(0, 0))
	alg := New(WithClock(mock))
	store := memory.New()

	q, err := quota.New(5, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should fit the window", i)
	}

	d, err := alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "6th request should be denied in the same window")

	mock.Advance(60 * time.Second)

	d, err = alg.CheckAndRecord(ctx, store, "k", q, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window should reset the counter")
}
