package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 2)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, tb.Acquire(ctx))
	require.NoError(t, tb.Acquire(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst must not block")

	require.NoError(t, tb.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "third call waits for refill")
}

func TestTokenBucketContextCancel(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(0.1, 1)
	require.NoError(t, tb.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tb.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketMinimumBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0)
	require.NoError(t, tb.Acquire(context.Background()))
}
