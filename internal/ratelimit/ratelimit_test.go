package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_WaitBlocksUntilTokenAvailable(t *testing.T) {
	l := New(2, 1) // 2 tokens/sec, no bursting

	ctx := context.Background()
	require := assert.New(t)

	start := time.Now()
	require.NoError(l.Wait(ctx))
	require.NoError(l.Wait(ctx))
	elapsed := time.Since(start)

	require.GreaterOrEqual(elapsed, 400*time.Millisecond, "second wait should be throttled to roughly the configured rate")
}

func TestLimiter_WaitRespectsCancellation(t *testing.T) {
	l := New(0.1, 1) // effectively 10s between tokens
	l.Allow()        // consume the initial burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.Error(t, err)
}

func TestLimiter_SetRateAdjustsSteadyState(t *testing.T) {
	l := New(1, 1)
	l.Allow() // consume the initial burst token
	l.SetRate(1000)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.Allow())
}
