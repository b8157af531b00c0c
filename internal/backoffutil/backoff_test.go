package backoffutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RespectsMaxInterval(t *testing.T) {
	b := New()
	for i := 0; i < 50; i++ {
		b.NextBackOff()
	}
	assert.LessOrEqual(t, b.NextBackOff(), MaxInterval)
}

func TestSleep_ReturnsOnCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_ReturnsNilAfterInterval(t *testing.T) {
	b := New()
	b.Reset()

	start := time.Now()
	err := Sleep(context.Background(), b)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
