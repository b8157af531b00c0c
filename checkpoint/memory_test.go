package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCheckpointer_AllocateExclusivity(t *testing.T) {
	m := NewMemoryCheckpointer()

	acquired, seq, err := m.Allocate(context.Background(), "shard-0")
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Empty(t, seq)

	acquired, _, err = m.Allocate(context.Background(), "shard-0")
	require.NoError(t, err)
	assert.False(t, acquired, "a shard already owned locally must not be re-allocated")
}

func TestMemoryCheckpointer_ResumesFromLastCheckpoint(t *testing.T) {
	m := NewMemoryCheckpointer()
	ctx := context.Background()

	_, _, err := m.Allocate(ctx, "shard-0")
	require.NoError(t, err)

	stillOwned, err := m.Checkpoint(ctx, "shard-0", "49500000000000000001")
	require.NoError(t, err)
	assert.True(t, stillOwned)

	require.NoError(t, m.Deallocate(ctx, "shard-0"))

	acquired, resumeSeq, err := m.Allocate(ctx, "shard-0")
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "49500000000000000001", resumeSeq)
}

func TestMemoryCheckpointer_CheckpointWithoutOwnershipIsContested(t *testing.T) {
	m := NewMemoryCheckpointer()

	stillOwned, err := m.Checkpoint(context.Background(), "shard-0", "00000000000000000001")
	assert.False(t, stillOwned)
	assert.ErrorIs(t, err, ErrContested)
}

func TestMemoryCheckpointer_RejectsSequenceRegression(t *testing.T) {
	m := NewMemoryCheckpointer()
	ctx := context.Background()

	_, _, err := m.Allocate(ctx, "shard-0")
	require.NoError(t, err)
	_, err = m.Checkpoint(ctx, "shard-0", "00000000000000000010")
	require.NoError(t, err)

	_, err = m.Checkpoint(ctx, "shard-0", "00000000000000000005")
	assert.ErrorIs(t, err, ErrSequenceRegression)
}

func TestMemoryCheckpointer_CloseReleasesOwnershipAndObservesNoState(t *testing.T) {
	m := NewMemoryCheckpointer()
	ctx := context.Background()

	_, _, err := m.Allocate(ctx, "shard-0")
	require.NoError(t, err)

	checkpoints := m.GetAllCheckpoints()
	require.Len(t, checkpoints, 1)
	assert.Nil(t, checkpoints["shard-0"], "a shard never checkpointed must report a nil sequence, not an empty string")

	stillOwned, err := m.Checkpoint(ctx, "shard-0", "00000000000000000007")
	require.NoError(t, err)
	require.True(t, stillOwned)
	require.NoError(t, m.Close(ctx))

	assert.Empty(t, m.GetAllCheckpoints(), "after Close the instance must observe no state")

	acquired, resumeSeq, err := m.Allocate(ctx, "shard-0")
	require.NoError(t, err)
	assert.True(t, acquired, "Close must release ownership so the shard is reallocatable")
	assert.Equal(t, "00000000000000000007", resumeSeq, "the checkpointed sequence itself must survive Close")
}
