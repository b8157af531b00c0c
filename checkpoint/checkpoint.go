// Package checkpoint implements pluggable shard-progress tracking: shard
// allocation with mutual exclusion, sequence persistence, liveness via
// heartbeats, and resumption from the last recorded sequence. Two
// backends share the Checkpointer interface: an in-memory single-process
// one and a Redis-backed distributed one.
package checkpoint

import (
	"context"
	"errors"
)

// ErrContested is returned by Checkpoint when another consumer holds the
// shard's lease or the caller's fencing token has gone stale.
var ErrContested = errors.New("checkpoint: shard is owned by another consumer")

// ErrSequenceRegression is returned when Checkpoint is called with a
// sequence that is lexicographically less than the already-recorded one;
// the recorded sequence is monotonic per shard.
var ErrSequenceRegression = errors.New("checkpoint: sequence would regress")

// Checkpointer is the abstraction the Consumer depends on. Concrete
// backends (MemoryCheckpointer, DistributedCheckpointer) are constructed
// externally and injected.
type Checkpointer interface {
	// Allocate attempts to take ownership of shardID. On success it starts
	// heartbeating in the background and returns the last checkpointed
	// sequence (empty string if the shard has never been checkpointed).
	Allocate(ctx context.Context, shardID string) (acquired bool, resumeSequence string, err error)

	// Checkpoint records progress for shardID. Idempotent for equal
	// sequences; rejects decreases with ErrSequenceRegression. Returns
	// false for stillOwned, with ErrContested, if ownership was lost
	// (lease stolen, fencing token stale): the caller must stop consuming
	// the shard.
	Checkpoint(ctx context.Context, shardID, sequence string) (stillOwned bool, err error)

	// Deallocate voluntarily releases shardID. The sequence is preserved.
	Deallocate(ctx context.Context, shardID string) error

	// Close releases all locally owned shards. Afterwards the instance
	// observes no state: GetAllCheckpoints returns an empty mapping. The
	// durable sequence values themselves survive for future allocators.
	Close(ctx context.Context) error

	// GetAllCheckpoints returns the currently known sequence per shard
	// allocated since construction (or since Close). A nil value means
	// "never checkpointed".
	GetAllCheckpoints() map[string]*string

	// Lost returns a channel on which shard losses are signalled
	// asynchronously (e.g. a background heartbeat failing to extend a
	// lease). The Consumer selects on this channel to know when to stop
	// fetching a shard without waiting on its next Checkpoint call.
	Lost() <-chan Lost
}

// Lost is delivered to a Consumer when a background heartbeat discovers
// that ownership of a shard has been lost (heartbeat extend failed, lease
// key gone, or fencing-token mismatch).
type Lost struct {
	ShardID string
}
