package shard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchCall struct {
	result FetchResult
	err    error
}

// fakeFetcher replays a scripted sequence of GetRecords outcomes and
// records every iterator it was asked to resolve.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	next  int

	iterator string
	iterErr  error
}

func (f *fakeFetcher) GetIterator(ctx context.Context, shardID string, policy IteratorPolicy, sequence string) (string, error) {
	if f.iterErr != nil {
		return "", f.iterErr
	}
	if f.iterator == "" {
		return "iter-0", nil
	}
	return f.iterator, nil
}

func (f *fakeFetcher) GetRecords(ctx context.Context, iterator string, limit int64) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.calls) {
		return FetchResult{}, nil
	}
	c := f.calls[f.next]
	f.next++
	return c.result, c.err
}

type fakeClassifier struct{ retryable bool }

func (c fakeClassifier) Retryable(err error) bool { return c.retryable }

type fakeCounters struct {
	mu                                              sync.Mutex
	records, bytes, throttles, errs, clientThrottle int
}

func (f *fakeCounters) AddRecords(n int)   { f.mu.Lock(); f.records += n; f.mu.Unlock() }
func (f *fakeCounters) AddBytes(n int)     { f.mu.Lock(); f.bytes += n; f.mu.Unlock() }
func (f *fakeCounters) IncThrottle()       { f.mu.Lock(); f.throttles++; f.mu.Unlock() }
func (f *fakeCounters) IncError()          { f.mu.Lock(); f.errs++; f.mu.Unlock() }
func (f *fakeCounters) IncClientThrottle() { f.mu.Lock(); f.clientThrottle++; f.mu.Unlock() }

func TestWorker_FetchDeliverThenCloseAtEndOfShard(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{result: FetchResult{
			Records:      []Record{{Data: []byte("a"), SequenceNumber: "1"}, {Data: []byte("b"), SequenceNumber: "2"}},
			NextIterator: "iter-1",
		}},
		{result: FetchResult{NextIterator: ""}},
	}}

	out := make(chan Record, 10)
	lost := make(chan struct{})
	stats := &fakeCounters{}

	w := NewWorker("shard-0", "", Config{FetchRate: 1000, SleepTimeNoRecords: time.Millisecond}, fetcher, nil, fakeClassifier{}, stats, out, lost)

	finalSeq, closed := w.Run(context.Background())
	assert.True(t, closed)
	assert.Equal(t, "2", finalSeq)
	assert.Equal(t, StateClosed, w.State())
	assert.Equal(t, 2, stats.records)
	close(out)
	var delivered []Record
	for r := range out {
		delivered = append(delivered, r)
	}
	require.Len(t, delivered, 2)
	assert.Equal(t, "shard-0", delivered[0].ShardID, "Worker must stamp its own shard id onto delivered records")
}

func TestWorker_ThrottledThenRecovers(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{err: errors.New("rate exceeded")},
		{result: FetchResult{Records: []Record{{Data: []byte("x"), SequenceNumber: "1"}}, NextIterator: ""}},
	}}

	out := make(chan Record, 10)
	lost := make(chan struct{})
	stats := &fakeCounters{}

	w := NewWorker("shard-0", "", Config{FetchRate: 1000, SleepTimeNoRecords: time.Millisecond}, fetcher, nil, fakeClassifier{retryable: true}, stats, out, lost)

	finalSeq, closed := w.Run(context.Background())
	assert.True(t, closed)
	assert.Equal(t, "1", finalSeq)
	assert.Equal(t, 1, stats.throttles, "a retryable GetRecords error must be counted as a throttle, not a terminal error")
	assert.Equal(t, 0, stats.errs)
}

func TestWorker_NonRetryableErrorDeallocates(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{err: errors.New("access denied")},
	}}

	out := make(chan Record, 10)
	lost := make(chan struct{})
	stats := &fakeCounters{}

	w := NewWorker("shard-0", "", Config{FetchRate: 1000}, fetcher, nil, fakeClassifier{retryable: false}, stats, out, lost)

	finalSeq, closed := w.Run(context.Background())
	assert.False(t, closed)
	assert.Equal(t, "", finalSeq)
	assert.Equal(t, StateDeallocated, w.State())
	assert.Equal(t, 1, stats.errs)
}

func TestWorker_LossOfOwnershipStopsDelivery(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{result: FetchResult{Records: []Record{{Data: []byte("a"), SequenceNumber: "1"}}, NextIterator: "iter-1"}},
	}}

	out := make(chan Record) // unbuffered: nobody drains it
	lost := make(chan struct{})
	close(lost) // ownership already lost before delivery is attempted
	stats := &fakeCounters{}

	w := NewWorker("shard-0", "", Config{FetchRate: 1000}, fetcher, nil, fakeClassifier{}, stats, out, lost)

	finalSeq, closed := w.Run(context.Background())
	assert.False(t, closed)
	assert.Equal(t, "", finalSeq, "no record should be considered delivered once ownership was already lost")
	assert.Equal(t, StateDeallocated, w.State())
}

func TestWorker_ContextCancellationDuringFetchWaitDeallocates(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{result: FetchResult{Records: []Record{{Data: []byte("a"), SequenceNumber: "1"}}, NextIterator: "iter-1"}},
	}}

	out := make(chan Record) // unbuffered and never drained; the cancelled ctx stops the loop before any fetch
	lost := make(chan struct{})
	stats := &fakeCounters{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker("shard-0", "", Config{FetchRate: 1000}, fetcher, nil, fakeClassifier{}, stats, out, lost)
	finalSeq, closed := w.Run(ctx)

	assert.False(t, closed)
	assert.Equal(t, "", finalSeq)
	assert.Equal(t, StateDeallocated, w.State())
}

func TestWorker_EndOfShardWithNoRecordsNeverCheckpointsEmptySequence(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{result: FetchResult{NextIterator: ""}},
	}}

	out := make(chan Record, 1)
	lost := make(chan struct{})
	stats := &fakeCounters{}

	var checkpointCalls int
	checkpoint := func(ctx context.Context, shardID, sequence string) (bool, error) {
		checkpointCalls++
		return true, nil
	}

	w := NewWorker("shard-0", "", Config{FetchRate: 1000}, fetcher, checkpoint, fakeClassifier{}, stats, out, lost)

	finalSeq, closed := w.Run(context.Background())
	assert.True(t, closed)
	assert.Equal(t, "", finalSeq)
	assert.Equal(t, 0, checkpointCalls, "a shard that never delivered a record must never be checkpointed, even at end-of-shard")
}

func TestWorker_CheckpointsAfterDeliveringFetch(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{result: FetchResult{
			Records:      []Record{{Data: []byte("a"), SequenceNumber: "1"}, {Data: []byte("b"), SequenceNumber: "2"}},
			NextIterator: "iter-1",
		}},
		{result: FetchResult{NextIterator: ""}},
	}}

	out := make(chan Record, 10)
	lost := make(chan struct{})
	stats := &fakeCounters{}

	var seqs []string
	checkpoint := func(ctx context.Context, shardID, sequence string) (bool, error) {
		seqs = append(seqs, sequence)
		return true, nil
	}

	w := NewWorker("shard-0", "", Config{FetchRate: 1000, SleepTimeNoRecords: time.Millisecond, CheckpointInterval: time.Hour}, fetcher, checkpoint, fakeClassifier{}, stats, out, lost)

	_, closed := w.Run(context.Background())
	assert.True(t, closed)
	require.NotEmpty(t, seqs, "a fetch that produced records must be checkpointed without waiting for the interval")
	assert.Equal(t, "2", seqs[0])
}

func TestWorker_ResumesFromCheckpointUsesAfterSequencePolicy(t *testing.T) {
	fetcher := &fakeFetcher{calls: []fetchCall{
		{result: FetchResult{NextIterator: ""}},
	}}

	out := make(chan Record, 1)
	lost := make(chan struct{})
	stats := &fakeCounters{}

	w := NewWorker("shard-0", "100", Config{FetchRate: 1000, IteratorPolicy: IteratorTrimHorizon}, fetcher, nil, fakeClassifier{}, stats, out, lost)
	assert.Equal(t, IteratorAfterSequence, w.effectiveIteratorPolicy(), "a non-empty resume sequence must override the configured starting policy")

	finalSeq, closed := w.Run(context.Background())
	assert.True(t, closed)
	assert.Equal(t, "100", finalSeq, "with no new records the checkpointed sequence is preserved")
}
