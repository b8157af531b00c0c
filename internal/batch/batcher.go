// Package batch implements the producer's batching/backpressure engine:
// aggregating per-record submissions into size- and count-bounded batches,
// retrying partially-failed batches with adaptive batch shrinking, and
// reporting permanently-failed records to a caller-supplied sink.
package batch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/usedatabrew/kinesis-client/internal/backoffutil"
)

// Entry is one record queued for batched delivery. Kept independent of the
// root package's Record type to avoid an import cycle; Producer converts
// between the two at the boundary.
type Entry struct {
	Data            []byte
	PartitionKey    string
	ExplicitHashKey string
}

func (e Entry) size() int { return len(e.Data) }

// EntryResult is the per-record outcome of one PutRecordsFunc call.
type EntryResult struct {
	Success   bool
	Retryable bool // true for throttling/internal errors
	Err       error
}

// PutRecordsFunc submits a batch to the remote service. A non-nil error
// means the whole call failed at the transport level (network error,
// connection refused); the caller re-queues the whole batch and retries
// indefinitely unless ctx is cancelled. Results (one per entry, matching
// order) report the service's per-record outcome when the call itself
// succeeded.
type PutRecordsFunc func(ctx context.Context, entries []Entry) ([]EntryResult, error)

// Item wraps an Entry as it travels through the producer's queue,
// batcher, and retry path, carrying completion signalling for Put/Flush.
type Item struct {
	Entry      Entry
	EnqueuedAt time.Time
	Attempts   int
	// Done is closed (after Err is set) exactly once, when the item's fate
	// (delivered or permanently failed) is decided.
	Done chan struct{}
	Err  error
}

// NewItem wraps e as a fresh, unsubmitted Item.
func NewItem(e Entry) *Item {
	return &Item{Entry: e, EnqueuedAt: time.Now(), Done: make(chan struct{})}
}

func (it *Item) finish(err error) {
	it.Err = err
	close(it.Done)
}

// Config bounds batch assembly, independent of the hard service ceilings
// (hardMaxBatchBytes/hardMaxBatchCount), which the Batcher always enforces
// regardless of Config.
type Config struct {
	BatchSize  int
	BufferTime time.Duration
	RetryLimit int
}

// Sink receives records that exhausted RetryLimit attempts or failed with
// a permanent (non-throttling, non-internal) service error.
type Sink func(entry Entry, err error)

// Counters is the minimal observability surface the Batcher reports
// through; internal/stats.Tracker satisfies it.
type Counters interface {
	AddRecords(n int)
	AddBytes(n int)
	IncThrottle()
	IncError()
}

const (
	hardMaxBatchBytes = 5 << 20
	hardMaxBatchCount = 500
)

// Batcher is the single background task that owns batch assembly,
// submission, partial-failure retry and adaptive batch-size shrinking. Run
// must only ever be called once; it is not safe for concurrent use.
type Batcher struct {
	cfg   Config
	put   PutRecordsFunc
	sink  Sink
	stats Counters

	in      <-chan *Item
	retryCh chan *Item // front-loaded retry queue; drained before b.in

	boff      backoff.BackOff // paces transport-level retries
	effective int             // current adaptive batch size, 1 <= effective <= cfg.BatchSize
}

// New constructs a Batcher reading new items from in.
func New(cfg Config, in <-chan *Item, put PutRecordsFunc, sink Sink, stats Counters) *Batcher {
	if cfg.BatchSize <= 0 || cfg.BatchSize > hardMaxBatchCount {
		cfg.BatchSize = hardMaxBatchCount
	}
	if cfg.BufferTime <= 0 {
		cfg.BufferTime = 500 * time.Millisecond
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	return &Batcher{
		cfg: cfg, put: put, sink: sink, stats: stats, in: in,
		retryCh:   make(chan *Item, hardMaxBatchCount*4),
		boff:      backoffutil.New(),
		effective: cfg.BatchSize,
	}
}

// Run drains the input channel and retry queue, assembling and flushing
// batches, until ctx is cancelled or the input channel is closed (with
// both drained). flushNow lets Flush() request a full drain and block
// until it completes by passing a channel it closes.
func (b *Batcher) Run(ctx context.Context, flushNow <-chan chan struct{}) {
	var batch []*Item
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	defer stopTimer()

	enqueue := func(it *Item) {
		if len(batch) > 0 && b.batchBytes(batch)+it.Entry.size() > hardMaxBatchBytes {
			// Would exceed the hard byte ceiling for this batch; hold it
			// for the next one instead of blocking on a full flush here.
			b.retryCh <- it
			return
		}
		batch = append(batch, it)
		if timer == nil {
			timer = time.NewTimer(b.cfg.BufferTime)
		}
	}

	flushIfTriggered := func() {
		if len(batch) >= b.limit() || b.batchBytes(batch) >= hardMaxBatchBytes {
			batch = b.flush(ctx, batch)
			stopTimer()
		}
	}

	for {
		// Retry-queue items take priority over brand-new submissions.
		select {
		case it := <-b.retryCh:
			enqueue(it)
			flushIfTriggered()
			continue
		default:
		}

		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case it := <-b.retryCh:
			enqueue(it)
			flushIfTriggered()
		case it, ok := <-b.in:
			if !ok {
				batch = b.drainAll(ctx, batch)
				b.failAll(batch, context.Canceled)
				b.drainRetry(context.Canceled)
				return
			}
			enqueue(it)
			flushIfTriggered()
		case <-timerC:
			batch = b.flush(ctx, batch)
			stopTimer()
		case ack := <-flushNow:
			batch = b.drainAll(ctx, batch)
			stopTimer()
			if ack != nil {
				close(ack)
			}
		case <-ctx.Done():
			b.failAll(batch, context.Canceled)
			b.drainRetry(context.Canceled)
			return
		}
	}
}

// drainAll keeps assembling and flushing until every record currently in
// the input queue, the retry queue or the open batch has a terminal
// outcome, which is what Flush promises. Transport-level failures keep
// it looping (paced by flush's backoff); only ctx cancellation stops it
// early, in which case the unflushed remainder is returned for the
// caller to fail.
func (b *Batcher) drainAll(ctx context.Context, batch []*Item) []*Item {
	for {
		if ctx.Err() != nil {
			return batch
		}
		it := b.takePending()
		if it == nil {
			if len(batch) == 0 {
				return nil
			}
			batch = b.flush(ctx, batch)
			continue
		}
		if len(batch) > 0 && b.batchBytes(batch)+it.Entry.size() > hardMaxBatchBytes {
			batch = b.flush(ctx, batch)
		}
		batch = append(batch, it)
		if len(batch) >= b.limit() || b.batchBytes(batch) >= hardMaxBatchBytes {
			batch = b.flush(ctx, batch)
		}
	}
}

// takePending pops the next waiting item without blocking, retries first.
func (b *Batcher) takePending() *Item {
	select {
	case it := <-b.retryCh:
		return it
	default:
	}
	select {
	case it, ok := <-b.in:
		if ok {
			return it
		}
	default:
	}
	return nil
}

func (b *Batcher) limit() int {
	if b.effective < 1 {
		return 1
	}
	return b.effective
}

func (b *Batcher) batchBytes(batch []*Item) int {
	total := 0
	for _, it := range batch {
		total += it.Entry.size()
	}
	return total
}

func (b *Batcher) failAll(batch []*Item, cause error) {
	for _, it := range batch {
		it.finish(cause)
	}
}

// drainRetry fails any items still waiting for a retry slot. Only reached
// on shutdown paths, after drainAll has stopped making progress.
func (b *Batcher) drainRetry(cause error) {
	for {
		select {
		case it := <-b.retryCh:
			it.finish(cause)
		default:
			return
		}
	}
}

// flush submits batch once and applies the partial-failure and adaptive-
// shrink policy. A transport-level failure re-queues the whole batch onto
// retryCh and sleeps one backoff interval, so a dead endpoint is retried
// indefinitely but never hammered.
func (b *Batcher) flush(ctx context.Context, batch []*Item) []*Item {
	if len(batch) == 0 {
		return batch
	}
	entries := make([]Entry, len(batch))
	for i, it := range batch {
		entries[i] = it.Entry
	}

	results, err := b.put(ctx, entries)
	if err != nil {
		for _, it := range batch {
			b.retryCh <- it
		}
		backoffutil.Sleep(ctx, b.boff)
		return nil
	}
	b.boff.Reset()

	b.stats.AddRecords(len(batch))
	failed := 0
	for i, it := range batch {
		res := results[i]
		if res.Success {
			b.stats.AddBytes(it.Entry.size())
			it.finish(nil)
			continue
		}
		failed++
		if res.Retryable {
			b.stats.IncThrottle()
		} else {
			b.stats.IncError()
		}
		it.Attempts++
		if res.Retryable && it.Attempts < b.cfg.RetryLimit {
			b.retryCh <- it
			continue
		}
		if b.sink != nil {
			b.sink(it.Entry, res.Err)
		}
		it.finish(res.Err)
	}

	if failed*2 > len(batch) {
		b.shrink()
	} else if failed == 0 {
		b.grow()
	}
	return nil
}

// shrink halves the effective batch size, floor 1.
func (b *Batcher) shrink() {
	b.effective /= 2
	if b.effective < 1 {
		b.effective = 1
	}
}

// grow restores the effective batch size toward the configured size
// additively, by 10% of the remaining gap per fully-successful flush.
func (b *Batcher) grow() {
	gap := b.cfg.BatchSize - b.effective
	if gap <= 0 {
		return
	}
	step := gap / 10
	if step < 1 {
		step = 1
	}
	b.effective += step
	if b.effective > b.cfg.BatchSize {
		b.effective = b.cfg.BatchSize
	}
}
