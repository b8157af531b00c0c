// Package shard implements the consumer's per-shard fetch engine: the
// shard-fetch state machine, iterator management, rate-limited polling,
// and enqueueing delivered records into the shared bounded consumer queue
// without blocking other shards' fetch loops. The transport is abstracted
// behind Fetcher so the root package can inject either a real or fake
// client.
package shard

import (
	"context"
	"time"

	"github.com/usedatabrew/kinesis-client/internal/backoffutil"
	"github.com/usedatabrew/kinesis-client/internal/ratelimit"
)

// IteratorPolicy mirrors the root package's IteratorType by value; kept as
// a distinct type here so this package never imports the root package.
type IteratorPolicy string

const (
	IteratorTrimHorizon   IteratorPolicy = "TRIM_HORIZON"
	IteratorLatest        IteratorPolicy = "LATEST"
	IteratorAtSequence    IteratorPolicy = "AT_SEQUENCE"
	IteratorAfterSequence IteratorPolicy = "AFTER_SEQUENCE"
)

// Record is one delivered record, independent of the root package's
// ConsumerRecord to avoid an import cycle; Consumer converts at the
// boundary.
type Record struct {
	Data           []byte
	SequenceNumber string
	PartitionKey   string
	ArrivalTime    time.Time
	ShardID        string
}

// FetchResult is the outcome of one GetRecords call.
type FetchResult struct {
	Records            []Record
	NextIterator       string
	MillisBehindLatest int64
}

// Fetcher is the transport this package depends on; the root package
// implements it against KinesisAPI.
type Fetcher interface {
	GetIterator(ctx context.Context, shardID string, policy IteratorPolicy, sequence string) (string, error)
	GetRecords(ctx context.Context, iterator string, limit int64) (FetchResult, error)
}

// CheckpointFunc persists progress for a shard. Matches
// checkpoint.Checkpointer.Checkpoint's signature exactly so callers can
// pass the method value directly.
type CheckpointFunc func(ctx context.Context, shardID, sequence string) (stillOwned bool, err error)

// Counters is the per-shard observability surface; internal/stats.Tracker
// satisfies it.
type Counters interface {
	AddRecords(n int)
	AddBytes(n int)
	IncThrottle()
	IncError()
	IncClientThrottle()
}

// Classifier maps a transport error onto the retryable/fatal distinction
// without this package depending on the root package's Error type.
type Classifier interface {
	Retryable(err error) bool
}

// State is a position in the per-shard fetch state machine.
type State int

const (
	StateUnallocated State = iota
	StateStarting
	StateFetching
	StateThrottled
	StateClosed
	StateDeallocated
)

func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "unallocated"
	case StateStarting:
		return "starting"
	case StateFetching:
		return "fetching"
	case StateThrottled:
		return "throttled"
	case StateClosed:
		return "closed"
	case StateDeallocated:
		return "deallocated"
	default:
		return "unknown"
	}
}

// Config bounds one shard's fetch loop.
type Config struct {
	RecordLimit        int64
	FetchRate          float64
	SleepTimeNoRecords time.Duration
	CheckpointInterval time.Duration
	IteratorPolicy     IteratorPolicy
}

// Worker drives a single shard from allocation through closure or loss of
// ownership. Exactly one goroutine calls Run for the lifetime of a
// Worker; it is not safe for concurrent use.
type Worker struct {
	ShardID string

	cfg        Config
	fetcher    Fetcher
	limiter    *ratelimit.Limiter
	checkpoint CheckpointFunc
	classifier Classifier
	stats      Counters

	out  chan<- Record // shared bounded consumer queue
	lost <-chan struct{}

	state          State
	lastSequence   string
	lastCheckpoint time.Time
}

// NewWorker constructs a Worker for shardID. resumeSequence is the value
// returned by Checkpointer.Allocate; when non-empty the worker starts
// from AFTER_SEQUENCE regardless of cfg.IteratorPolicy.
func NewWorker(shardID string, resumeSequence string, cfg Config, fetcher Fetcher, checkpoint CheckpointFunc, classifier Classifier, stats Counters, out chan<- Record, lost <-chan struct{}) *Worker {
	if cfg.FetchRate <= 0 {
		cfg.FetchRate = 1
	}
	if cfg.RecordLimit <= 0 {
		cfg.RecordLimit = 10000
	}
	if cfg.SleepTimeNoRecords <= 0 {
		cfg.SleepTimeNoRecords = 5 * time.Second
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 60 * time.Second
	}
	w := &Worker{
		ShardID:      shardID,
		cfg:          cfg,
		fetcher:      fetcher,
		limiter:      ratelimit.New(cfg.FetchRate, 1),
		checkpoint:   checkpoint,
		classifier:   classifier,
		stats:        stats,
		out:          out,
		lost:         lost,
		state:        StateUnallocated,
		lastSequence: resumeSequence,
	}
	return w
}

// State returns the worker's current position in the fetch state
// machine, useful for tests and diagnostics.
func (w *Worker) State() State { return w.state }

// Run drives the shard until it closes (end-of-shard), ownership is
// lost, or ctx is cancelled. It returns the last successfully delivered
// sequence so the caller can perform a final checkpoint.
func (w *Worker) Run(ctx context.Context) (finalSequence string, closed bool) {
	w.state = StateStarting
	iter, err := w.fetcher.GetIterator(ctx, w.ShardID, w.effectiveIteratorPolicy(), w.lastSequence)
	if err != nil {
		w.state = StateDeallocated
		return w.lastSequence, false
	}

	boff := backoffutil.New()
	w.state = StateFetching
	w.lastCheckpoint = time.Now()

	for {
		select {
		case <-w.lost:
			w.state = StateDeallocated
			return w.lastSequence, false
		case <-ctx.Done():
			w.checkpointNow(context.Background())
			w.state = StateDeallocated
			return w.lastSequence, false
		default:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			w.checkpointNow(context.Background())
			w.state = StateDeallocated
			return w.lastSequence, false
		}

		res, err := w.fetcher.GetRecords(ctx, iter, w.cfg.RecordLimit)
		if err != nil {
			if w.classifier != nil && w.classifier.Retryable(err) {
				w.stats.IncThrottle()
				w.state = StateThrottled
				if sleepErr := backoffutil.Sleep(ctx, boff); sleepErr != nil {
					w.state = StateDeallocated
					return w.lastSequence, false
				}
				w.state = StateFetching
				continue
			}
			w.stats.IncError()
			w.state = StateDeallocated
			return w.lastSequence, false
		}
		boff.Reset()

		if len(res.Records) == 0 {
			if res.NextIterator == "" {
				w.checkpointNow(ctx)
				w.state = StateClosed
				return w.lastSequence, true
			}
			iter = res.NextIterator
			if time.Since(w.lastCheckpoint) >= w.cfg.CheckpointInterval {
				if !w.checkpointNow(ctx) {
					w.state = StateDeallocated
					return w.lastSequence, false
				}
			}
			select {
			case <-time.After(w.cfg.SleepTimeNoRecords):
			case <-ctx.Done():
				w.checkpointNow(context.Background())
				w.state = StateDeallocated
				return w.lastSequence, false
			}
			continue
		}

		if !w.deliver(ctx, res.Records) {
			w.state = StateDeallocated
			return w.lastSequence, false
		}

		if int64(len(res.Records)) >= w.cfg.RecordLimit && res.MillisBehindLatest > 0 {
			w.stats.IncClientThrottle()
		}

		// Progress is persisted after every delivering fetch, not only on
		// the interval.
		if !w.checkpointNow(ctx) {
			w.state = StateDeallocated
			return w.lastSequence, false
		}

		if res.NextIterator == "" {
			w.checkpointNow(ctx)
			w.state = StateClosed
			return w.lastSequence, true
		}
		iter = res.NextIterator
	}
}

// deliver enqueues records one at a time, pausing (not dropping) when the
// shared queue is full. Returns false if ctx was cancelled or ownership
// was lost mid-delivery.
func (w *Worker) deliver(ctx context.Context, records []Record) bool {
	for _, r := range records {
		r.ShardID = w.ShardID
		select {
		case w.out <- r:
			w.lastSequence = r.SequenceNumber
			w.stats.AddRecords(1)
			w.stats.AddBytes(len(r.Data))
		case <-w.lost:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// checkpointNow persists w.lastSequence. It is a no-op while no record has
// ever been delivered for this shard (w.lastSequence == ""): the shard must
// stay never-checkpointed rather than have an empty string persisted as a
// real sequence.
func (w *Worker) checkpointNow(ctx context.Context) bool {
	w.lastCheckpoint = time.Now()
	if w.checkpoint == nil || w.lastSequence == "" {
		return true
	}
	// Transient write errors and sequence regressions are not fatal to the
	// fetch loop; the next checkpoint retries with a newer sequence. Loss
	// of ownership is.
	stillOwned, _ := w.checkpoint(ctx, w.ShardID, w.lastSequence)
	return stillOwned
}

func (w *Worker) effectiveIteratorPolicy() IteratorPolicy {
	if w.lastSequence != "" {
		return IteratorAfterSequence
	}
	return w.cfg.IteratorPolicy
}
