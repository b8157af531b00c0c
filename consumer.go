// Consumer discovers a stream's shards, negotiates ownership through a
// pluggable Checkpointer, spawns one fetch task per owned shard, and
// exposes a "drain now-available records" surface over a shared bounded
// queue.
package kinesisclient

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/kinesis-client/checkpoint"
	"github.com/usedatabrew/kinesis-client/internal/shard"
	"github.com/usedatabrew/kinesis-client/internal/stats"
)

// Consumer is the shard-fetch engine reading a stream. Zero value is not
// usable; construct with NewConsumer.
type Consumer struct {
	cfg          ConsumerConfig
	client       KinesisAPI
	checkpointer checkpoint.Checkpointer
	log          logrus.FieldLogger

	queue chan ConsumerRecord

	mu    sync.Mutex
	owned map[string]*ownedShard

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

type ownedShard struct {
	cancel context.CancelFunc
	lostCh chan struct{}
	stats  *stats.Tracker
}

// NewConsumer constructs a Consumer for cfg.StreamName, reading through
// client and coordinating ownership through checkpointer. checkpointer
// may be nil, in which case an in-memory single-process checkpointer is
// used (every Consumer instance then behaves as the sole owner of every
// shard it discovers).
func NewConsumer(client KinesisAPI, checkpointer checkpoint.Checkpointer, cfg ConsumerConfig, log logrus.FieldLogger) *Consumer {
	cfg.applyDefaults()
	if checkpointer == nil {
		checkpointer = checkpoint.NewMemoryCheckpointer()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{
		cfg:          cfg,
		client:       client,
		checkpointer: checkpointer,
		log:          log.WithField("stream", cfg.StreamName),
		queue:        make(chan ConsumerRecord, cfg.MaxQueueSize),
		owned:        make(map[string]*ownedShard),
	}
}

// Start begins shard discovery/allocation and the ownership-loss watcher.
// Safe to call once; subsequent calls are no-ops.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.discoverLoop(runCtx)
	go c.lostLoop(runCtx)
}

// Close cancels all per-shard fetch tasks, releases owned shards through
// the checkpointer, and waits for background tasks to exit.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.checkpointer.Close(ctx)
}

// Drain returns up to max currently-buffered records without blocking
// past what is already available. A returned slice shorter than max
// (including empty) means the buffer is currently exhausted; the caller
// may call Drain again later. max <= 0 drains whatever is buffered now.
func (c *Consumer) Drain(max int) []ConsumerRecord {
	if max <= 0 {
		max = len(c.queue)
		if max == 0 {
			return nil
		}
	}
	out := make([]ConsumerRecord, 0, max)
	for len(out) < max {
		select {
		case r := <-c.queue:
			out = append(out, r)
		default:
			return out
		}
	}
	return out
}

// Stats returns counters aggregated across currently owned shards.
func (c *Consumer) Stats() stats.Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	var agg stats.Counters
	for _, os := range c.owned {
		snap := os.stats.Snapshot()
		agg.Records += snap.Records
		agg.Bytes += snap.Bytes
		agg.Throttles += snap.Throttles
		agg.Errors += snap.Errors
		agg.ClientThrottles += snap.ClientThrottles
	}
	return agg
}

// discoverLoop lists shards, allocates unclaimed ones up to
// max_shard_consumers, holds back children until their parents are fully
// drained, and repeats every rebalance tick.
func (c *Consumer) discoverLoop(ctx context.Context) {
	defer c.wg.Done()
	const rebalancePeriod = 30 * time.Second

	for {
		c.discoverOnce(ctx)
		select {
		case <-time.After(rebalancePeriod):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) discoverOnce(ctx context.Context) {
	shards, err := c.listAllShards(ctx)
	if err != nil {
		c.log.WithError(err).Warn("list shards failed")
		return
	}

	c.mu.Lock()
	ownedCount := len(c.owned)
	c.mu.Unlock()

	for _, s := range shards {
		if ctx.Err() != nil {
			return
		}
		shardID := aws.StringValue(s.ShardId)

		var parents []string
		if s.ParentShardId != nil {
			parents = append(parents, *s.ParentShardId)
		}
		if s.AdjacentParentShardId != nil {
			parents = append(parents, *s.AdjacentParentShardId)
		}

		c.mu.Lock()
		_, already := c.owned[shardID]
		atCapacity := c.cfg.MaxShardConsumers > 0 && ownedCount >= c.cfg.MaxShardConsumers
		parentDraining := false
		for _, p := range parents {
			if _, ok := c.owned[p]; ok {
				parentDraining = true
			}
		}
		c.mu.Unlock()

		if already || atCapacity || parentDraining {
			continue
		}
		if !allParentsClosed(parents, shards) {
			continue
		}

		acquired, resumeSeq, err := c.checkpointer.Allocate(ctx, shardID)
		if err != nil {
			c.log.WithError(err).WithField("shard_id", shardID).Warn("allocate failed")
			continue
		}
		if !acquired {
			continue
		}

		c.spawnWorker(ctx, shardID, resumeSeq)
		ownedCount++
	}
}

// listAllShards pages through ListShards, following NextToken until the
// service reports none.
func (c *Consumer) listAllShards(ctx context.Context) ([]*kinesis.Shard, error) {
	var (
		shards    []*kinesis.Shard
		nextToken *string
	)
	for {
		in := &kinesis.ListShardsInput{}
		if nextToken != nil {
			in.NextToken = nextToken
		} else {
			in.StreamName = aws.String(c.cfg.StreamName)
		}
		out, err := c.client.ListShardsWithContext(ctx, in)
		if err != nil {
			return nil, err
		}
		shards = append(shards, out.Shards...)
		if out.NextToken == nil {
			return shards, nil
		}
		nextToken = out.NextToken
	}
}

// allParentsClosed reports whether every shard id in parents is present
// in shards and marked finished (or absent entirely, e.g. already aged
// out of the service's listing). A closed parent must drain to
// end-of-shard before its children are allocated.
func allParentsClosed(parents []string, shards []*kinesis.Shard) bool {
	for _, p := range parents {
		for _, s := range shards {
			if aws.StringValue(s.ShardId) == p && !isShardFinished(s) {
				return false
			}
		}
	}
	return true
}

func isShardFinished(s *kinesis.Shard) bool {
	if s.SequenceNumberRange == nil || s.SequenceNumberRange.EndingSequenceNumber == nil {
		return false
	}
	return true
}

func (c *Consumer) spawnWorker(ctx context.Context, shardID, resumeSeq string) {
	workerCtx, cancel := context.WithCancel(ctx)
	lostCh := make(chan struct{})
	st := stats.New(c.cfg.StreamName, shardID)

	c.mu.Lock()
	c.owned[shardID] = &ownedShard{cancel: cancel, lostCh: lostCh, stats: st}
	c.mu.Unlock()

	adapted, stopAdapter := c.newQueueAdapter(workerCtx)

	worker := shard.NewWorker(shardID, resumeSeq, shard.Config{
		RecordLimit:        c.cfg.RecordLimit,
		FetchRate:          c.cfg.ShardFetchRate,
		SleepTimeNoRecords: c.cfg.SleepTimeNoRecords,
		CheckpointInterval: c.cfg.CheckpointInterval,
		IteratorPolicy:     shard.IteratorPolicy(c.cfg.IteratorType),
	}, c, c.checkpointer.Checkpoint, classifierFunc(IsRetryable), st, adapted, lostCh)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		_, _ = worker.Run(workerCtx)
		stopAdapter()

		c.mu.Lock()
		delete(c.owned, shardID)
		c.mu.Unlock()

		// Release the shard unless ownership was already lost to another
		// consumer (in which case the lease is not ours to delete any
		// more). Error exits release too, so a later discovery pass can
		// re-allocate and retry the shard rather than leaving it locked
		// by an instance that stopped fetching it.
		select {
		case <-lostCh:
			return
		default:
		}
		if err := c.checkpointer.Deallocate(context.Background(), shardID); err != nil {
			c.log.WithError(err).WithField("shard_id", shardID).Warn("deallocate shard failed")
		}
	}()
}

// newQueueAdapter converts the shard package's Record channel into the
// root package's ConsumerRecord channel without either package depending
// on the other's types. The returned stop function must be called exactly
// once, after the worker feeding the channel has stopped, to let the
// adapter goroutine exit.
func (c *Consumer) newQueueAdapter(ctx context.Context) (chan<- shard.Record, func()) {
	adapted := make(chan shard.Record)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range adapted {
			select {
			case c.queue <- ConsumerRecord{
				Data:             r.Data,
				SequenceNumber:   r.SequenceNumber,
				PartitionKey:     r.PartitionKey,
				ArrivalTimestamp: r.ArrivalTime,
				ShardID:          r.ShardID,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	stop := func() {
		close(adapted)
		<-done
	}
	return adapted, stop
}

// lostLoop watches the checkpointer's loss notifications and closes the
// corresponding shard's lost channel, which unblocks that shard's fetch
// loop at its next suspension point.
func (c *Consumer) lostLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case l, ok := <-c.checkpointer.Lost():
			if !ok {
				return
			}
			c.mu.Lock()
			if os, found := c.owned[l.ShardID]; found {
				select {
				case <-os.lostCh:
				default:
					close(os.lostCh)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// classifierFunc adapts a plain func(error) bool to shard.Classifier.
type classifierFunc func(error) bool

func (f classifierFunc) Retryable(err error) bool { return f(err) }

// GetIterator implements shard.Fetcher against KinesisAPI.
func (c *Consumer) GetIterator(ctx context.Context, shardID string, policy shard.IteratorPolicy, sequence string) (string, error) {
	itType := kinesis.ShardIteratorTypeTrimHorizon
	var startingSeq *string
	switch policy {
	case shard.IteratorLatest:
		itType = kinesis.ShardIteratorTypeLatest
	case shard.IteratorAtSequence:
		itType = kinesis.ShardIteratorTypeAtSequenceNumber
		startingSeq = aws.String(sequence)
	case shard.IteratorAfterSequence:
		itType = kinesis.ShardIteratorTypeAfterSequenceNumber
		startingSeq = aws.String(sequence)
	}

	out, err := c.client.GetShardIteratorWithContext(ctx, &kinesis.GetShardIteratorInput{
		StreamName:             aws.String(c.cfg.StreamName),
		ShardId:                aws.String(shardID),
		ShardIteratorType:      aws.String(itType),
		StartingSequenceNumber: startingSeq,
	})
	if err != nil {
		return "", classifyAWSError(err)
	}
	return aws.StringValue(out.ShardIterator), nil
}

// GetRecords implements shard.Fetcher against KinesisAPI.
func (c *Consumer) GetRecords(ctx context.Context, iterator string, limit int64) (shard.FetchResult, error) {
	out, err := c.client.GetRecordsWithContext(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(iterator),
		Limit:         aws.Int64(limit),
	})
	if err != nil {
		return shard.FetchResult{}, classifyAWSError(err)
	}

	records := make([]shard.Record, len(out.Records))
	for i, r := range out.Records {
		records[i] = shard.Record{
			Data:           r.Data,
			SequenceNumber: aws.StringValue(r.SequenceNumber),
			PartitionKey:   aws.StringValue(r.PartitionKey),
			ArrivalTime:    aws.TimeValue(r.ApproximateArrivalTimestamp),
		}
	}
	return shard.FetchResult{
		Records:            records,
		NextIterator:       aws.StringValue(out.NextShardIterator),
		MillisBehindLatest: aws.Int64Value(out.MillisBehindLatest),
	}, nil
}
