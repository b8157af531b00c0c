// Producer accepts records, aggregates them into batches via
// internal/batch, and flushes them against the remote service's
// PutRecords operation, retrying partially-failed batches and shrinking
// the batch size adaptively under sustained failure.
package kinesisclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/kinesis-client/internal/batch"
	"github.com/usedatabrew/kinesis-client/internal/ratelimit"
	"github.com/usedatabrew/kinesis-client/internal/stats"
)

// Producer is the batching/backpressure engine for putting records onto a
// stream. Zero value is not usable; construct with NewProducer.
type Producer struct {
	cfg    ProducerConfig
	client KinesisAPI
	log    logrus.FieldLogger

	stats   *stats.Tracker
	limiter *ratelimit.Limiter

	queue    chan *batch.Item
	batcher  *batch.Batcher
	flushNow chan chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	runDone   chan struct{}
	cancel    context.CancelFunc
}

// NewProducer constructs a Producer against client for the stream named
// in cfg.StreamName. The background batcher is not started until Start is
// called.
func NewProducer(client KinesisAPI, cfg ProducerConfig, log logrus.FieldLogger) *Producer {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Producer{
		cfg:      cfg,
		client:   client,
		log:      log.WithField("stream", cfg.StreamName),
		stats:    stats.New(cfg.StreamName, ""),
		limiter:  ratelimit.New(cfg.PutRateLimitPerShard, int(cfg.PutRateLimitPerShard)),
		queue:    make(chan *batch.Item, cfg.MaxQueueSize),
		flushNow: make(chan chan struct{}),
		runDone:  make(chan struct{}),
	}
	p.batcher = batch.New(batch.Config{
		BatchSize:  cfg.BatchSize,
		BufferTime: cfg.BufferTime,
		RetryLimit: cfg.RetryLimit,
	}, p.queue, p.putRecords, p.onPermanentFailure, p.stats)
	return p
}

// Start establishes the background batcher task. Safe to call once;
// subsequent calls are no-ops.
func (p *Producer) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.started.Store(true)
		go func() {
			defer close(p.runDone)
			p.batcher.Run(runCtx, p.flushNow)
		}()
	})
}

// Close cancels the background batcher, drains in-flight work and
// releases all resources. Safe to call multiple times.
func (p *Producer) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		if !p.started.Load() {
			return
		}
		p.Flush(ctx)
		close(p.queue)
		if p.cancel != nil {
			p.cancel()
		}
		select {
		case <-p.runDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// CreateStream idempotently creates the stream, treating StreamExists as
// success.
func (p *Producer) CreateStream(ctx context.Context, shardCount int64) error {
	_, err := p.client.CreateStreamWithContext(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(p.cfg.StreamName),
		ShardCount: aws.Int64(shardCount),
	})
	if err == nil {
		return nil
	}
	kerr := classifyAWSError(err)
	if kerr.Kind == KindStreamExists {
		return nil
	}
	return kerr
}

// DescribeStream returns the service's description of the producer's
// stream (status, shards, retention).
func (p *Producer) DescribeStream(ctx context.Context) (*kinesis.StreamDescription, error) {
	out, err := p.client.DescribeStreamWithContext(ctx, &kinesis.DescribeStreamInput{
		StreamName: aws.String(p.cfg.StreamName),
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}
	return out.StreamDescription, nil
}

// Put enqueues record for batched delivery. It fails synchronously with
// KindExceededPutLimit if record exceeds the 1 MiB payload ceiling;
// otherwise it blocks (cooperatively, respecting ctx) until the record is
// accepted into the internal queue.
func (p *Producer) Put(ctx context.Context, record Record) error {
	if record.Size() > MaxRecordBytes {
		return newError(KindExceededPutLimit, nil, "record of %d bytes exceeds %d byte ceiling", record.Size(), MaxRecordBytes)
	}
	item := batch.NewItem(batch.Entry{
		Data:            record.Data,
		PartitionKey:    record.PartitionKey,
		ExplicitHashKey: record.ExplicitHashKey,
	})
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return newError(KindCancelled, ctx.Err(), "put cancelled while queue full")
	}
}

// PutAndWait is Put followed by waiting for that specific record's
// terminal outcome (delivered or permanently failed).
func (p *Producer) PutAndWait(ctx context.Context, record Record) error {
	if record.Size() > MaxRecordBytes {
		return newError(KindExceededPutLimit, nil, "record of %d bytes exceeds %d byte ceiling", record.Size(), MaxRecordBytes)
	}
	item := batch.NewItem(batch.Entry{
		Data:            record.Data,
		PartitionKey:    record.PartitionKey,
		ExplicitHashKey: record.ExplicitHashKey,
	})
	select {
	case p.queue <- item:
	case <-ctx.Done():
		return newError(KindCancelled, ctx.Err(), "put cancelled while queue full")
	}
	select {
	case <-item.Done:
		return item.Err
	case <-ctx.Done():
		return newError(KindCancelled, ctx.Err(), "wait for put outcome cancelled")
	}
}

// Flush blocks until all currently-enqueued records are either
// acknowledged or have exhausted retries.
func (p *Producer) Flush(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case p.flushNow <- ack:
	case <-p.runDone:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-p.runDone:
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of this producer's counters.
func (p *Producer) Stats() stats.Counters { return p.stats.Snapshot() }

// putRecords implements batch.PutRecordsFunc against PutRecordsWithContext,
// translating the service's per-record ErrorCode into batch.EntryResult.
func (p *Producer) putRecords(ctx context.Context, entries []batch.Entry) ([]batch.EntryResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqEntries := make([]*kinesis.PutRecordsRequestEntry, len(entries))
	for i, e := range entries {
		pk := e.PartitionKey
		if pk == "" {
			// PutRecords requires a non-empty partition key; a random one
			// spreads keyless records across shards.
			pk = uuid.Must(uuid.NewV4()).String()
		}
		re := &kinesis.PutRecordsRequestEntry{
			Data:         e.Data,
			PartitionKey: aws.String(pk),
		}
		if e.ExplicitHashKey != "" {
			re.ExplicitHashKey = aws.String(e.ExplicitHashKey)
		}
		reqEntries[i] = re
	}

	out, err := p.client.PutRecordsWithContext(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(p.cfg.StreamName),
		Records:    reqEntries,
	})
	if err != nil {
		return nil, err
	}

	results := make([]batch.EntryResult, len(out.Records))
	for i, rr := range out.Records {
		if rr.ErrorCode == nil {
			results[i] = batch.EntryResult{Success: true}
			continue
		}
		kerr := classifyPutRecordsErrorCode(*rr.ErrorCode, rr.ErrorMessage)
		results[i] = batch.EntryResult{
			Success:   false,
			Retryable: IsRetryable(kerr),
			Err:       kerr,
		}
	}
	return results, nil
}

// classifyPutRecordsErrorCode maps a single PutRecords result entry's
// ErrorCode (a string, distinct from the call-level awserr.Error used by
// classifyAWSError) onto this package's Kind taxonomy.
func classifyPutRecordsErrorCode(code string, message *string) *Error {
	msg := ""
	if message != nil {
		msg = *message
	}
	switch code {
	case "ProvisionedThroughputExceededException":
		return newError(KindThrottled, fmt.Errorf("%s", msg), "record throughput exceeded")
	case "InternalFailure", ErrCodeKMSThrottlingException:
		return newError(KindServiceInternal, fmt.Errorf("%s", msg), code)
	default:
		return newError(KindServiceInternal, fmt.Errorf("%s", msg), "unclassified put-records error %s", code)
	}
}

func (p *Producer) onPermanentFailure(entry batch.Entry, err error) {
	p.log.WithError(err).WithField("partition_key", entry.PartitionKey).Warn("record permanently failed")
}
