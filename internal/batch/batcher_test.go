package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounters struct {
	mu                             sync.Mutex
	records, bytes, throttle, errs int
}

func (f *fakeCounters) AddRecords(n int) { f.mu.Lock(); f.records += n; f.mu.Unlock() }
func (f *fakeCounters) AddBytes(n int)   { f.mu.Lock(); f.bytes += n; f.mu.Unlock() }
func (f *fakeCounters) IncThrottle()     { f.mu.Lock(); f.throttle++; f.mu.Unlock() }
func (f *fakeCounters) IncError()        { f.mu.Lock(); f.errs++; f.mu.Unlock() }

func TestBatcher_FlushesOnCountTrigger(t *testing.T) {
	in := make(chan *Item, 10)
	var submitted [][]Entry
	var mu sync.Mutex
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		mu.Lock()
		submitted = append(submitted, entries)
		mu.Unlock()
		results := make([]EntryResult, len(entries))
		for i := range results {
			results[i] = EntryResult{Success: true}
		}
		return results, nil
	}

	b := New(Config{BatchSize: 2, BufferTime: time.Hour, RetryLimit: 3}, in, put, nil, &fakeCounters{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushNow := make(chan chan struct{})
	done := make(chan struct{})
	go func() { b.Run(ctx, flushNow); close(done) }()

	items := []*Item{NewItem(Entry{Data: []byte("a")}), NewItem(Entry{Data: []byte("b")})}
	for _, it := range items {
		in <- it
	}

	for _, it := range items {
		select {
		case <-it.Done:
			assert.NoError(t, it.Err)
		case <-time.After(time.Second):
			t.Fatal("item did not complete after count-triggered flush")
		}
	}

	mu.Lock()
	assert.Len(t, submitted, 1)
	assert.Len(t, submitted[0], 2)
	mu.Unlock()
}

func TestBatcher_FlushesOnBufferTimeTrigger(t *testing.T) {
	in := make(chan *Item, 10)
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		results := make([]EntryResult, len(entries))
		for i := range results {
			results[i] = EntryResult{Success: true}
		}
		return results, nil
	}

	b := New(Config{BatchSize: 500, BufferTime: 50 * time.Millisecond, RetryLimit: 3}, in, put, nil, &fakeCounters{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx, make(chan chan struct{}))

	it := NewItem(Entry{Data: []byte("solo")})
	in <- it

	select {
	case <-it.Done:
		assert.NoError(t, it.Err)
	case <-time.After(time.Second):
		t.Fatal("item was not flushed after buffer_time elapsed")
	}
}

func TestBatcher_PartialFailureRetriesThenSucceeds(t *testing.T) {
	in := make(chan *Item, 10)
	var attempt int
	var mu sync.Mutex
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		results := make([]EntryResult, len(entries))
		for i := range results {
			if n == 1 {
				results[i] = EntryResult{Success: false, Retryable: true, Err: errors.New("throttled")}
			} else {
				results[i] = EntryResult{Success: true}
			}
		}
		return results, nil
	}

	b := New(Config{BatchSize: 1, BufferTime: 20 * time.Millisecond, RetryLimit: 3}, in, put, nil, &fakeCounters{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, make(chan chan struct{}))

	it := NewItem(Entry{Data: []byte("x")})
	in <- it

	select {
	case <-it.Done:
		assert.NoError(t, it.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("item did not eventually succeed after retry")
	}
}

func TestBatcher_PermanentFailureReportsToSink(t *testing.T) {
	in := make(chan *Item, 10)
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		results := make([]EntryResult, len(entries))
		for i := range results {
			results[i] = EntryResult{Success: false, Retryable: false, Err: errors.New("bad record")}
		}
		return results, nil
	}

	var sinkMu sync.Mutex
	var sinkCalls int
	sink := func(entry Entry, err error) {
		sinkMu.Lock()
		sinkCalls++
		sinkMu.Unlock()
	}

	b := New(Config{BatchSize: 1, BufferTime: 20 * time.Millisecond, RetryLimit: 3}, in, put, sink, &fakeCounters{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, make(chan chan struct{}))

	it := NewItem(Entry{Data: []byte("x")})
	in <- it

	select {
	case <-it.Done:
		require.Error(t, it.Err)
	case <-time.After(time.Second):
		t.Fatal("item did not finish")
	}

	sinkMu.Lock()
	assert.Equal(t, 1, sinkCalls)
	sinkMu.Unlock()
}

func TestBatcher_ShrinksEffectiveSizeOnMajorityFailure(t *testing.T) {
	in := make(chan *Item, 10)
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		results := make([]EntryResult, len(entries))
		for i := range results {
			results[i] = EntryResult{Success: i == 0} // first succeeds, rest permanently fail
		}
		return results, nil
	}

	b := New(Config{BatchSize: 10, BufferTime: time.Hour, RetryLimit: 1}, in, put, func(Entry, error) {}, &fakeCounters{})
	assert.Equal(t, 10, b.effective)

	items := make([]*Item, 4)
	for i := range items {
		items[i] = NewItem(Entry{Data: []byte("x")})
	}
	b.flush(context.Background(), items)

	assert.Equal(t, 5, b.effective, "more than half the batch failing must halve the effective batch size")
}

func TestBatcher_GrowsEffectiveSizeOnFullSuccess(t *testing.T) {
	in := make(chan *Item, 10)
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		results := make([]EntryResult, len(entries))
		for i := range results {
			results[i] = EntryResult{Success: true}
		}
		return results, nil
	}

	b := New(Config{BatchSize: 100, BufferTime: time.Hour, RetryLimit: 1}, in, put, nil, &fakeCounters{})
	b.effective = 50

	items := []*Item{NewItem(Entry{Data: []byte("x")})}
	b.flush(context.Background(), items)

	assert.Equal(t, 55, b.effective, "a fully successful batch should grow the effective size by 10% of the remaining gap")
}

func TestBatcher_FlushNowDrainsQueueAndRetries(t *testing.T) {
	in := make(chan *Item, 100)
	var calls int
	var mu sync.Mutex
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		results := make([]EntryResult, len(entries))
		for i := range results {
			if first {
				results[i] = EntryResult{Success: false, Retryable: true, Err: errors.New("throttled")}
			} else {
				results[i] = EntryResult{Success: true}
			}
		}
		return results, nil
	}

	b := New(Config{BatchSize: 4, BufferTime: time.Hour, RetryLimit: 5}, in, put, nil, &fakeCounters{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushNow := make(chan chan struct{})
	go b.Run(ctx, flushNow)

	items := make([]*Item, 10)
	for i := range items {
		items[i] = NewItem(Entry{Data: []byte("x")})
		in <- items[i]
	}

	ack := make(chan struct{})
	flushNow <- ack
	select {
	case <-ack:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not complete")
	}

	for i, it := range items {
		select {
		case <-it.Done:
			assert.NoError(t, it.Err, "item %d", i)
		default:
			t.Fatalf("item %d still pending after flush returned", i)
		}
	}
}

func TestBatcher_TransportFailureRequeuesWholeBatch(t *testing.T) {
	in := make(chan *Item, 10)
	var calls int
	var mu sync.Mutex
	put := func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		results := make([]EntryResult, len(entries))
		for i := range results {
			results[i] = EntryResult{Success: true}
		}
		return results, nil
	}

	b := New(Config{BatchSize: 1, BufferTime: 20 * time.Millisecond, RetryLimit: 3}, in, put, nil, &fakeCounters{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, make(chan chan struct{}))

	it := NewItem(Entry{Data: []byte("x")})
	in <- it

	select {
	case <-it.Done:
		assert.NoError(t, it.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("item did not eventually succeed after transport-level retry")
	}
}
