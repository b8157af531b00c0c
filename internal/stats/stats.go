// Package stats implements writer-local counters exposed via snapshot.
// Each shard worker and producer owns a private Tracker rather than
// writing to a package-level singleton; a Tracker also implements
// prometheus.Collector so callers can register it for scraping.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is a snapshot of accumulated counts. Safe to copy.
type Counters struct {
	Records         uint64
	Bytes           uint64
	Throttles       uint64
	Errors          uint64
	ClientThrottles uint64 // record_limit reached while more data was available
}

// Tracker accumulates counters for a single shard or producer instance.
type Tracker struct {
	records, bytes, throttles, errs, clientThrottles uint64

	streamName, shardID string
}

// New creates a Tracker labelled for Prometheus export.
func New(streamName, shardID string) *Tracker {
	return &Tracker{streamName: streamName, shardID: shardID}
}

func (t *Tracker) AddRecords(n int)   { atomic.AddUint64(&t.records, uint64(n)) }
func (t *Tracker) AddBytes(n int)     { atomic.AddUint64(&t.bytes, uint64(n)) }
func (t *Tracker) IncThrottle()       { atomic.AddUint64(&t.throttles, 1) }
func (t *Tracker) IncError()          { atomic.AddUint64(&t.errs, 1) }
func (t *Tracker) IncClientThrottle() { atomic.AddUint64(&t.clientThrottles, 1) }

// Snapshot returns the current counters without resetting them.
func (t *Tracker) Snapshot() Counters {
	return Counters{
		Records:         atomic.LoadUint64(&t.records),
		Bytes:           atomic.LoadUint64(&t.bytes),
		Throttles:       atomic.LoadUint64(&t.throttles),
		Errors:          atomic.LoadUint64(&t.errs),
		ClientThrottles: atomic.LoadUint64(&t.clientThrottles),
	}
}

var (
	recordsDesc  = prometheus.NewDesc("kinesisclient_records_total", "Records processed.", []string{"stream", "shard"}, nil)
	bytesDesc    = prometheus.NewDesc("kinesisclient_bytes_total", "Bytes processed.", []string{"stream", "shard"}, nil)
	throttleDesc = prometheus.NewDesc("kinesisclient_throttles_total", "Service throttle responses observed.", []string{"stream", "shard"}, nil)
	errorsDesc   = prometheus.NewDesc("kinesisclient_errors_total", "Terminal per-record/service errors observed.", []string{"stream", "shard"}, nil)
)

// Describe implements prometheus.Collector.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- recordsDesc
	ch <- bytesDesc
	ch <- throttleDesc
	ch <- errorsDesc
}

// Collect implements prometheus.Collector.
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	snap := t.Snapshot()
	ch <- prometheus.MustNewConstMetric(recordsDesc, prometheus.CounterValue, float64(snap.Records), t.streamName, t.shardID)
	ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(snap.Bytes), t.streamName, t.shardID)
	ch <- prometheus.MustNewConstMetric(throttleDesc, prometheus.CounterValue, float64(snap.Throttles), t.streamName, t.shardID)
	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(snap.Errors), t.streamName, t.shardID)
}
