package kinesisclient

import "time"

// MaxRecordBytes is the service's hard per-record payload ceiling.
const MaxRecordBytes = 1 << 20 // 1 MiB

// MaxBatchBytes is the service's hard per-batch byte ceiling, enforced
// regardless of the configured batch size.
const MaxBatchBytes = 5 << 20 // 5 MiB

// MaxBatchCount is the service's hard per-batch record count ceiling.
const MaxBatchCount = 500

// Record is a producer-side record: an opaque payload plus optional
// partition/hash key overrides.
type Record struct {
	Data         []byte
	PartitionKey string
	// ExplicitHashKey, when non-empty, overrides the service's default
	// hashing of PartitionKey to determine the destination shard.
	ExplicitHashKey string
}

// Size returns the payload size in bytes used for batch accounting.
func (r Record) Size() int { return len(r.Data) }

// ConsumerRecord is a consumer-side delivered record.
type ConsumerRecord struct {
	Data             []byte
	SequenceNumber   string
	PartitionKey     string
	ArrivalTimestamp time.Time
	ShardID          string
}
