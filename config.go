package kinesisclient

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// IteratorType selects the starting position for a new shard iterator.
type IteratorType string

const (
	IteratorTrimHorizon   IteratorType = "TRIM_HORIZON"
	IteratorLatest        IteratorType = "LATEST"
	IteratorAtSequence    IteratorType = "AT_SEQUENCE"
	IteratorAfterSequence IteratorType = "AFTER_SEQUENCE"
)

// shardFetchRateCeiling is the service's hard ceiling on GetRecords calls
// per shard per second.
const shardFetchRateCeiling = 5.0

// ProducerConfig configures a Producer. Zero values are replaced by
// DefaultProducerConfig's defaults via NewProducer.
type ProducerConfig struct {
	EndpointURL          string        `yaml:"endpoint_url"`
	Region               string        `yaml:"region"`
	StreamName           string        `yaml:"stream_name"`
	BufferTime           time.Duration `yaml:"buffer_time"`
	BatchSize            int           `yaml:"batch_size"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	PutRateLimitPerShard float64       `yaml:"put_rate_limit_per_shard"`
	RetryLimit           int           `yaml:"retry_limit"`
}

// DefaultProducerConfig returns the default producer settings.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BufferTime:           500 * time.Millisecond,
		BatchSize:            500,
		MaxQueueSize:         10000,
		PutRateLimitPerShard: 1000,
		RetryLimit:           3,
	}
}

func (c *ProducerConfig) applyDefaults() {
	d := DefaultProducerConfig()
	if c.BufferTime <= 0 {
		c.BufferTime = d.BufferTime
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchSize > MaxBatchCount {
		c.BatchSize = MaxBatchCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.PutRateLimitPerShard <= 0 {
		c.PutRateLimitPerShard = d.PutRateLimitPerShard
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	EndpointURL        string        `yaml:"endpoint_url"`
	Region             string        `yaml:"region"`
	StreamName         string        `yaml:"stream_name"`
	MaxShardConsumers  int           `yaml:"max_shard_consumers"`
	RecordLimit        int64         `yaml:"record_limit"`
	ShardFetchRate     float64       `yaml:"shard_fetch_rate"`
	SleepTimeNoRecords time.Duration `yaml:"sleep_time_no_records"`
	IteratorType       IteratorType  `yaml:"iterator_type"`
	MaxQueueSize       int           `yaml:"max_queue_size"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// DefaultConsumerConfig returns the default consumer settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxShardConsumers:  0, // unbounded
		RecordLimit:        10000,
		ShardFetchRate:     1,
		SleepTimeNoRecords: 5 * time.Second,
		IteratorType:       IteratorTrimHorizon,
		MaxQueueSize:       10000,
		CheckpointInterval: 60 * time.Second,
	}
}

func (c *ConsumerConfig) applyDefaults() {
	d := DefaultConsumerConfig()
	if c.RecordLimit <= 0 {
		c.RecordLimit = d.RecordLimit
	}
	if c.ShardFetchRate <= 0 {
		c.ShardFetchRate = d.ShardFetchRate
	}
	if c.ShardFetchRate > shardFetchRateCeiling {
		c.ShardFetchRate = shardFetchRateCeiling
	}
	if c.SleepTimeNoRecords <= 0 {
		c.SleepTimeNoRecords = d.SleepTimeNoRecords
	}
	if c.IteratorType == "" {
		c.IteratorType = d.IteratorType
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
}

// LoadYAML decodes a yaml document at path into v. Defaults are applied
// by the constructor consuming the decoded struct, not by the decode step
// itself.
func LoadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}
