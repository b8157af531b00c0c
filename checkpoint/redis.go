package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DistributedCheckpointer coordinates shard ownership across processes
// through Redis, whose Lua scripting gives the atomic
// set-if-absent-with-TTL and compare-and-set operations the allocation,
// heartbeat and checkpoint protocols need.
type DistributedCheckpointer struct {
	rdb       *redis.Client
	name      string
	id        string
	ttl       time.Duration // heartbeat_expiry
	period    time.Duration // heartbeat_frequency
	opTimeout time.Duration // session_timeout, bounds each store operation

	mu        sync.Mutex
	fences    map[string]int64 // shardID -> fencing token held
	cancel    map[string]context.CancelFunc
	allocated map[string]bool // shards allocated since construction or the last Close
	lost      chan Lost
	wg        sync.WaitGroup

	log logrus.FieldLogger
}

// DistributedCheckpointerConfig configures a DistributedCheckpointer.
type DistributedCheckpointerConfig struct {
	Name               string
	ID                 string
	HeartbeatFrequency time.Duration
	HeartbeatExpiry    time.Duration
	SessionTimeout     time.Duration
}

// DefaultDistributedCheckpointerConfig returns the default settings.
func DefaultDistributedCheckpointerConfig() DistributedCheckpointerConfig {
	return DistributedCheckpointerConfig{
		HeartbeatFrequency: 15 * time.Second,
		HeartbeatExpiry:    60 * time.Second,
		SessionTimeout:     10 * time.Second,
	}
}

// NewDistributedCheckpointer builds a DistributedCheckpointer against an
// existing Redis client. The caller owns the client's lifecycle (dialing,
// TLS, auth).
func NewDistributedCheckpointer(rdb *redis.Client, cfg DistributedCheckpointerConfig, log logrus.FieldLogger) *DistributedCheckpointer {
	if cfg.HeartbeatFrequency <= 0 {
		cfg.HeartbeatFrequency = DefaultDistributedCheckpointerConfig().HeartbeatFrequency
	}
	if cfg.HeartbeatExpiry <= 0 {
		cfg.HeartbeatExpiry = DefaultDistributedCheckpointerConfig().HeartbeatExpiry
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultDistributedCheckpointerConfig().SessionTimeout
	}
	if cfg.ID == "" {
		cfg.ID = uuid.Must(uuid.NewV4()).String()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DistributedCheckpointer{
		rdb:       rdb,
		name:      cfg.Name,
		id:        cfg.ID,
		ttl:       cfg.HeartbeatExpiry,
		period:    cfg.HeartbeatFrequency,
		opTimeout: cfg.SessionTimeout,
		fences:    make(map[string]int64),
		cancel:    make(map[string]context.CancelFunc),
		allocated: make(map[string]bool),
		lost:      make(chan Lost, 16),
		log:       log.WithField("checkpointer_id", cfg.ID),
	}
}

func (d *DistributedCheckpointer) lockKey(shardID string) string {
	return fmt.Sprintf("lock:%s:%s", d.name, shardID)
}
func (d *DistributedCheckpointer) heartbeatKey(shardID string) string {
	return fmt.Sprintf("heartbeat:%s:%s", d.name, shardID)
}
func (d *DistributedCheckpointer) seqKey(shardID string) string {
	return fmt.Sprintf("seq:%s:%s", d.name, shardID)
}
func (d *DistributedCheckpointer) fenceKey(shardID string) string {
	return fmt.Sprintf("fence:%s:%s", d.name, shardID)
}

// allocateScript atomically takes an unheld lock, refreshes one already
// held by ARGV[1], or steals one whose heartbeat is older than the expiry,
// returning {acquired(0/1), fencingToken}.
var allocateScript = redis.NewScript(`
local curOwner = redis.call('GET', KEYS[1])
if curOwner == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
  local fence = redis.call('INCR', KEYS[3])
  return {1, fence}
end
if curOwner == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
  local fence = tonumber(redis.call('GET', KEYS[3]))
  if fence == nil then fence = redis.call('INCR', KEYS[3]) end
  return {1, fence}
end
local hb = redis.call('GET', KEYS[2])
if hb ~= false then
  local age = tonumber(ARGV[3]) - tonumber(hb)
  if age <= tonumber(ARGV[4]) then
    return {0, 0}
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
local fence = redis.call('INCR', KEYS[3])
return {1, fence}
`)

// heartbeatScript extends the lock TTL and refreshes the heartbeat
// timestamp iff the caller still owns the lock under the fencing token it
// was issued. Returns 1 on success, 0 if ownership was lost.
var heartbeatScript = redis.NewScript(`
local curOwner = redis.call('GET', KEYS[1])
if curOwner ~= ARGV[1] then return 0 end
local fence = redis.call('GET', KEYS[3])
if fence ~= ARGV[4] then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
return 1
`)

// checkpointScript compare-and-sets the sequence key, conditional on the
// caller still holding the fencing token, and rejects lexicographic
// regressions. Returns {stillOwned(0/1), written(0/1)}.
var checkpointScript = redis.NewScript(`
local curOwner = redis.call('GET', KEYS[2])
if curOwner ~= ARGV[1] then return {0, 0} end
local fence = redis.call('GET', KEYS[3])
if fence ~= ARGV[3] then return {0, 0} end
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= false and cur > ARGV[2] then
  return {1, 0}
end
redis.call('SET', KEYS[1], ARGV[2])
return {1, 1}
`)

// releaseScript deletes the lock and heartbeat keys only while the caller
// still owns the lock, so a voluntary release after a takeover cannot
// destroy the new owner's lease.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('DEL', KEYS[2])
end
return 1
`)

// opCtx bounds a single store operation with the configured session
// timeout.
func (d *DistributedCheckpointer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opTimeout)
}

func (d *DistributedCheckpointer) Allocate(ctx context.Context, shardID string) (bool, string, error) {
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	res, err := allocateScript.Run(ctx, d.rdb,
		[]string{d.lockKey(shardID), d.heartbeatKey(shardID), d.fenceKey(shardID)},
		d.id, d.ttl.Milliseconds(), time.Now().UnixNano(), d.ttl.Nanoseconds(),
	).Result()
	if err != nil {
		return false, "", fmt.Errorf("checkpoint: allocate %s: %w", shardID, err)
	}
	vals := res.([]interface{})
	acquired := vals[0].(int64) == 1
	if !acquired {
		return false, "", nil
	}
	fence := vals[1].(int64)

	seq, err := d.rdb.Get(ctx, d.seqKey(shardID)).Result()
	if err != nil && err != redis.Nil {
		return false, "", fmt.Errorf("checkpoint: read sequence for %s: %w", shardID, err)
	}

	d.mu.Lock()
	d.fences[shardID] = fence
	d.allocated[shardID] = true
	hbCtx, cancel := context.WithCancel(context.Background())
	d.cancel[shardID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.heartbeatLoop(hbCtx, shardID, fence)

	return true, seq, nil
}

func (d *DistributedCheckpointer) heartbeatLoop(ctx context.Context, shardID string, fence int64) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, opCancel := d.opCtx(ctx)
			res, err := heartbeatScript.Run(opCtx, d.rdb,
				[]string{d.lockKey(shardID), d.heartbeatKey(shardID), d.fenceKey(shardID)},
				d.id, d.ttl.Milliseconds(), time.Now().UnixNano(), fence,
			).Int64()
			opCancel()
			if err != nil || res != 1 {
				if ctx.Err() != nil {
					// Cancelled by Deallocate/Close, not a takeover.
					return
				}
				if err != nil {
					d.log.WithField("shard_id", shardID).WithError(err).Warn("heartbeat extend failed")
				}
				d.markLost(shardID)
				return
			}
		}
	}
}

func (d *DistributedCheckpointer) markLost(shardID string) {
	d.mu.Lock()
	delete(d.fences, shardID)
	delete(d.cancel, shardID)
	d.mu.Unlock()
	select {
	case d.lost <- Lost{ShardID: shardID}:
	default:
	}
}

func (d *DistributedCheckpointer) Checkpoint(ctx context.Context, shardID, sequence string) (bool, error) {
	d.mu.Lock()
	fence, ok := d.fences[shardID]
	d.mu.Unlock()
	if !ok {
		return false, ErrContested
	}

	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	res, err := checkpointScript.Run(ctx, d.rdb,
		[]string{d.seqKey(shardID), d.lockKey(shardID), d.fenceKey(shardID)},
		d.id, sequence, fence,
	).Result()
	if err != nil {
		// Transport failure: ownership is unknown, so report it intact and
		// let the heartbeat loop detect a real loss.
		return true, fmt.Errorf("checkpoint: write %s: %w", shardID, err)
	}
	vals := res.([]interface{})
	stillOwned := vals[0].(int64) == 1
	written := vals[1].(int64) == 1
	if stillOwned && !written {
		return true, ErrSequenceRegression
	}
	if !stillOwned {
		d.markLost(shardID)
		return false, ErrContested
	}
	return true, nil
}

func (d *DistributedCheckpointer) Deallocate(ctx context.Context, shardID string) error {
	d.mu.Lock()
	cancel, held := d.cancel[shardID]
	delete(d.fences, shardID)
	delete(d.cancel, shardID)
	d.mu.Unlock()
	if !held {
		return nil
	}
	cancel()
	opCtx, opCancel := d.opCtx(ctx)
	defer opCancel()
	return releaseScript.Run(opCtx, d.rdb,
		[]string{d.lockKey(shardID), d.heartbeatKey(shardID)}, d.id,
	).Err()
}

func (d *DistributedCheckpointer) Close(ctx context.Context) error {
	d.mu.Lock()
	shardIDs := make([]string, 0, len(d.cancel))
	for shardID, cancel := range d.cancel {
		cancel()
		shardIDs = append(shardIDs, shardID)
	}
	d.fences = make(map[string]int64)
	d.cancel = make(map[string]context.CancelFunc)
	d.allocated = make(map[string]bool)
	d.mu.Unlock()
	d.wg.Wait()

	var firstErr error
	for _, shardID := range shardIDs {
		opCtx, opCancel := d.opCtx(ctx)
		err := releaseScript.Run(opCtx, d.rdb,
			[]string{d.lockKey(shardID), d.heartbeatKey(shardID)}, d.id,
		).Err()
		opCancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetAllCheckpoints reads the current sequence for every shard this
// instance has allocated since construction or the last Close. Close
// resets the view; the sequence keys themselves persist in Redis.
func (d *DistributedCheckpointer) GetAllCheckpoints() map[string]*string {
	d.mu.Lock()
	shardIDs := make([]string, 0, len(d.allocated))
	for shardID := range d.allocated {
		shardIDs = append(shardIDs, shardID)
	}
	d.mu.Unlock()

	out := make(map[string]*string, len(shardIDs))
	for _, shardID := range shardIDs {
		opCtx, opCancel := d.opCtx(context.Background())
		seq, err := d.rdb.Get(opCtx, d.seqKey(shardID)).Result()
		opCancel()
		if err != nil {
			out[shardID] = nil
			continue
		}
		s := seq
		out[shardID] = &s
	}
	return out
}

func (d *DistributedCheckpointer) Lost() <-chan Lost { return d.lost }
