package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTracker_Snapshot(t *testing.T) {
	tr := New("my-stream", "shard-0")
	tr.AddRecords(3)
	tr.AddBytes(120)
	tr.IncThrottle()
	tr.IncError()
	tr.IncClientThrottle()

	snap := tr.Snapshot()
	assert.EqualValues(t, 3, snap.Records)
	assert.EqualValues(t, 120, snap.Bytes)
	assert.EqualValues(t, 1, snap.Throttles)
	assert.EqualValues(t, 1, snap.Errors)
	assert.EqualValues(t, 1, snap.ClientThrottles)
}

func TestTracker_CollectRegistersAsCollector(t *testing.T) {
	tr := New("my-stream", "shard-0")
	tr.AddRecords(5)

	count := testutil.CollectAndCount(tr)
	assert.Equal(t, 4, count, "Describe/Collect should expose exactly the four series")
}
