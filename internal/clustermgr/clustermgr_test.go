package clustermgr

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

type recordingNodes struct {
	added   []string
	removed []string
}

func (r *recordingNodes) Add(_ context.Context, kind string, n int) error {
	for i := 0; i < n; i++ {
		r.added = append(r.added, kind)
	}
	return nil
}

func (r *recordingNodes) Remove(_ context.Context, kind, ip string) error {
	r.removed = append(r.removed, ip)
	return nil
}

func newTestManager() (*ClusterManager, *recordingNodes) {
	nodes := &recordingNodes{}
	sock := transport.NewSocketCache(transport.DefaultDialer)
	return New(nodes, sock), nodes
}

// ingestFleet seeds n distinct executor IPs, each with 3 threads (mirroring
// the original's NUM_EXEC_THREADS) reporting utilization u.
func ingestFleet(mgr *ClusterManager, n int, u float64) {
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		for tid := 0; tid < 3; tid++ {
			mgr.IngestStatus(wire.ThreadStatus{IP: ip, TID: tid, Utilization: u})
		}
	}
}

func TestFleetStatsEmptyFleet(t *testing.T) {
	mgr, _ := newTestManager()
	mean, meanPinned, nodeCount, n := mgr.fleetStats()
	assert.Zero(t, mean)
	assert.Zero(t, meanPinned)
	assert.Zero(t, nodeCount)
	assert.Zero(t, n)
}

func TestTickScalesOutWhenOverUtilizationThreshold(t *testing.T) {
	mgr, nodes := newTestManager()
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.95})

	mgr.tick(context.Background())
	assert.Len(t, nodes.added, scaleOutNodes)
}

func TestTickScalesOutWhenPinnedCountExceedsMax(t *testing.T) {
	mgr, nodes := newTestManager()
	var fns []string
	for i := 0; i < pinnedCountMax+1; i++ {
		fns = append(fns, fmt.Sprintf("fn-%d", i))
	}
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.01, Functions: fns})

	mgr.tick(context.Background())
	assert.Len(t, nodes.added, scaleOutNodes)
}

func TestTickRespectsScaleOutGrace(t *testing.T) {
	mgr, nodes := newTestManager()
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.95})

	mgr.tick(context.Background())
	require.Len(t, nodes.added, scaleOutNodes)

	// Second tick immediately after must be suppressed by the grace period.
	mgr.tick(context.Background())
	assert.Len(t, nodes.added, scaleOutNodes, "scale out should not retrigger within the grace window")
}

func TestTickScalesInWhenFleetLargeAndUnderutilized(t *testing.T) {
	mgr, nodes := newTestManager()
	ingestFleet(mgr, scaleInNodeMin+1, 0.01)

	mgr.tick(context.Background())
	require.Len(t, nodes.added, 0)
	require.Empty(t, nodes.removed, "scaleIn only departs threads; Remove waits for DepartDone")

	mgr.mu.Lock()
	departingIPs := len(mgr.departing)
	mgr.mu.Unlock()
	assert.Equal(t, 1, departingIPs, "exactly one executor IP should be mid-departure")
}

func TestTickDoesNotScaleInSmallFleet(t *testing.T) {
	mgr, nodes := newTestManager()
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.01})

	mgr.tick(context.Background())
	assert.Empty(t, nodes.removed, "must never scale in a fleet at or below the node floor")
	mgr.mu.Lock()
	assert.Empty(t, mgr.departing)
	mgr.mu.Unlock()
}

func TestIngestDepartDoneRemovesOnlyAfterEveryThreadReports(t *testing.T) {
	mgr, nodes := newTestManager()
	ingestFleet(mgr, scaleInNodeMin+1, 0.01)
	mgr.tick(context.Background())

	mgr.mu.Lock()
	var victim string
	for ip := range mgr.departing {
		victim = ip
	}
	threads := mgr.departing[victim]
	mgr.mu.Unlock()
	require.NotEmpty(t, victim)

	for i := 0; i < threads-1; i++ {
		mgr.IngestDepartDone(context.Background(), wire.DepartDone{IP: victim, TID: i})
		assert.Empty(t, nodes.removed, "must not remove until every thread on the IP has reported")
	}
	mgr.IngestDepartDone(context.Background(), wire.DepartDone{IP: victim, TID: threads - 1})
	assert.Equal(t, []string{victim}, nodes.removed)
}

func TestHotFunctionReplicatorTriggersOnCallRate(t *testing.T) {
	var pinned []string
	rep := NewHotFunctionReplicator(nil, func(_ context.Context, name string) error {
		pinned = append(pinned, name)
		return nil
	})

	rep.Ingest(wire.ExecutorStatistics{
		IP: "10.0.0.1", TID: 0,
		Statistics: []wire.FunctionStat{{FunctionName: "hot", CallCount: 1000, Runtime: 1000 * time.Millisecond}},
	})
	rep.Evaluate(context.Background(), time.Second)

	assert.Contains(t, pinned, "hot")
}

func TestHotFunctionReplicatorSkipsColdFunction(t *testing.T) {
	var pinned []string
	rep := NewHotFunctionReplicator(nil, func(_ context.Context, name string) error {
		pinned = append(pinned, name)
		return nil
	})

	rep.Ingest(wire.ExecutorStatistics{
		IP: "10.0.0.1", TID: 0,
		Statistics: []wire.FunctionStat{{FunctionName: "cold", CallCount: 1, Runtime: time.Millisecond}},
	})
	rep.Evaluate(context.Background(), time.Second)

	assert.Empty(t, pinned)
}

func TestHotFunctionReplicatorTriggersOnLatencyDrift(t *testing.T) {
	var pinned []string
	rep := NewHotFunctionReplicator(nil, func(_ context.Context, name string) error {
		pinned = append(pinned, name)
		return nil
	})

	// First window establishes a stable baseline average (below the
	// call-rate threshold so only the drift path can trigger it).
	rep.Ingest(wire.ExecutorStatistics{
		IP: "10.0.0.1", TID: 0,
		Statistics: []wire.FunctionStat{{FunctionName: "slow", CallCount: 10, Runtime: 100 * time.Millisecond}},
	})
	rep.Evaluate(context.Background(), 10*time.Second)
	assert.Empty(t, pinned)

	// Second window's average latency drifts well past the drift ratio.
	rep.Ingest(wire.ExecutorStatistics{
		IP: "10.0.0.1", TID: 0,
		Statistics: []wire.FunctionStat{{FunctionName: "slow", CallCount: 10, Runtime: 500 * time.Millisecond}},
	})
	rep.Evaluate(context.Background(), 10*time.Second)
	assert.Contains(t, pinned, "slow")
}

func TestHotFunctionReplicatorReplicatesOverloadedThreadFunctions(t *testing.T) {
	mgr, _ := newTestManager()
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.95, Functions: []string{"busy"}})

	var pinned []string
	rep := NewHotFunctionReplicator(mgr, func(_ context.Context, name string) error {
		pinned = append(pinned, name)
		return nil
	})
	rep.Evaluate(context.Background(), time.Second)

	assert.Contains(t, pinned, "busy")
}
