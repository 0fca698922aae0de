package clustermgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hydrosys/faasd/internal/wire"
)

func TestReclaimStaleRemovesQuietThreads(t *testing.T) {
	mgr, nodes := newTestManager()
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.1})

	mgr.mu.Lock()
	for _, st := range mgr.threads {
		st.lastSeen = time.Now().Add(-staleThreshold - time.Second)
	}
	mgr.mu.Unlock()

	mgr.reclaimStale(context.Background())

	assert.Contains(t, nodes.removed, "10.0.0.1")
	mgr.mu.Lock()
	assert.Empty(t, mgr.threads)
	mgr.mu.Unlock()
}

func TestReclaimStaleKeepsFreshThreads(t *testing.T) {
	mgr, nodes := newTestManager()
	mgr.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Utilization: 0.1})

	mgr.reclaimStale(context.Background())

	assert.Empty(t, nodes.removed)
	mgr.mu.Lock()
	assert.Len(t, mgr.threads, 1)
	mgr.mu.Unlock()
}
