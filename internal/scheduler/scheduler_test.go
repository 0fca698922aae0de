package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/registry"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store := kvs.NewFake()
	reg := registry.New(store)
	sock := transport.NewSocketCache(transport.DefaultDialer)
	return New("sched-1", reg, store, sock, nil, 3, 1000)
}

func seedExecutor(s *Scheduler, ip string, tid int, functions ...string) {
	status := wire.ThreadStatus{IP: ip, TID: tid, Running: true, Functions: functions, Type: wire.ReportPostRequest}
	s.IngestStatus(status)
}

func TestIngestStatusTracksRunningThreads(t *testing.T) {
	s := newTestScheduler(t)
	seedExecutor(s, "10.0.0.1", 0, "double")

	candidates := s.candidateExecutors("double", 0)
	require.Len(t, candidates, 1)
	assert.Equal(t, "10.0.0.1", candidates[0].IP)
}

func TestIngestStatusDedupsWithinWindow(t *testing.T) {
	s := newTestScheduler(t)
	seedExecutor(s, "10.0.0.1", 0, "double")

	// A second periodic report within the dedup window with a different
	// function set must be dropped, not merged.
	s.IngestStatus(wire.ThreadStatus{IP: "10.0.0.1", TID: 0, Running: true, Functions: []string{"triple"}, Type: wire.ReportPeriodic})

	candidates := s.candidateExecutors("double", 0)
	assert.Len(t, candidates, 1, "periodic dup within 5s window should not have overwritten the earlier report")
}

func TestBackoffExcludesThreadFromCandidates(t *testing.T) {
	s := newTestScheduler(t)
	seedExecutor(s, "10.0.0.1", 0, "double")
	s.Backoff(wire.Address{IP: "10.0.0.1", TID: 0}, time.Minute)

	candidates := s.candidateExecutors("double", 0)
	assert.Empty(t, candidates)
}

func TestPickPlacementPrefersLocalityOverRandomFallback(t *testing.T) {
	s := newTestScheduler(t)
	seedExecutor(s, "10.0.0.1", 0, "double")
	seedExecutor(s, "10.0.0.2", 0, "double")
	s.NoteKeyServer("key-1", wire.Address{IP: "10.0.0.2", TID: 0})

	// Force the deterministic rng to always take the locality branch: seed 1
	// with repeated Float64() calls is used elsewhere, so just check many
	// trials land on the hinted server a majority of the time. Kept under
	// runningCallCap so the placement load cap never excludes the hinted
	// server mid-test.
	hits := 0
	const trials = 40
	for i := 0; i < trials; i++ {
		addr, err := s.pickPlacement("double", "key-1")
		require.NoError(t, err)
		if addr.IP == "10.0.0.2" {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, trials*70/100, "locality-aware placement should win big majority of trials")
}

func TestPickPlacementNoCandidatesErrors(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.pickPlacement("ghost", "")
	assert.Error(t, err)
}

func TestCandidateExecutorsExcludesOverloadedThreadUnlessOnlyOne(t *testing.T) {
	s := newTestScheduler(t)
	seedExecutor(s, "10.0.0.1", 0, "double")
	seedExecutor(s, "10.0.0.2", 0, "double")

	for i := 0; i < runningCallCap+1; i++ {
		s.recordSelection(wire.Address{IP: "10.0.0.1", TID: 0})
	}

	candidates := s.candidateExecutors("double", 0)
	require.Len(t, candidates, 1, "the overloaded thread should be excluded while a fresh one is available")
	assert.Equal(t, "10.0.0.2", candidates[0].IP)
}

func TestCandidateExecutorsFallsBackWhenEveryThreadOverloaded(t *testing.T) {
	s := newTestScheduler(t)
	seedExecutor(s, "10.0.0.1", 0, "double")

	for i := 0; i < runningCallCap+1; i++ {
		s.recordSelection(wire.Address{IP: "10.0.0.1", TID: 0})
	}

	candidates := s.candidateExecutors("double", 0)
	require.Len(t, candidates, 1, "an overloaded thread must still be returned when it's the only candidate")
	assert.Equal(t, "10.0.0.1", candidates[0].IP)
}

func TestGossipRoundTrip(t *testing.T) {
	s1 := newTestScheduler(t)
	s2 := newTestScheduler(t)

	seedExecutor(s1, "10.0.0.9", 1, "triple")
	status := s1.Gossip()
	require.Len(t, status.FuncLocations, 1)

	s2.IngestGossip(status)
	candidates := s2.candidateExecutors("triple", 0)
	require.Len(t, candidates, 1)
	assert.Equal(t, "10.0.0.9", candidates[0].IP)
}
