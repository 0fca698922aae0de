// Package scheduler places function/DAG invocations onto executor threads
// and routes client calls to an already-pinned placement (spec §4.3).
package scheduler

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/metrics"
	"github.com/hydrosys/faasd/internal/registry"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

// admissionBurst bounds how many calls a single scheduler accepts in a
// instantaneous burst before falling back to its steady QPS limit; without
// this a thundering herd of client retries can pin every executor thread's
// queue at once.
const admissionBurst = 200

// ErrFuncNotFound indicates no running, non-backed-off executor thread has
// the requested function pinned.
var ErrFuncNotFound = errors.New("no pinned executor for function")

// ErrDagNotFound indicates the requested DAG is not registered.
var ErrDagNotFound = errors.New("dag not registered")

// ErrorCode maps a scheduler-level error to the wire.ErrorCode a client
// should see, so a genuinely distinct failure (no such DAG, no pinned
// executor) doesn't get flattened into the catch-all ExecError.
func ErrorCode(err error) wire.ErrorCode {
	switch errors.Cause(err) {
	case ErrFuncNotFound:
		return wire.FuncNotFound
	case ErrDagNotFound:
		return wire.NoSuchDag
	default:
		return wire.ExecError
	}
}

const (
	acceptTimeout   = 500 * time.Millisecond
	localityFallbck = 0.20
	statusDedupWin  = 5 * time.Second
	gossipInterval  = 5 * time.Second

	// runningCallCap/runningCallWindow implement spec §4.3 placement step
	// 3: a thread with more than this many calls placed on it in the last
	// window is excluded from candidates unless it's the only one left.
	// Grounded on original_source/functions/scheduler/server.py's
	// running_counts dict, pruned on the same 2.5s window.
	runningCallCap    = 50
	runningCallWindow = 2500 * time.Millisecond

	// BackoffDuration is how long a (ip,tid) reported via PortBackoff is
	// held out of the candidate set, mirroring the original's backoff
	// dict entries expiring after 5s (server_utils.py/server.py).
	BackoffDuration = 5 * time.Second
)

// executorState is what one scheduler knows about one executor thread,
// refreshed by ThreadStatus pushes.
type executorState struct {
	addr        wire.Address
	running     bool
	utilization float64
	functions   map[string]bool
	lastReport  time.Time
	backoffTill time.Time
	recentCalls []time.Time
}

// Scheduler is one instance of the scheduling tier: it tracks the executor
// threads and peer schedulers it has heard from, and answers client
// CreateFunction/CreateDag/CallFunction/CallDag requests.
type Scheduler struct {
	self     string
	registry *registry.Registry
	store    kvs.Client
	sock     *transport.SocketCache

	peers   []string
	replica int

	mu        sync.Mutex
	executors map[string]*executorState // key: ip|tid
	keyHints  map[string][]wire.Address // reference key -> last-seen servers, for locality
	knownDags map[string]bool

	rng     *rand.Rand
	limiter *rate.Limiter
}

func New(self string, reg *registry.Registry, store kvs.Client, sock *transport.SocketCache, peers []string, replica int, qps float64) *Scheduler {
	if replica <= 0 {
		replica = 15
	}
	if qps <= 0 {
		qps = 500
	}
	return &Scheduler{
		self:      self,
		registry:  reg,
		store:     store,
		sock:      sock,
		peers:     peers,
		replica:   replica,
		executors: map[string]*executorState{},
		keyHints:  map[string][]wire.Address{},
		knownDags: map[string]bool{},
		rng:       rand.New(rand.NewSource(1)),
		limiter:   rate.NewLimiter(rate.Limit(qps), admissionBurst),
	}
}

func execKey(a wire.Address) string {
	return a.IP + "|" + strconv.Itoa(a.TID)
}

// IngestStatus folds a ThreadStatus push into the scheduler's view of the
// executor fleet, deduping reports for the same thread within 5s.
func (s *Scheduler) IngestStatus(status wire.ThreadStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := wire.Address{IP: status.IP, TID: status.TID}
	key := execKey(addr)
	st, ok := s.executors[key]
	if ok && time.Since(st.lastReport) < statusDedupWin && status.Type == wire.ReportPeriodic {
		return
	}
	if !ok {
		st = &executorState{addr: addr, functions: map[string]bool{}}
		s.executors[key] = st
	}
	st.running = status.Running
	st.utilization = status.Utilization
	st.lastReport = time.Now()
	st.functions = map[string]bool{}
	for _, f := range status.Functions {
		st.functions[f] = true
	}
}

// Backoff records that addr should be skipped by placement until the given
// duration elapses, per a PortBackoff signal from the executor fleet.
func (s *Scheduler) Backoff(addr wire.Address, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.executors[execKey(addr)]; ok {
		st.backoffTill = time.Now().Add(dur)
	}
}

// Gossip returns this scheduler's current status for broadcast to peers.
func (s *Scheduler) Gossip() wire.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dags []string
	for d := range s.knownDags {
		dags = append(dags, d)
	}
	var locs []wire.FuncLocation
	for _, st := range s.executors {
		for f := range st.functions {
			locs = append(locs, wire.FuncLocation{Name: f, IP: st.addr.IP, TID: st.addr.TID})
		}
	}
	return wire.SchedulerStatus{Dags: dags, FuncLocations: locs}
}

// IngestGossip merges a peer's SchedulerStatus into local state: unknown
// DAG names are fetched from the KVS lazily on next use, and function
// locations seed the candidate set even for threads this scheduler never
// heard a direct ThreadStatus from.
func (s *Scheduler) IngestGossip(peer wire.SchedulerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range peer.Dags {
		s.knownDags[d] = true
	}
	for _, loc := range peer.FuncLocations {
		addr := wire.Address{IP: loc.IP, TID: loc.TID}
		key := execKey(addr)
		st, ok := s.executors[key]
		if !ok {
			st = &executorState{addr: addr, functions: map[string]bool{}, running: true}
			s.executors[key] = st
		}
		st.functions[loc.Name] = true
	}
}

// GossipPeers runs the 5s broadcast/ingest loop until ctx is canceled.
func (s *Scheduler) GossipPeers(ctx context.Context) {
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.Gossip()
			for _, peer := range s.peers {
				addr := config.DialHostPort(peer, config.PortSchedUpdate)
				transport.Push(ctx, s.sock, addr, status)
			}
		}
	}
}

// CreateFunction registers a new function body and pins it onto a
// replica set of executor threads using the accept-first protocol: send
// Pin to each candidate, count the ones that ack before acceptTimeout.
func (s *Scheduler) CreateFunction(ctx context.Context, name string, body []byte) error {
	if err := s.registry.CreateFunction(ctx, name, body); err != nil {
		return err
	}

	candidates := s.candidateExecutors("", s.replica*3)
	target := s.replica
	if len(candidates) < target {
		target = len(candidates)
	}

	var wg sync.WaitGroup
	accepted := make(chan bool, len(candidates))
	for _, addr := range candidates {
		wg.Add(1)
		go func(addr wire.Address) {
			defer wg.Done()
			accepted <- s.tryPin(ctx, addr, name)
		}(addr)
	}
	go func() { wg.Wait(); close(accepted) }()

	var ok int
	for a := range accepted {
		if a {
			ok++
		}
	}
	if ok == 0 && target > 0 {
		return errors.Errorf("pin %q: no executor accepted", name)
	}
	metrics.SchedulerPlacements.WithLabelValues("create_function").Inc()
	return nil
}

func (s *Scheduler) tryPin(ctx context.Context, addr wire.Address, name string) bool {
	pinCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()
	dest := config.DialHostPort(addr.IP, config.ThreadPort(config.PortPin, addr.TID))
	var rep wire.GenericResponse
	if err := transport.ReqRep(pinCtx, s.sock, dest, name, &rep); err != nil {
		logrus.WithError(err).WithField("addr", addr).Debug("pin rejected")
		return false
	}
	if rep.Success {
		s.mu.Lock()
		key := execKey(addr)
		st, ok := s.executors[key]
		if !ok {
			st = &executorState{addr: addr, functions: map[string]bool{}, running: true}
			s.executors[key] = st
		}
		st.functions[name] = true
		s.mu.Unlock()
	}
	return rep.Success
}

// Replicate pins one additional replica of an already-registered function
// onto a currently-unpinned executor thread, without resending the body
// (the registry already has it cached from CreateFunction). Returns an
// error if no thread accepts the pin, including when every known running
// thread already hosts it.
func (s *Scheduler) Replicate(ctx context.Context, name string) error {
	fn, err := s.registry.GetFunction(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "replicate %q", name)
	}

	s.mu.Lock()
	var candidates []wire.Address
	for _, st := range s.executors {
		if st.running && !st.functions[name] {
			candidates = append(candidates, st.addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range candidates {
		if s.tryPin(ctx, addr, fn.Name) {
			metrics.SchedulerPlacements.WithLabelValues("replicate").Inc()
			return nil
		}
	}
	return errors.Errorf("replicate %q: no available executor", name)
}

// CreateDag validates and stores a DAG definition.
func (s *Scheduler) CreateDag(ctx context.Context, dag wire.Dag) error {
	if err := s.registry.CreateDag(ctx, dag); err != nil {
		return err
	}
	s.mu.Lock()
	s.knownDags[dag.Name] = true
	s.mu.Unlock()
	return nil
}

// ListFunctions proxies to the registry.
func (s *Scheduler) ListFunctions(ctx context.Context, prefix string) ([]string, error) {
	return s.registry.ListFunctions(ctx, prefix)
}

// CallFunction places a standalone invocation onto a pinned replica of
// call.Name and fires it.
func (s *Scheduler) CallFunction(ctx context.Context, call wire.FunctionCall) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "admission limit")
	}
	addr, err := s.pickPlacement(call.Name, referenceKey(call.Args))
	if err != nil {
		return err
	}
	dest := config.DialHostPort(addr.IP, config.ThreadPort(config.PortFuncExec, addr.TID))
	var rep wire.GenericResponse
	return transport.ReqRep(ctx, s.sock, dest, call, &rep)
}

// CallDag schedules every function of a DAG across the threads hosting
// them, sending one DagSchedule per target plus a synthetic BEGIN trigger
// for each source (spec §3's "no real incoming edge" case). The returned
// GenericResponse carries the schedule id in ResponseID on success, or the
// specific wire.ErrorCode (e.g. NoSuchDag) a client should see on failure.
func (s *Scheduler) CallDag(ctx context.Context, call wire.DagCall) (wire.GenericResponse, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return wire.GenericResponse{Success: false, Error: wire.ExecError}, errors.Wrap(err, "admission limit")
	}
	dag, err := s.registry.GetDag(ctx, call.Name)
	if err != nil {
		err = errors.Wrapf(ErrDagNotFound, "dag %q", call.Name)
		return wire.GenericResponse{Success: false, Error: ErrorCode(err)}, err
	}

	scheduleID := uuid.NewString()
	locations := map[string]wire.Address{}
	for _, fname := range dag.Functions {
		ref := referenceKey(call.FunctionArgs[fname])
		addr, err := s.pickPlacement(fname, ref)
		if err != nil {
			err = errors.Wrapf(err, "place %q", fname)
			return wire.GenericResponse{Success: false, Error: ErrorCode(err)}, err
		}
		locations[fname] = addr
	}

	for _, fname := range dag.Functions {
		sched := wire.DagSchedule{
			ID:              scheduleID,
			Dag:             dag,
			Arguments:       call.FunctionArgs,
			Locations:       locations,
			TargetFunction:  fname,
			Triggers:        triggersFor(&dag, fname),
			Consistency:     call.Consistency,
			OutputKey:       call.OutputKey,
			ResponseAddress: call.ResponseAddress,
			ClientID:        call.ClientID,
		}
		addr := locations[fname]
		dest := config.DialHostPort(addr.IP, config.ThreadPort(config.PortDagQueue, addr.TID))
		var rep wire.GenericResponse
		if err := transport.ReqRep(ctx, s.sock, dest, sched, &rep); err != nil {
			err = errors.Wrapf(err, "schedule %q", fname)
			return wire.GenericResponse{Success: false, Error: ErrorCode(err)}, err
		}
	}

	for _, src := range dag.Sources() {
		addr := locations[src]
		trig := wire.DagTrigger{ScheduleID: scheduleID, Source: wire.BeginTrigger, TargetFunction: src}
		dest := config.DialHostPort(addr.IP, config.ThreadPort(config.PortDagExec, addr.TID))
		transport.Push(ctx, s.sock, dest, trig)
	}

	metrics.SchedulerPlacements.WithLabelValues("call_dag").Inc()
	return wire.GenericResponse{Success: true, ResponseID: scheduleID}, nil
}

// triggersFor returns the trigger-source set a function must see before
// firing: its predecessors, or the synthetic BEGIN trigger if it's a
// DAG source.
func triggersFor(dag *wire.Dag, fname string) []string {
	preds := dag.Predecessors(fname)
	if len(preds) == 0 {
		return []string{wire.BeginTrigger}
	}
	return preds
}

func referenceKey(args []wire.Arg) string {
	for _, a := range args {
		if a.IsReference {
			return a.Key
		}
	}
	return ""
}

// pickPlacement chooses one already-pinned executor thread for fname,
// favoring a thread that's local to refKey's last-seen server with 0.20
// probability of a random fallback (spec §4.3 placement algorithm).
func (s *Scheduler) pickPlacement(fname, refKey string) (wire.Address, error) {
	candidates := s.candidateExecutors(fname, 0)
	if len(candidates) == 0 {
		return wire.Address{}, errors.Wrapf(ErrFuncNotFound, "%q", fname)
	}

	if refKey != "" && s.rng.Float64() >= localityFallbck {
		s.mu.Lock()
		hints := s.keyHints[refKey]
		s.mu.Unlock()
		if best, ok := bestLocal(candidates, hints); ok {
			s.recordSelection(best)
			return best, nil
		}
	}
	chosen := candidates[s.rng.Intn(len(candidates))]
	s.recordSelection(chosen)
	return chosen, nil
}

// recordSelection notes that addr was just handed a call, feeding the
// recent-call-count placement cap (spec §4.3 placement step 7).
func (s *Scheduler) recordSelection(addr wire.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.executors[execKey(addr)]; ok {
		st.recentCalls = append(st.recentCalls, time.Now())
	}
}

// recentCallCount prunes calls older than runningCallWindow from st and
// returns how many remain. Must be called with s.mu held.
func recentCallCount(st *executorState, now time.Time) int {
	kept := st.recentCalls[:0]
	for _, t := range st.recentCalls {
		if now.Sub(t) < runningCallWindow {
			kept = append(kept, t)
		}
	}
	st.recentCalls = kept
	return len(kept)
}

// bestLocal returns the first candidate whose IP matches one of the
// reference key's last-seen server addresses.
func bestLocal(candidates []wire.Address, hints []wire.Address) (wire.Address, bool) {
	for _, h := range hints {
		for _, c := range candidates {
			if c.IP == h.IP {
				return c, true
			}
		}
	}
	return wire.Address{}, false
}

// NoteKeyServer records that refKey was last served by addr, feeding future
// locality-aware placement decisions.
func (s *Scheduler) NoteKeyServer(refKey string, addr wire.Address) {
	if refKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hints := s.keyHints[refKey]
	for _, h := range hints {
		if h == addr {
			return
		}
	}
	s.keyHints[refKey] = append(hints, addr)
}

// candidateExecutors returns the running, non-backed-off threads hosting
// fname, up to limit (0 = unlimited). When fname is empty every running
// thread is a candidate, used by CreateFunction's initial placement pass.
// Threads that have taken more than runningCallCap calls in the last
// runningCallWindow are excluded unless doing so would leave no candidate
// at all (spec §4.3 placement step 3).
func (s *Scheduler) candidateExecutors(fname string, limit int) []wire.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all, underCap []wire.Address
	now := time.Now()
	for _, st := range s.executors {
		if !st.running || now.Before(st.backoffTill) {
			continue
		}
		if fname != "" && !st.functions[fname] {
			continue
		}
		all = append(all, st.addr)
		if recentCallCount(st, now) <= runningCallCap {
			underCap = append(underCap, st.addr)
		}
		if limit > 0 && len(all) >= limit {
			break
		}
	}
	if len(underCap) > 0 {
		return underCap
	}
	return all
}
