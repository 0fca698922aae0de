// Package executor hosts pinned functions on one worker thread: a polling
// loop over pin/unpin/exec/schedule/trigger/depart events, function
// execution, trigger forwarding, and sink persistence (spec §4.2).
package executor

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/metrics"
	"github.com/hydrosys/faasd/internal/registry"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/userlib"
	"github.com/hydrosys/faasd/internal/wire"
)

const (
	kvsAttemptTimeout = time.Second
	kvsCumulativeCap  = 30 * time.Second
	statusInterval    = 20 * time.Second

	// backoffUtilizationThreshold mirrors the cluster manager's per-thread
	// overload signal (clustermgr.threadOverloadUtil): a thread reporting
	// utilization above this pushes Backoff to its schedulers so placement
	// stops sending it new work until it cools down (spec §5).
	backoffUtilizationThreshold = 0.9
)

// funcQueue is one pinned function's in-flight schedule/trigger state (spec
// §3's "executor queues"). An entry exists from the first Schedule or
// Trigger call naming it until the function has fired for that schedule id.
type funcQueue struct {
	schedules     map[string]wire.DagSchedule
	triggers      map[string]map[string]wire.DagTrigger
	triggerOrder  map[string][]string // scheduleID -> sources, arrival order
}

func newFuncQueue() *funcQueue {
	return &funcQueue{
		schedules:    map[string]wire.DagSchedule{},
		triggers:     map[string]map[string]wire.DagTrigger{},
		triggerOrder: map[string][]string{},
	}
}

func (q *funcQueue) ready(scheduleID string, want int) bool {
	_, scheduled := q.schedules[scheduleID]
	return scheduled && len(q.triggers[scheduleID]) == want
}

// Thread is one logical executor: a physical worker hosts a fixed number of
// these (default 3), each an independent unit the scheduler places work on.
type Thread struct {
	Self wire.Address

	registry *registry.Registry
	store    kvs.Client
	invoker  Invoker
	sock     *transport.SocketCache
	lib      *userlib.Library

	schedulerAddrs  []string
	mgmtAddr        string
	strongIsolation bool
	exitFunc        func()

	mu       sync.Mutex
	bodies   map[string]UserFunction
	queues   map[string]*funcQueue
	running  bool
	departed bool

	// occupancy accounting (spec §4.2 invariant 2)
	windowStart time.Time
	totalWork   time.Duration
	callCount   map[string]int64
	callRuntime map[string]time.Duration
}

// New constructs a thread bound to self, hosting functions loaded through
// invoker, persisting/reading through store, pushing status to
// schedulerAddrs. mgmtAddr is the cluster manager's IP, used with the
// cluster manager's well-known ports for status, statistics and the
// depart-done handshake (spec §4.4); leave empty in tests that never
// exercise those pushes.
func New(self wire.Address, reg *registry.Registry, store kvs.Client, invoker Invoker, sock *transport.SocketCache, schedulerAddrs []string, mgmtAddr string, strongIsolation bool) (*Thread, error) {
	lib, err := userlib.New(store, self, sock)
	if err != nil {
		return nil, err
	}
	return &Thread{
		Self:            self,
		registry:        reg,
		store:           store,
		invoker:         invoker,
		sock:            sock,
		lib:             lib,
		schedulerAddrs:  schedulerAddrs,
		mgmtAddr:        mgmtAddr,
		strongIsolation: strongIsolation,
		exitFunc:        func() { os.Exit(0) },
		bodies:          map[string]UserFunction{},
		queues:          map[string]*funcQueue{},
		running:         true,
		windowStart:     time.Now(),
		callCount:       map[string]int64{},
		callRuntime:     map[string]time.Duration{},
	}, nil
}

// Pin loads name's body and adds it to this thread's pinned set.
func (t *Thread) Pin(ctx context.Context, name string) error {
	t.mu.Lock()
	if t.departed {
		t.mu.Unlock()
		return ErrInvalidTarget
	}
	if t.strongIsolation && len(t.bodies) > 0 {
		if _, already := t.bodies[name]; !already {
			t.mu.Unlock()
			return ErrInvalidTarget
		}
	}
	t.mu.Unlock()

	fn, err := t.registry.GetFunction(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "pin %q", name)
	}
	callable, err := t.invoker.Load(fn.Body)
	if err != nil {
		return errors.Wrapf(err, "load %q", name)
	}

	t.mu.Lock()
	t.bodies[name] = callable
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = newFuncQueue()
	}
	t.mu.Unlock()

	t.pushStatus(ctx, wire.ReportPostRequest)
	return nil
}

// Unpin discards name's body and queue iff no schedule for it is in flight.
// Under strong isolation the process exits afterward to clear every cache.
func (t *Thread) Unpin(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[name]; ok && len(q.schedules) > 0 {
		return nil // in-flight work; leave pinned until it drains
	}
	delete(t.bodies, name)
	delete(t.queues, name)

	if t.strongIsolation {
		go t.exitFunc()
	}
	return nil
}

// ExecuteSingle runs a standalone function call and persists the result
// under call.ResponseID.
func (t *Thread) ExecuteSingle(ctx context.Context, call wire.FunctionCall) error {
	t.mu.Lock()
	fn, ok := t.bodies[call.Name]
	t.mu.Unlock()
	if !ok {
		return ErrNotPinned
	}

	args, err := t.resolveArgs(ctx, call.Args, false, "")
	if err != nil {
		return err
	}

	result := t.invoke(ctx, call.Name, fn, args)

	respID := call.ResponseID
	if respID == "" {
		respID = call.RequestID
	}
	return t.store.Put(ctx, respID, result)
}

// Schedule records a DAG schedule for its target function, firing
// immediately if every expected trigger already arrived.
func (t *Thread) Schedule(ctx context.Context, sched wire.DagSchedule) error {
	t.mu.Lock()
	if t.departed {
		t.mu.Unlock()
		return ErrInvalidTarget
	}
	if _, ok := t.bodies[sched.TargetFunction]; !ok {
		t.mu.Unlock()
		return ErrInvalidTarget
	}
	q, ok := t.queues[sched.TargetFunction]
	if !ok {
		q = newFuncQueue()
		t.queues[sched.TargetFunction] = q
	}
	q.schedules[sched.ID] = sched
	fire := q.ready(sched.ID, len(sched.Triggers))
	t.mu.Unlock()

	if fire {
		t.fire(ctx, sched.TargetFunction, sched.ID)
	}
	return nil
}

// Trigger records one inter-function edge's payload, firing the target if
// every expected trigger has now arrived.
func (t *Thread) Trigger(ctx context.Context, trig wire.DagTrigger) error {
	t.mu.Lock()
	q, ok := t.queues[trig.TargetFunction]
	if !ok {
		q = newFuncQueue()
		t.queues[trig.TargetFunction] = q
	}
	if _, ok := q.triggers[trig.ScheduleID]; !ok {
		q.triggers[trig.ScheduleID] = map[string]wire.DagTrigger{}
	}
	if _, dup := q.triggers[trig.ScheduleID][trig.Source]; !dup {
		q.triggerOrder[trig.ScheduleID] = append(q.triggerOrder[trig.ScheduleID], trig.Source)
	}
	q.triggers[trig.ScheduleID][trig.Source] = trig

	var want int
	sched, scheduled := q.schedules[trig.ScheduleID]
	if scheduled {
		want = len(sched.Triggers)
	}
	fire := scheduled && len(q.triggers[trig.ScheduleID]) == want
	t.mu.Unlock()

	if fire {
		t.fire(ctx, trig.TargetFunction, trig.ScheduleID)
	}
	return nil
}

// SelfDepart stops accepting new pins/schedules (both are rejected with
// ErrInvalidTarget from then on) and reports an empty function list, while
// keeping the pinned bodies so in-flight schedules can still fire and
// drain. The poller loop calls Exit() once Drained() is true.
func (t *Thread) SelfDepart(ctx context.Context) {
	t.mu.Lock()
	t.running = false
	t.departed = true
	t.mu.Unlock()
	t.pushStatus(ctx, wire.ReportPostRequest)
}

// Departing reports whether SelfDepart has been called.
func (t *Thread) Departing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.departed
}

// Drained reports whether every pinned function's queue is empty, i.e. it's
// safe to exit after SelfDepart.
func (t *Thread) Drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queues {
		if len(q.schedules) > 0 {
			return false
		}
	}
	return true
}

// Exit notifies the cluster manager that this thread has finished draining
// and closes the mailbox listener. Call once Drained() is true following
// SelfDepart (spec §4.4's graceful-departure handshake).
func (t *Thread) Exit(ctx context.Context) error {
	if t.mgmtAddr != "" {
		dest := config.DialHostPort(t.mgmtAddr, config.PortClusterDepartDone)
		transport.Push(ctx, t.sock, dest, wire.DepartDone{IP: t.Self.IP, TID: t.Self.TID})
	}
	return t.lib.Close()
}

func (t *Thread) fire(ctx context.Context, fname, scheduleID string) {
	t.mu.Lock()
	q := t.queues[fname]
	sched := q.schedules[scheduleID]
	trigMap := q.triggers[scheduleID]
	order := q.triggerOrder[scheduleID]
	fn := t.bodies[fname]
	delete(q.schedules, scheduleID)
	delete(q.triggers, scheduleID)
	delete(q.triggerOrder, scheduleID)
	t.mu.Unlock()

	var args []wire.Arg
	args = append(args, sched.Arguments[fname]...)
	for _, src := range order {
		args = append(args, trigMap[src].Arguments...)
	}

	resolved, err := t.resolveArgs(ctx, args, sched.Consistency == wire.ConsistencyCross, sched.ClientID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"function": fname, "schedule": scheduleID}).
			Error("resolve args failed")
		resolved = []any{}
	}

	start := time.Now()
	result := t.invoke(ctx, fname, fn, resolved)
	elapsed := time.Since(start)

	t.mu.Lock()
	t.totalWork += elapsed
	t.callCount[fname]++
	t.callRuntime[fname] += elapsed
	t.mu.Unlock()
	metrics.FunctionCallCount.WithLabelValues(fname).Inc()
	metrics.FunctionRuntimeSeconds.WithLabelValues(fname).Add(elapsed.Seconds())

	versioned := collectVersionedKeys(trigMap)
	deps := collectDependencies(trigMap)

	successors := sched.Dag.Successors(fname)
	if len(successors) == 0 {
		t.sink(ctx, sched, result, versioned, deps)
		return
	}
	for _, succ := range successors {
		t.sendTrigger(ctx, sched, fname, succ, result, versioned, deps)
	}
}

func (t *Thread) invoke(ctx context.Context, fname string, fn UserFunction, args []any) []byte {
	result, err := fn(ctx, t.lib, args)
	if err != nil {
		return encodeError(err)
	}
	body, err := encodeResult(result)
	if err != nil {
		return encodeError(err)
	}
	return body
}

func (t *Thread) resolveArgs(ctx context.Context, args []wire.Arg, causal bool, clientID string) ([]any, error) {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if !a.IsReference {
			out = append(out, a.Body)
			continue
		}
		if causal {
			v, err := t.store.CausalGet(ctx, a.Key, clientID)
			if err != nil {
				return nil, err
			}
			out = append(out, v.Body)
			continue
		}
		body, err := t.retryGet(ctx, a.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, nil
}

func (t *Thread) retryGet(ctx context.Context, key string) ([]byte, error) {
	deadline := time.Now().Add(kvsCumulativeCap)
	delay := 100 * time.Millisecond
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, kvsAttemptTimeout)
		v, err := t.store.Get(attemptCtx, key)
		cancel()
		if err == nil {
			return v.Body, nil
		}
		if _, notFound := err.(kvs.ErrNotFound); !notFound {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "reference %q never materialized", key)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}

func (t *Thread) sink(ctx context.Context, sched wire.DagSchedule, result []byte, versioned []wire.VersionedKeyLocation, deps []wire.CausalDependency) {
	if sched.Consistency == wire.ConsistencyCross {
		vc := mergeVectorClocks(deps, sched.ClientID)
		key := sinkKey(sched)
		if err := t.store.CausalPut(ctx, key, vc, depKeys(deps), result, sched.ClientID); err != nil {
			logrus.WithError(err).WithField("schedule", sched.ID).Error("causal sink put failed")
		}
		t.notifyGC(ctx, versioned)
		return
	}

	if sched.ResponseAddress != "" {
		transport.Push(ctx, t.sock, sched.ResponseAddress, wire.GenericResponse{Success: true, ResponseID: sched.ID})
		return
	}

	key := sinkKey(sched)
	if err := t.store.Put(ctx, key, result); err != nil {
		logrus.WithError(err).WithField("schedule", sched.ID).Error("sink put failed")
	}
}

// sinkKey implements spec invariant 3's priority: OutputKey, else
// schedule id (the §9 Open Question is pinned to schedule.id, never a
// freshly minted id).
func sinkKey(sched wire.DagSchedule) string {
	if sched.OutputKey != "" {
		return sched.OutputKey
	}
	return sched.ID
}

func (t *Thread) sendTrigger(ctx context.Context, sched wire.DagSchedule, source, target string, result []byte, versioned []wire.VersionedKeyLocation, deps []wire.CausalDependency) {
	addr, ok := sched.Locations[target]
	if !ok {
		logrus.WithFields(logrus.Fields{"schedule": sched.ID, "target": target}).
			Error("no location for downstream function")
		return
	}
	trig := wire.DagTrigger{
		ScheduleID:     sched.ID,
		Source:         source,
		TargetFunction: target,
		Arguments:      []wire.Arg{{Body: result}},
		VersionedKeys:  versioned,
		Dependencies:   deps,
	}
	dest := config.DialHostPort(addr.IP, config.ThreadPort(config.PortDagExec, addr.TID))
	transport.Push(ctx, t.sock, dest, trig)
}

func (t *Thread) notifyGC(ctx context.Context, versioned []wire.VersionedKeyLocation) {
	for _, vk := range versioned {
		transport.Push(ctx, t.sock, vk.Address, wire.CausalDependency{Key: vk.Key})
	}
}

// pushStatus reports this thread's current pin list/utilization to every
// known scheduler and to the cluster manager (spec §4.2 invariant 2's
// periodic/post-request report).
func (t *Thread) pushStatus(ctx context.Context, reportType wire.ReportType) {
	t.mu.Lock()
	running := t.running
	var names []string
	if running {
		for name := range t.bodies {
			names = append(names, name)
		}
	}
	util := 0.0
	if wall := time.Since(t.windowStart); wall > 0 {
		util = float64(t.totalWork) / float64(wall)
	}
	t.mu.Unlock()

	status := wire.ThreadStatus{
		IP:          t.Self.IP,
		TID:         t.Self.TID,
		Running:     running,
		Utilization: util,
		Functions:   names,
		Type:        reportType,
	}
	metrics.ThreadUtilization.WithLabelValues(t.Self.IP, strconv.Itoa(t.Self.TID)).Set(util)
	for _, addr := range t.schedulerAddrs {
		transport.Push(ctx, t.sock, config.DialHostPort(addr, config.PortStatus), status)
	}
	if t.mgmtAddr != "" {
		transport.Push(ctx, t.sock, config.DialHostPort(t.mgmtAddr, config.PortClusterUtilization), status)
	}

	if util > backoffUtilizationThreshold {
		backoff := wire.Backoff{IP: t.Self.IP, TID: t.Self.TID}
		for _, addr := range t.schedulerAddrs {
			dest := config.DialHostPort(addr, config.PortBackoff)
			transport.Push(ctx, t.sock, dest, backoff)
		}
	}
}

// Housekeeping runs the periodic branch of the polling loop: emits a
// ThreadStatus roughly every 20s, pushes the window's ExecutorStatistics to
// the cluster manager, and resets occupancy counters, then purges
// schedules whose target has been unpinned and whose queue is empty (spec
// §4.2 invariants 2-3).
func (t *Thread) Housekeeping(ctx context.Context) {
	t.mu.Lock()
	elapsed := time.Since(t.windowStart)
	due := elapsed >= statusInterval
	t.mu.Unlock()

	if due {
		t.pushStatus(ctx, wire.ReportPeriodic)
		if t.mgmtAddr != "" {
			dest := config.DialHostPort(t.mgmtAddr, config.PortClusterStatistics)
			transport.Push(ctx, t.sock, dest, t.Statistics())
		}
		t.mu.Lock()
		t.totalWork = 0
		t.windowStart = time.Now()
		t.callCount = map[string]int64{}
		t.callRuntime = map[string]time.Duration{}
		t.mu.Unlock()
	}

	t.mu.Lock()
	for name, q := range t.queues {
		if _, pinned := t.bodies[name]; !pinned && len(q.schedules) == 0 {
			delete(t.queues, name)
		}
	}
	t.mu.Unlock()
}

// Statistics reports per-function call-count/runtime since the last reset,
// for ExecutorStatistics pushes to the cluster manager.
func (t *Thread) Statistics() wire.ExecutorStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := make([]wire.FunctionStat, 0, len(t.callCount))
	for name, n := range t.callCount {
		stats = append(stats, wire.FunctionStat{FunctionName: name, CallCount: n, Runtime: t.callRuntime[name]})
	}
	return wire.ExecutorStatistics{IP: t.Self.IP, TID: t.Self.TID, Statistics: stats, Interval: time.Since(t.windowStart)}
}
