// Package clustermgr runs the autoscaling control loop: grows/shrinks the
// executor fleet on utilization, replicates hot functions, and maintains
// its own view of executor threads from their status pushes (spec §4.4).
package clustermgr

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

const (
	// utilizationScaleOut/utilizationScaleIn and pinnedCountMax/
	// scaleInNodeMin are interop-literal, carried over from the original's
	// UTILIZATION_MAX/UTILIZATION_MIN/PINNED_COUNT_MAX constants
	// (original_source/k8s/management_server.py).
	utilizationScaleOut = 0.30
	utilizationScaleIn  = 0.10
	pinnedCountMax      = 15
	scaleInNodeMin      = 15
	scaleOutNodes       = 2
	scaleOutGrace       = 180 * time.Second

	// threadOverloadUtil is the original's per-thread overload signal: a
	// thread reporting utilization above this replicates every function it
	// has pinned (management_server.py:276).
	threadOverloadUtil = 0.9

	// latencyDriftRatio triggers replication when current mean latency
	// drifts this far past its historical baseline (LATENCY_RATIO).
	latencyDriftRatio = 1.25

	// reportingInterval is the window the throughput formula assumes one
	// replica reports over (EXECUTOR_REPORT_PERIOD), matching the
	// executor's own statusInterval.
	reportingInterval = 20 * time.Second
)

// NodeManager is the external collaborator that actually provisions or
// tears down executor capacity (a cloud autoscaling group, a k8s
// deployment scale, a local process pool in tests).
type NodeManager interface {
	Add(ctx context.Context, kind string, n int) error
	Remove(ctx context.Context, kind, ip string) error
}

// funcStat accumulates an ExecutorStatistics sample across the fleet for
// one function, long enough to judge whether it should be replicated.
// threads counts the number of distinct (ip,tid) pushes this window that
// reported the function, used as a proxy for its current replica count.
type funcStat struct {
	totalCalls int64
	totalTime  time.Duration
	threads    int
}

// ClusterManager owns the autoscaling decision loop. It never talks to
// individual schedulers directly; it learns fleet state from
// ThreadStatus/ExecutorStatistics pushes and issues Add/Remove calls
// through NodeManager.
type ClusterManager struct {
	nodes NodeManager
	sock  *transport.SocketCache
	rng   *rand.Rand

	mu           sync.Mutex
	threads      map[string]*threadState // key: ip|tid
	departing    map[string]int          // ip -> threads still draining
	lastScaleOut time.Time
}

type threadState struct {
	addr        wire.Address
	utilization float64
	functions   []string
	lastSeen    time.Time
}

func New(nodes NodeManager, sock *transport.SocketCache) *ClusterManager {
	return &ClusterManager{
		nodes:     nodes,
		sock:      sock,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		threads:   map[string]*threadState{},
		departing: map[string]int{},
	}
}

func key(a wire.Address) string {
	return a.IP + "|" + strconv.Itoa(a.TID)
}

// IngestStatus folds one ThreadStatus push into the membership view. Pushes
// from a thread whose IP is mid-departure are ignored, so a draining
// fleet's utilization dip doesn't skew the scale-in decision that's
// already in flight for it.
func (c *ClusterManager) IngestStatus(status wire.ThreadStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, departing := c.departing[status.IP]; departing {
		return
	}

	addr := wire.Address{IP: status.IP, TID: status.TID}
	st, ok := c.threads[key(addr)]
	if !ok {
		st = &threadState{addr: addr}
		c.threads[key(addr)] = st
	}
	st.utilization = status.Utilization
	st.functions = status.Functions
	st.lastSeen = time.Now()
}

// fleetStats returns the fleet-wide mean utilization, mean pinned-function
// count per thread, and the number of distinct executor nodes (IPs), over
// every thread not currently mid-departure.
func (c *ClusterManager) fleetStats() (meanUtil, meanPinned float64, nodeCount, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ips := map[string]bool{}
	var sumUtil, sumPinned float64
	for _, st := range c.threads {
		if _, departing := c.departing[st.addr.IP]; departing {
			continue
		}
		sumUtil += st.utilization
		sumPinned += float64(len(st.functions))
		ips[st.addr.IP] = true
		n++
	}
	if n == 0 {
		return 0, 0, 0, 0
	}
	return sumUtil / float64(n), sumPinned / float64(n), len(ips), n
}

// Run drives the autoscaling tick until ctx is canceled, per spec §4.4's
// 15s interval.
func (c *ClusterManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *ClusterManager) tick(ctx context.Context) {
	meanUtil, meanPinned, nodeCount, n := c.fleetStats()
	if n == 0 {
		return
	}

	switch {
	case meanUtil > utilizationScaleOut || meanPinned > pinnedCountMax:
		c.scaleOut(ctx)
	case meanUtil < utilizationScaleIn && nodeCount > scaleInNodeMin:
		c.scaleIn(ctx)
	}
}

func (c *ClusterManager) scaleOut(ctx context.Context) {
	c.mu.Lock()
	if time.Since(c.lastScaleOut) < scaleOutGrace {
		c.mu.Unlock()
		return
	}
	c.lastScaleOut = time.Now()
	c.mu.Unlock()

	if err := c.nodes.Add(ctx, "executor", scaleOutNodes); err != nil {
		logrus.WithError(err).Warn("scale out failed")
	}
}

// scaleIn picks one executor IP at random and departs every thread on it:
// SelfDepart is pushed to each, the IP is marked departing (so its status
// reports stop counting against the fleet mean while it drains), and
// Remove is only invoked once every thread has reported DepartDone
// (spec §4.4 / scenario 5).
func (c *ClusterManager) scaleIn(ctx context.Context) {
	c.mu.Lock()
	byIP := map[string][]wire.Address{}
	for _, st := range c.threads {
		if _, departing := c.departing[st.addr.IP]; departing {
			continue
		}
		byIP[st.addr.IP] = append(byIP[st.addr.IP], st.addr)
	}
	if len(byIP) == 0 {
		c.mu.Unlock()
		return
	}
	ips := make([]string, 0, len(byIP))
	for ip := range byIP {
		ips = append(ips, ip)
	}
	victim := ips[c.rng.Intn(len(ips))]
	threads := byIP[victim]
	c.departing[victim] = len(threads)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{"ip": victim, "threads": len(threads)}).Info("scale in: departing executor")
	for _, addr := range threads {
		dest := config.DialHostPort(addr.IP, config.ThreadPort(config.PortSelfDepart, addr.TID))
		transport.Push(ctx, c.sock, dest, struct{}{})
	}
}

// IngestDepartDone folds one thread's post-drain exit notification into the
// per-IP departure count, invoking Remove only once every thread on that IP
// has reported in.
func (c *ClusterManager) IngestDepartDone(ctx context.Context, msg wire.DepartDone) {
	c.mu.Lock()
	rem, ok := c.departing[msg.IP]
	if !ok {
		c.mu.Unlock()
		return
	}
	rem--
	if rem > 0 {
		c.departing[msg.IP] = rem
		c.mu.Unlock()
		return
	}
	delete(c.departing, msg.IP)
	for k, st := range c.threads {
		if st.addr.IP == msg.IP {
			delete(c.threads, k)
		}
	}
	c.mu.Unlock()

	if err := c.nodes.Remove(ctx, "executor", msg.IP); err != nil {
		logrus.WithError(err).WithField("ip", msg.IP).Warn("scale in remove failed")
	}
}

// overloadedPinnedFunctions returns, deduplicated, every function pinned on
// a thread currently reporting utilization above threadOverloadUtil (spec
// §4.4's per-thread overload replication rule).
func (c *ClusterManager) overloadedPinnedFunctions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, st := range c.threads {
		if _, departing := c.departing[st.addr.IP]; departing {
			continue
		}
		if st.utilization <= threadOverloadUtil {
			continue
		}
		for _, f := range st.functions {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// HotFunctionReplicator tracks per-function call volume/latency from
// ExecutorStatistics pushes and asks the scheduler tier to pin additional
// replicas when a function is hot or its latency is drifting under load
// (spec §4.4's hot-function replication path), plus the cluster manager's
// per-thread overload rule.
type HotFunctionReplicator struct {
	mgr *ClusterManager

	mu      sync.Mutex
	stats   map[string]*funcStat
	prevAvg map[string]time.Duration
	pin     func(ctx context.Context, name string) error
}

func NewHotFunctionReplicator(mgr *ClusterManager, pin func(ctx context.Context, name string) error) *HotFunctionReplicator {
	return &HotFunctionReplicator{
		mgr:     mgr,
		stats:   map[string]*funcStat{},
		prevAvg: map[string]time.Duration{},
		pin:     pin,
	}
}

// Ingest folds one thread's ExecutorStatistics sample into the rolling
// per-function totals.
func (h *HotFunctionReplicator) Ingest(stat wire.ExecutorStatistics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fs := range stat.Statistics {
		acc, ok := h.stats[fs.FunctionName]
		if !ok {
			acc = &funcStat{}
			h.stats[fs.FunctionName] = acc
		}
		acc.totalCalls += fs.CallCount
		acc.totalTime += fs.Runtime
		acc.threads++
	}
}

// throughput implements spec §4.4's replicas * reporting_interval /
// mean_latency formula: how many calls replicas copies of a function can
// absorb over one sampling window at its observed mean latency.
func throughput(replicas int, window, meanLatency time.Duration) float64 {
	if meanLatency <= 0 {
		return 0
	}
	return float64(replicas) * window.Seconds() / meanLatency.Seconds()
}

// Evaluate replicates functions whose call volume exceeds 80% of their
// throughput capacity, or whose latency has drifted past latencyDriftRatio
// of its historical mean, then separately replicates every function pinned
// on an overloaded thread (spec §4.4), resetting the per-window
// accumulator for the next cycle.
func (h *HotFunctionReplicator) Evaluate(ctx context.Context, window time.Duration) {
	h.mu.Lock()
	stats := h.stats
	h.stats = map[string]*funcStat{}
	h.mu.Unlock()

	if window <= 0 {
		window = reportingInterval
	}

	type plan struct {
		name string
		n    int
	}
	var plans []plan

	h.mu.Lock()
	for name, acc := range stats {
		replicas := acc.threads
		if replicas == 0 {
			replicas = 1
		}
		var avg time.Duration
		if acc.totalCalls > 0 {
			avg = acc.totalTime / time.Duration(acc.totalCalls)
		}
		prev := h.prevAvg[name]
		h.prevAvg[name] = avg

		thr := throughput(replicas, window, avg)
		switch {
		case thr > 0 && float64(acc.totalCalls) > 0.8*thr:
			increase := int(math.Ceil(float64(acc.totalCalls)/thr)) - replicas + 1
			plans = append(plans, plan{name, increase})
		case prev > 0 && avg > 0 && float64(avg) > latencyDriftRatio*float64(prev):
			ratio := float64(avg) / float64(prev)
			increase := int(math.Ceil(ratio)) - replicas + 1
			plans = append(plans, plan{name, increase})
		}
	}
	h.mu.Unlock()

	for _, p := range plans {
		h.replicateN(ctx, p.name, p.n)
	}

	if h.mgr == nil {
		return
	}
	for _, name := range h.mgr.overloadedPinnedFunctions() {
		h.replicateN(ctx, name, 1)
	}
}

// replicateN asks for n more replicas of name, one pin request at a time
// (mirroring replicate_function's per-iteration candidate search: a pin
// that finds no free candidate just fails that one iteration rather than
// aborting the rest).
func (h *HotFunctionReplicator) replicateN(ctx context.Context, name string, n int) {
	for i := 0; i < n; i++ {
		if err := h.pin(ctx, name); err != nil {
			logrus.WithError(err).WithField("function", name).Warn("hot-function replication failed")
		}
	}
}
