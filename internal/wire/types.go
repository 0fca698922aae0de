// Package wire holds the control-plane record types exchanged between
// clients, schedulers, executors, and the cluster manager. Field names and
// the ErrorCode values are part of the interop contract (see spec §6) and
// must not be renamed or renumbered; everything else here is free to evolve.
package wire

import "time"

// ArgType tags how a Literal argument's body should be deserialized by the
// receiving user function.
type ArgType int32

const (
	ArgDefault ArgType = iota
	ArgNumpy
	ArgString
)

// Consistency selects the read/write path an invocation uses against the KVS.
type Consistency int32

const (
	ConsistencySingle Consistency = iota
	ConsistencyCross
)

// ReportType distinguishes a periodic housekeeping ThreadStatus push from
// one sent immediately after a request that changed the thread's pin list.
type ReportType int32

const (
	ReportPeriodic ReportType = iota
	ReportPostRequest
)

// Arg is a tagged variant: either a literal payload or a reference to a KVS
// key that the executor must resolve before invocation.
type Arg struct {
	// Literal fields. Body is empty for a Reference.
	Body []byte
	Type ArgType

	// Reference fields.
	IsReference bool
	Key         string
	Deserialize bool
	LatticeType string
}

// Function is a stored, immutable function body.
type Function struct {
	Name string
	Body []byte
}

// DagEdge is a directed source->sink edge inside a Dag.
type DagEdge struct {
	Source string
	Sink   string
}

// Dag is an acyclic composition of functions.
type Dag struct {
	Name        string
	Functions   []string
	Connections []DagEdge
}

// Sources returns the functions with no incoming edge, in Functions order.
func (d *Dag) Sources() []string {
	hasIncoming := make(map[string]bool, len(d.Functions))
	for _, e := range d.Connections {
		hasIncoming[e.Sink] = true
	}
	var sources []string
	for _, f := range d.Functions {
		if !hasIncoming[f] {
			sources = append(sources, f)
		}
	}
	return sources
}

// Predecessors returns the set of source functions feeding into f.
func (d *Dag) Predecessors(f string) []string {
	var preds []string
	for _, e := range d.Connections {
		if e.Sink == f {
			preds = append(preds, e.Source)
		}
	}
	return preds
}

// Successors returns the set of sink functions fed by f.
func (d *Dag) Successors(f string) []string {
	var succs []string
	for _, e := range d.Connections {
		if e.Source == f {
			succs = append(succs, e.Sink)
		}
	}
	return succs
}

// Validate checks the invariants from spec §3: acyclic, every referenced
// function exists, every function appears at least once.
func (d *Dag) Validate() error {
	names := make(map[string]bool, len(d.Functions))
	for _, f := range d.Functions {
		names[f] = true
	}
	for _, e := range d.Connections {
		if !names[e.Source] {
			return errNoSuchFunction(e.Source)
		}
		if !names[e.Sink] {
			return errNoSuchFunction(e.Sink)
		}
	}
	return d.checkAcyclic()
}

func (d *Dag) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Functions))
	adj := make(map[string][]string, len(d.Functions))
	for _, e := range d.Connections {
		adj[e.Source] = append(adj[e.Source], e.Sink)
	}

	var visit func(string) error
	visit = func(n string) error {
		color[n] = gray
		for _, m := range adj[n] {
			switch color[m] {
			case gray:
				return errCyclicDag(d.Name)
			case white:
				if err := visit(m); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}

	for _, f := range d.Functions {
		if color[f] == white {
			if err := visit(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// FunctionCall invokes a single standalone function.
type FunctionCall struct {
	Name       string
	RequestID  string
	ResponseID string
	Args       []Arg
}

// DagCall invokes an entire DAG.
type DagCall struct {
	Name            string
	FunctionArgs    map[string][]Arg
	Consistency     Consistency
	OutputKey       string
	ResponseAddress string
	ClientID        string
}

// VersionedKeyLocation records the KVS node that served a given key, so a
// causal execution can later notify it to garbage-collect stale versions.
type VersionedKeyLocation struct {
	Key     string
	Address string
}

// CausalDependency is one entry of a trigger's causal dependency set.
type CausalDependency struct {
	Key         string
	VectorClock map[string]uint64
}

// DagSchedule is the concrete placement of one DAG invocation, fanned out to
// every executor thread hosting one of its functions.
type DagSchedule struct {
	ID              string
	Dag             Dag
	Arguments       map[string][]Arg
	Locations       map[string]Address
	TargetFunction  string
	Triggers        []string // trigger sources required before TargetFunction fires
	Consistency     Consistency
	OutputKey       string
	ResponseAddress string
	ClientID        string
}

// BeginTrigger is the synthetic source name used for a DAG source function's
// sole required trigger.
const BeginTrigger = "BEGIN"

// DagTrigger carries one inter-function edge's payload.
type DagTrigger struct {
	ScheduleID     string
	Source         string
	TargetFunction string
	Arguments      []Arg
	VersionedKeys  []VersionedKeyLocation
	Dependencies   []CausalDependency
}

// Address identifies one executor thread.
type Address struct {
	IP  string
	TID int
}

// ThreadStatus is a self-report pushed by an executor thread.
type ThreadStatus struct {
	IP          string
	TID         int
	Running     bool
	Utilization float64
	Functions   []string
	Type        ReportType
}

// FuncLocation is one (function, ip, tid) tuple as gossiped between
// schedulers.
type FuncLocation struct {
	Name string
	IP   string
	TID  int
}

// SchedulerStatus is the periodic gossip payload one scheduler broadcasts to
// every peer.
type SchedulerStatus struct {
	Dags          []string
	FuncLocations []FuncLocation
}

// FunctionStat is one function's call-count/runtime sample for a reporting
// interval.
type FunctionStat struct {
	FunctionName string
	CallCount    int64
	Runtime      time.Duration
}

// ExecutorStatistics is periodically pushed from an executor thread to the
// cluster manager.
type ExecutorStatistics struct {
	IP           string
	TID          int
	Statistics   []FunctionStat
	Interval     time.Duration
}

// MailboxMessage is one (sender, payload) tuple delivered to a function's
// user-mailbox port by Library.Send (spec §4.5).
type MailboxMessage struct {
	Sender  Address
	Payload []byte
}

// ReplicateRequest asks a scheduler to pin one additional replica of an
// already-registered function, without resending its body (the scheduler's
// registry already has it cached). Sent by the cluster manager's
// hot-function replicator when a function's call rate or latency drifts
// past its threshold.
type ReplicateRequest struct {
	FunctionName string
}

// GenericResponse is the outer envelope for every user-visible RPC.
type GenericResponse struct {
	Success    bool
	Error      ErrorCode
	ResponseID string
}

// DepartDone is pushed by an executor thread to the cluster manager once it
// has drained and is about to exit following SelfDepart, so the cluster
// manager can tell when every thread on a departing IP has actually left
// before it calls Remove (spec §4.4's graceful-departure handshake).
type DepartDone struct {
	IP  string
	TID int
}

// Backoff is pushed by an executor thread to every scheduler it reports to
// when it is overloaded, asking placement to hold the (ip,tid) pair out of
// the candidate set for a short window (spec §5's backpressure contract).
type Backoff struct {
	IP  string
	TID int
}
