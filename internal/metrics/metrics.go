// Package metrics wires ThreadStatus/ExecutorStatistics and fabric health
// into Prometheus, the way the teacher's pkg/metrics exposes a single
// /metrics handler on an existing router (gorilla/mux here instead of the
// teacher's component-base registry, since this module has no Kubernetes
// apiserver to piggyback metrics registration on).
package metrics

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ThreadUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "faasd",
		Subsystem: "executor",
		Name:      "thread_utilization",
		Help:      "Fraction of wall-clock time this executor thread spent executing functions.",
	}, []string{"ip", "tid"})

	FunctionCallCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faasd",
		Subsystem: "executor",
		Name:      "function_calls_total",
		Help:      "Number of times a pinned function has fired.",
	}, []string{"function"})

	FunctionRuntimeSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faasd",
		Subsystem: "executor",
		Name:      "function_runtime_seconds_total",
		Help:      "Cumulative wall-clock time spent running a pinned function.",
	}, []string{"function"})

	TransportQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "faasd",
		Subsystem: "transport",
		Name:      "queue_depth",
		Help:      "Number of buffered, undelivered events on an inbound endpoint.",
	}, []string{"endpoint"})

	SchedulerPlacements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faasd",
		Subsystem: "scheduler",
		Name:      "placements_total",
		Help:      "Number of placement decisions made, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ThreadUtilization,
		FunctionCallCount,
		FunctionRuntimeSeconds,
		TransportQueueDepth,
		SchedulerPlacements,
	)
}

// Mount adds the /metrics handler to an existing router, mirroring the
// teacher's Config.Start.
func Mount(router *mux.Router) {
	router.Handle("/metrics", promhttp.Handler())
}

// NewRouter is a convenience for binaries that don't otherwise need an HTTP
// router (e.g. a bare executor thread) but still want to expose /metrics.
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	Mount(r)
	return r
}
