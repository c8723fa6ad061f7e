// Package metrics exposes the fleet manager's Prometheus-style metrics.
// Grounded directly on the teacher's internal/metrics/prometheus.go:
// a *prometheus.Registry wrapping CounterVec/HistogramVec/GaugeVec
// fields, with InitPrometheus registering the Go and process collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every stable-named series spec.md §6 requires.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec // labels: kind
	ReconcileRuns     prometheus.Counter
	ReconcileErrors   prometheus.Counter
	ReconcileDuration prometheus.Histogram

	InstancesCreated   prometheus.Counter
	InstancesStarted   prometheus.Counter
	InstancesStopped   prometheus.Counter
	InstancesSlept     prometheus.Counter
	InstancesWoken     prometheus.Counter
	InstancesDestroyed prometheus.Counter
	InstancesDeferred  prometheus.Counter

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
}

// New builds and registers every series under namespace, plus the
// standard Go/process collectors, matching the teacher's InitPrometheus.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Agent/coordinator RPC requests by kind.",
		}, []string{"kind"}),
		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_runs_total", Help: "Completed reconcile passes.",
		}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_errors_total", Help: "Reconcile passes that could not start.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reconcile_duration_seconds", Help: "Reconcile pass wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		InstancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_created_total", Help: "Instances created.",
		}),
		InstancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_started_total", Help: "Instances started.",
		}),
		InstancesStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_stopped_total", Help: "Instances stopped.",
		}),
		InstancesSlept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_slept_total", Help: "Instances put to sleep.",
		}),
		InstancesWoken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_woken_total", Help: "Instances woken from sleep.",
		}),
		InstancesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_destroyed_total", Help: "Instances destroyed.",
		}),
		InstancesDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instances_deferred_total", Help: "Transitions deferred by minimum-runtime policy.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total", Help: "Coordinator proxy connections accepted.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total", Help: "Coordinator proxy connections rejected (no route).",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.ReconcileRuns, m.ReconcileErrors, m.ReconcileDuration,
		m.InstancesCreated, m.InstancesStarted, m.InstancesStopped, m.InstancesSlept,
		m.InstancesWoken, m.InstancesDestroyed, m.InstancesDeferred,
		m.ConnectionsAccepted, m.ConnectionsRejected,
	)
	return m
}
