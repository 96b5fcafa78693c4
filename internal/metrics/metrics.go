// Package metrics exports scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gtcpd/internal/scheduler"
)

const namespace = "gtcpd"

// Recorder is a scheduler.Observer that keeps Prometheus collectors current.
type Recorder struct {
	registry *prometheus.Registry

	clients      prometheus.Gauge
	workers      prometheus.Gauge
	idleWorkers  prometheus.Gauge
	waitingTasks prometheus.Gauge
	events       *prometheus.CounterVec
	taskLatency  *prometheus.HistogramVec
}

// New returns a Recorder backed by its own registry, which also carries the
// Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Connected clients.",
		}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Connected workers.",
		}),
		idleWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_workers",
			Help:      "Workers with no assigned task.",
		}),
		waitingTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_tasks",
			Help:      "Tasks queued for a free worker.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_events_total",
			Help:      "Scheduler transitions by kind.",
		}, []string{"kind"}),
		taskLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from assignment to worker reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"command"}),
	}
}

// Observe implements scheduler.Observer.
func (r *Recorder) Observe(e scheduler.Event) {
	r.clients.Set(float64(e.Clients))
	r.workers.Set(float64(e.Workers))
	r.idleWorkers.Set(float64(e.IdleWorkers))
	r.waitingTasks.Set(float64(e.WaitingTasks))
	r.events.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind == scheduler.EventTaskCompleted {
		r.taskLatency.WithLabelValues(e.Command).Observe(e.Latency.Seconds())
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
