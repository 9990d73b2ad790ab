// Package metrics declares the Prometheus collectors for delivery,
// task execution, tracking and event ingestion.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InjectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mta_injections_total", Help: "Messages submitted to the transfer agent"},
		[]string{"outcome"},
	)
	InjectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mta_injection_duration_seconds",
			Help:    "Time spent on one injection, retries included",
			Buckets: prometheus.DefBuckets,
		},
	)
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_tasks_total", Help: "Tasks processed by the worker"},
		[]string{"type", "outcome"},
	)
	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_tasks_enqueued_total", Help: "Tasks enqueued"},
		[]string{"type"},
	)
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_dispatches_total", Help: "Broadcast dispatch attempts"},
		[]string{"outcome"},
	)
	TrackingHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_hits_total", Help: "Redirector and pixel requests"},
		[]string{"kind", "outcome"},
	)
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_events_total", Help: "Log events processed"},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		InjectionsTotal, InjectionDuration,
		TasksTotal, TasksEnqueued, DispatchesTotal,
		TrackingHits, EventsTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
