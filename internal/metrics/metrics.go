// Package metrics defines the Prometheus collectors of the workflow engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "records_workflow"

var (
	// actionsTotal counts reviewer actions by outcome.
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of reviewer actions",
		},
		[]string{"action", "result"}, // result: ok, conflict, forbidden, invalid, error
	)

	assignmentsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_created_total",
			Help:      "Total number of pending assignments created",
		},
	)

	resyncAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_anomalies_total",
			Help:      "Requests left without assignments by a resync because no step claims their status",
		},
		[]string{"category"},
	)

	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of post-approval pipeline runs",
		},
		[]string{"result"}, // result: generated, skipped, failed
	)

	pipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Histogram of post-approval pipeline duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	allMetrics = []prometheus.Collector{
		actionsTotal,
		assignmentsCreatedTotal,
		resyncAnomaliesTotal,
		pipelineRunsTotal,
		pipelineDuration,
	}
)

// NewRegistry returns a registry holding the engine collectors plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordAction records one reviewer action.
func RecordAction(action, result string) {
	actionsTotal.WithLabelValues(action, result).Inc()
}

// RecordAssignmentsCreated adds n newly created assignments.
func RecordAssignmentsCreated(n int) {
	if n > 0 {
		assignmentsCreatedTotal.Add(float64(n))
	}
}

// RecordResyncAnomalies adds n anomalies for a category.
func RecordResyncAnomalies(category string, n int) {
	if n > 0 {
		resyncAnomaliesTotal.WithLabelValues(category).Add(float64(n))
	}
}

// RecordPipelineRun records one pipeline run.
func RecordPipelineRun(result string, durationSeconds float64) {
	pipelineRunsTotal.WithLabelValues(result).Inc()
	pipelineDuration.Observe(durationSeconds)
}
