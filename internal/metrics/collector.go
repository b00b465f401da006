// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the workflow's Prometheus instruments.
type Collector struct {
	workflowRunsTotal    *prometheus.CounterVec
	workflowDuration     *prometheus.HistogramVec
	workflowRetriesTotal prometheus.Counter

	nodeTransitionsTotal *prometheus.CounterVec
	nodeDuration         *prometheus.HistogramVec

	oracleCallsTotal   *prometheus.CounterVec
	oracleCallDuration *prometheus.HistogramVec

	retrievalCallsTotal *prometheus.CounterVec

	gradingOverall prometheus.Histogram

	logger *zap.Logger
}

// NewCollector registers the instruments on reg. A nil reg uses the default
// registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.workflowRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	c.workflowRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_retries_total",
			Help:      "Total number of loopback retries across all runs",
		},
	)

	c.nodeTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Total number of node transitions",
		},
		[]string{"from", "to"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Per-node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	c.oracleCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Total number of oracle calls by operation and status",
		},
		[]string{"op", "status"},
	)

	c.oracleCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Oracle call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	c.retrievalCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_calls_total",
			Help:      "Total number of retrieval calls by source and status",
		},
		[]string{"source", "status"},
	)

	c.gradingOverall = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grading_overall_score",
			Help:      "Distribution of overall grading scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	return c
}

// RecordRun records a completed workflow run.
func (c *Collector) RecordRun(status string, duration time.Duration) {
	c.workflowRunsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRetry records one loopback retry.
func (c *Collector) RecordRetry() {
	c.workflowRetriesTotal.Inc()
}

// RecordTransition records one node transition.
func (c *Collector) RecordTransition(from, to string) {
	c.nodeTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordNodeDuration records how long one node execution took.
func (c *Collector) RecordNodeDuration(node string, duration time.Duration) {
	c.nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordOracleCall records one oracle invocation.
func (c *Collector) RecordOracleCall(op, status string, duration time.Duration) {
	c.oracleCallsTotal.WithLabelValues(op, status).Inc()
	c.oracleCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRetrieval records one retrieval façade call.
func (c *Collector) RecordRetrieval(source, status string) {
	c.retrievalCallsTotal.WithLabelValues(source, status).Inc()
}

// RecordGrading records an overall grading score.
func (c *Collector) RecordGrading(overall float64) {
	c.gradingOverall.Observe(overall)
}
