// Package metrics holds the Prometheus collectors for the triage pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "triage"

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for ticket processing.
type Metrics struct {
	// Pipeline stages
	StepDuration *prometheus.HistogramVec
	StepsTotal   *prometheus.CounterVec

	// Whole-ticket outcomes
	TicketsTotal       *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	QualityScore       prometheus.Histogram
	ValidationFailures *prometheus.CounterVec

	// SLA
	SLABreaches *prometheus.CounterVec

	// Language model
	LLMRequests *prometheus.CounterVec
}

// New creates and registers the collectors with the default registry.
//
// Registration happens once per process; later calls return the same
// collectors so repeated construction in tests cannot panic on duplicate
// registration.
//
// Metrics:
//   - triage_pipeline_step_duration_seconds{agent_type}
//   - triage_pipeline_steps_total{agent_type,result}
//   - triage_tickets_processed_total{result}
//   - triage_pipeline_duration_seconds
//   - triage_response_quality_score
//   - triage_validation_failures_total{code}
//   - triage_sla_breaches_total{priority}
//   - triage_llm_requests_total{provider,result}
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: "pipeline",
					Name:      "step_duration_seconds",
					Help:      "Duration of pipeline steps in seconds",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"agent_type"},
			),
			StepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "pipeline",
					Name:      "steps_total",
					Help:      "Total number of pipeline steps executed",
				},
				[]string{"agent_type", "result"}, // result: success, error, skipped
			),
			TicketsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tickets_processed_total",
					Help:      "Total number of tickets submitted for processing",
				},
				[]string{"result"}, // processed, rejected, duplicate, not_found, error
			),
			PipelineDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: "pipeline",
					Name:      "duration_seconds",
					Help:      "Duration of complete pipeline runs in seconds",
					Buckets:   prometheus.DefBuckets,
				},
			),
			QualityScore: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "response_quality_score",
					Help:      "Quality score of enhanced responses",
					Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
				},
			),
			ValidationFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "validation_failures_total",
					Help:      "Total number of validation errors by code",
				},
				[]string{"code"},
			),
			SLABreaches: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sla_breaches_total",
					Help:      "Total number of SLA breaches detected",
				},
				[]string{"priority"},
			),
			LLMRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_requests_total",
					Help:      "Total number of language model requests",
				},
				[]string{"provider", "result"},
			),
		}
	})
	return globalMetrics
}

// ObserveStep records one pipeline step. Safe on a nil receiver.
func (m *Metrics) ObserveStep(agentType string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(agentType).Observe(seconds)
	m.StepsTotal.WithLabelValues(agentType, resultLabel(err)).Inc()
}

// SkipStep counts a skipped pipeline step.
func (m *Metrics) SkipStep(agentType string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(agentType, "skipped").Inc()
}

// ObservePipeline records a completed pipeline run.
func (m *Metrics) ObservePipeline(seconds float64, quality *float64) {
	if m == nil {
		return
	}
	m.PipelineDuration.Observe(seconds)
	if quality != nil {
		m.QualityScore.Observe(*quality)
	}
}

// Ticket counts a ticket outcome.
func (m *Metrics) Ticket(result string) {
	if m == nil {
		return
	}
	m.TicketsTotal.WithLabelValues(result).Inc()
}

// ValidationFailure counts one validation error code.
func (m *Metrics) ValidationFailure(code string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(code).Inc()
}

// SLABreach counts a breach for priority.
func (m *Metrics) SLABreach(priority string) {
	if m == nil {
		return
	}
	m.SLABreaches.WithLabelValues(priority).Inc()
}

// LLMRequest counts a language model call.
func (m *Metrics) LLMRequest(provider string, err error) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
