// Package metrics provides Prometheus instrumentation for callbacks and agent calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the gateway's Prometheus collectors. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry        *prometheus.Registry
	callbacksTotal  *prometheus.CounterVec
	agentRequests   *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	agentRetries    *prometheus.CounterVec
	sessionsStarted prometheus.Counter
	answersTotal    *prometheus.CounterVec
}

// NewRecorder registers the collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		callbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_callbacks_total",
				Help: "Agent callbacks received by event kind and dispatch outcome",
			},
			[]string{"event", "outcome"},
		),
		agentRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_agent_requests_total",
				Help: "Outbound agent requests by operation and status",
			},
			[]string{"op", "status"},
		),
		agentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "interview_agent_request_duration_seconds",
				Help:    "Duration of outbound agent requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		agentRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_agent_retries_total",
				Help: "Retried agent requests by operation",
			},
			[]string{"op"},
		),
		sessionsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "interview_sessions_started_total",
				Help: "Interview sessions acknowledged by the agent",
			},
		),
		answersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_answers_total",
				Help: "Answers submitted by the user, by kind and whether the agent accepted them",
			},
			[]string{"kind", "status"},
		),
	}
}

// ObserveCallback counts a dispatched callback.
func (r *Recorder) ObserveCallback(event, outcome string) {
	if r == nil {
		return
	}
	r.callbacksTotal.WithLabelValues(event, outcome).Inc()
}

// ObserveAgentRequest records an outbound agent call.
func (r *Recorder) ObserveAgentRequest(op string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.agentRequests.WithLabelValues(op, status).Inc()
	r.agentDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// IncRetry counts a retried agent call.
func (r *Recorder) IncRetry(op string) {
	if r == nil {
		return
	}
	r.agentRetries.WithLabelValues(op).Inc()
}

// IncSessionStarted counts a session the agent acknowledged.
func (r *Recorder) IncSessionStarted() {
	if r == nil {
		return
	}
	r.sessionsStarted.Inc()
}

// ObserveAnswer counts a user answer or skip.
func (r *Recorder) ObserveAnswer(skipped bool, err error) {
	if r == nil {
		return
	}
	kind := "answer"
	if skipped {
		kind = "skip"
	}
	status := "accepted"
	if err != nil {
		status = "failed"
	}
	r.answersTotal.WithLabelValues(kind, status).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
