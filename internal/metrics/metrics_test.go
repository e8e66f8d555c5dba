package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.ObserveCallback("questions", "applied")
	r.ObserveCallback("questions", "applied")
	r.ObserveCallback("finalResult", "duplicate")
	r.ObserveAgentRequest("submit_answer", nil, 10*time.Millisecond)
	r.ObserveAgentRequest("submit_answer", errors.New("boom"), time.Millisecond)
	r.IncRetry("submit_answer")
	r.IncSessionStarted()
	r.ObserveAnswer(true, nil)

	if got := testutil.ToFloat64(r.callbacksTotal.WithLabelValues("questions", "applied")); got != 2 {
		t.Errorf("callbacks{questions,applied} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.callbacksTotal.WithLabelValues("finalResult", "duplicate")); got != 1 {
		t.Errorf("callbacks{finalResult,duplicate} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.agentRequests.WithLabelValues("submit_answer", "error")); got != 1 {
		t.Errorf("agent_requests{submit_answer,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.agentRetries.WithLabelValues("submit_answer")); got != 1 {
		t.Errorf("agent_retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.sessionsStarted); got != 1 {
		t.Errorf("sessions_started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.answersTotal.WithLabelValues("skip", "accepted")); got != 1 {
		t.Errorf("answers{skip,accepted} = %v, want 1", got)
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.ObserveCallback("questions", "applied")
	r.ObserveAgentRequest("health", nil, time.Second)
	r.IncRetry("x")
	r.IncSessionStarted()
	r.ObserveAnswer(false, nil)
	if r.Registry() != nil {
		t.Error("nil recorder should have no registry")
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.ObserveCallback("error", "ignored")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `interview_callbacks_total{event="error",outcome="ignored"} 1`) {
		t.Errorf("metrics output missing callback counter:\n%s", body)
	}
}
