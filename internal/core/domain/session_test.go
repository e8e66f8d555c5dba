package domain

import (
	"testing"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestNormalizeQuestionStatus(t *testing.T) {
	tests := []struct {
		name string
		in   *string
		want *QuestionStatus
	}{
		{"nil stays nil", nil, nil},
		{"upper case", strPtr("ANSWERED"), statusPtr(QuestionAnswered)},
		{"misspelled skipped", strPtr("skiped"), statusPtr(QuestionSkipped)},
		{"padded mixed case", strPtr("  Skipped "), statusPtr(QuestionSkipped)},
		{"unknown defaults", strPtr("banana"), statusPtr(QuestionUnanswered)},
		{"empty defaults", strPtr(""), statusPtr(QuestionUnanswered)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeQuestionStatus(tt.in)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("NormalizeQuestionStatus() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("NormalizeQuestionStatus() = %q, want %q", *got, *tt.want)
			}

			// Normalizing an already normalized value is a fixed point.
			if got != nil {
				again := NormalizeQuestionStatus(strPtr(string(*got)))
				if *again != *got {
					t.Errorf("not idempotent: %q -> %q", *got, *again)
				}
			}
		})
	}
}

func statusPtr(s QuestionStatus) *QuestionStatus { return &s }

func TestSessionTransition(t *testing.T) {
	tests := []struct {
		from    SessionStatus
		to      SessionStatus
		wantErr bool
	}{
		{SessionProcessing, SessionWaitingForAnswers, false},
		{SessionWaitingForAnswers, SessionProcessing, false},
		{SessionWaitingForAnswers, SessionWaitingForAnswers, false},
		{SessionProcessing, SessionDone, false},
		{SessionWaitingForAnswers, SessionError, false},
		{SessionProcessing, SessionCancelled, false},
		{SessionDone, SessionProcessing, true},
		{SessionError, SessionWaitingForAnswers, true},
		{SessionCancelled, SessionDone, true},
		{SessionCancelled, SessionCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := &Session{ID: 7, Status: tt.from}
			err := s.Transition(tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !domainerrors.IsType(err, domainerrors.ErrorTypeInvalidState) {
					t.Errorf("expected invalid_state, got %v", err)
				}
				if s.Status != tt.from {
					t.Errorf("status changed on rejected transition: %s", s.Status)
				}
				return
			}
			if s.Status != tt.to {
				t.Errorf("Status = %s, want %s", s.Status, tt.to)
			}
		})
	}
}

func TestSessionBindExternalID(t *testing.T) {
	s := NewSession(1, "goal", "http://cb")

	if err := s.BindExternalID(""); err != nil || s.ExternalSessionID != nil {
		t.Fatalf("empty id should be a no-op, got %v", err)
	}
	if err := s.BindExternalID("ext-1"); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if err := s.BindExternalID("ext-1"); err != nil {
		t.Fatalf("rebinding the same id failed: %v", err)
	}
	err := s.BindExternalID("ext-2")
	if !domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if s.ExternalID() != "ext-1" {
		t.Errorf("external id changed to %q", s.ExternalID())
	}
}

func TestSessionAdvanceIteration(t *testing.T) {
	s := NewSession(1, "goal", "")
	s.AdvanceIteration(3)
	s.AdvanceIteration(2)
	if s.CurrentIteration != 3 {
		t.Errorf("CurrentIteration = %d, want 3", s.CurrentIteration)
	}
}

func TestMapAgentStatus(t *testing.T) {
	tests := map[string]SessionStatus{
		"DONE":                SessionDone,
		"completed":           SessionDone,
		"error":               SessionError,
		"FAILED":              SessionError,
		"cancelled":           SessionCancelled,
		"waiting_for_answers": SessionWaitingForAnswers,
		"processing":          SessionProcessing,
		"":                    SessionProcessing,
	}
	for in, want := range tests {
		if got := MapAgentStatus(in); got != want {
			t.Errorf("MapAgentStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
