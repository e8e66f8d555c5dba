package domain

import (
	"testing"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

func TestDecodeCallback_Questions(t *testing.T) {
	body := []byte(`{
		"event": "questions",
		"timestamp": "2026-01-02T03:04:05Z",
		"data": {
			"session_id": "s-1",
			"project_id": "p-1",
			"iteration_number": 2,
			"questions": [
				{"id": "q1", "question_number": 1, "status": "UNANSWERED", "question": "Who?"},
				{"id": "q2", "question_number": 2, "status": null, "question": "Why?", "explanation": "context"}
			]
		}
	}`)

	ev, err := DecodeCallback(body)
	if err != nil {
		t.Fatalf("DecodeCallback() error = %v", err)
	}
	q, ok := ev.(*QuestionsEvent)
	if !ok {
		t.Fatalf("got %T, want *QuestionsEvent", ev)
	}
	if q.SessionID != "s-1" || q.IterationNumber != 2 || len(q.Questions) != 2 {
		t.Errorf("unexpected payload: %+v", q)
	}
	if q.OccurredAt().IsZero() {
		t.Error("timestamp not carried onto the event")
	}
	if q.Questions[1].Status != nil {
		t.Error("null status should decode as nil")
	}
	if q.Questions[1].Explanation == nil || *q.Questions[1].Explanation != "context" {
		t.Error("explanation not decoded")
	}
}

func TestDecodeCallback_Variants(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind EventKind
	}{
		{
			name: "final result",
			body: `{"event":"finalResult","timestamp":"2026-01-02T03:04:05Z","data":{"session_id":"s","session_status":"DONE","iteration_number":3,"final_result":"req"}}`,
			kind: EventFinalResult,
		},
		{
			name: "error",
			body: `{"event":"error","timestamp":"2026-01-02T03:04:05Z","data":{"error":{"message":"x","details":{"session_id":"s"}}}}`,
			kind: EventError,
		},
		{
			name: "project updated",
			body: `{"event":"projectUpdated","timestamp":"2026-01-02T03:04:05Z","data":{"id":"p","title":"t","size":10,"files":[{"name":"a"}]}}`,
			kind: EventProjectUpdated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeCallback([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeCallback() error = %v", err)
			}
			if ev.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", ev.Kind(), tt.kind)
			}
		})
	}
}

func TestDecodeCallback_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown event", `{"event":"bogus","data":{}}`},
		{"missing data", `{"event":"questions"}`},
		{"null data", `{"event":"questions","data":null}`},
		{"bad timestamp", `{"event":"questions","timestamp":"yesterday","data":{"questions":[]}}`},
		{"question without id", `{"event":"questions","data":{"session_id":"s","questions":[{"question":"q"}]}}`},
		{"project without id", `{"event":"projectUpdated","data":{"title":"t"}}`},
		{"wrong field type", `{"event":"finalResult","data":{"iteration_number":"three"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCallback([]byte(tt.body))
			if !domainerrors.IsType(err, domainerrors.ErrorTypeBadRequest) {
				t.Errorf("expected bad_request, got %v", err)
			}
		})
	}
}

func TestErrorEvent_SessionHint(t *testing.T) {
	tests := []struct {
		name    string
		details map[string]any
		want    string
	}{
		{"string id", map[string]any{"session_id": "abc"}, "abc"},
		{"numeric id", map[string]any{"session_id": float64(42)}, "42"},
		{"missing", map[string]any{"other": 1}, ""},
		{"nil details", nil, ""},
		{"null id", map[string]any{"session_id": nil}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &ErrorEvent{Error: CallbackErrorBody{Details: tt.details}}
			if got := ev.SessionHint(); got != tt.want {
				t.Errorf("SessionHint() = %q, want %q", got, tt.want)
			}
		})
	}
}
