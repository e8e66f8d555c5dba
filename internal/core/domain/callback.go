package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

// EventKind names a callback variant sent by the agent.
type EventKind string

const (
	EventQuestions      EventKind = "questions"
	EventFinalResult    EventKind = "finalResult"
	EventError          EventKind = "error"
	EventProjectUpdated EventKind = "projectUpdated"
)

// CallbackEvent is the closed set of callback payloads. The unexported method
// keeps the set sealed to this package: QuestionsEvent, FinalResultEvent,
// ErrorEvent and ProjectUpdatedEvent.
type CallbackEvent interface {
	Kind() EventKind
	OccurredAt() time.Time
	sealed()
}

// EventMeta carries envelope-level fields shared by every variant.
type EventMeta struct {
	Timestamp time.Time `json:"-"`
}

// OccurredAt returns the envelope timestamp (zero when the agent omitted it).
func (m EventMeta) OccurredAt() time.Time { return m.Timestamp }

func (EventMeta) sealed() {}

// IncomingQuestion is a single question as reported by the agent.
type IncomingQuestion struct {
	ID             string  `json:"id"`
	QuestionNumber *int    `json:"question_number"`
	Status         *string `json:"status"`
	Question       string  `json:"question"`
	Explanation    *string `json:"explanation,omitempty"`
}

// QuestionsEvent reports a new (or refreshed) batch of questions for a session.
type QuestionsEvent struct {
	EventMeta
	SessionID       string             `json:"session_id"`
	ProjectID       *string            `json:"project_id,omitempty"`
	IterationNumber int                `json:"iteration_number"`
	Questions       []IncomingQuestion `json:"questions"`
}

func (*QuestionsEvent) Kind() EventKind { return EventQuestions }

// FinalResultEvent is the agent's SessionDTO delivered when a session ends.
type FinalResultEvent struct {
	EventMeta
	SessionID       string          `json:"session_id"`
	ProjectID       *string         `json:"project_id,omitempty"`
	SessionStatus   string          `json:"session_status"`
	IterationNumber int             `json:"iteration_number"`
	FinalResult     *string         `json:"final_result,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	CreatedAt       *time.Time      `json:"created_at,omitempty"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

func (*FinalResultEvent) Kind() EventKind { return EventFinalResult }

// CallbackErrorBody is the nested error object of an error callback.
type CallbackErrorBody struct {
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorEvent reports an agent-side failure. The affected session, if any, is
// only discoverable through the nested details.
type ErrorEvent struct {
	EventMeta
	Error CallbackErrorBody `json:"error"`
}

func (*ErrorEvent) Kind() EventKind { return EventError }

// SessionHint extracts the external session id from the error details, or "".
func (e *ErrorEvent) SessionHint() string {
	v, ok := e.Error.Details["session_id"]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

// ProjectUpdatedEvent reports that the agent provisioned or refreshed a project.
// CorrelationID echoes the token sent when the project was registered.
type ProjectUpdatedEvent struct {
	EventMeta
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   *string           `json:"description,omitempty"`
	Size          int64             `json:"size"`
	Files         []json.RawMessage `json:"files"`
	CorrelationID *string           `json:"correlation_id,omitempty"`
}

func (*ProjectUpdatedEvent) Kind() EventKind { return EventProjectUpdated }

// callbackEnvelope is the wire shape every callback arrives in.
type callbackEnvelope struct {
	Event     EventKind       `json:"event"`
	Timestamp *time.Time      `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DecodeCallback parses a callback envelope into its typed variant.
// Malformed input of any kind fails with a bad request error.
func DecodeCallback(body []byte) (CallbackEvent, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("invalid callback envelope", err)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil, malformed(fmt.Sprintf("callback %q has no data", env.Event), nil)
	}

	var meta EventMeta
	if env.Timestamp != nil {
		meta.Timestamp = *env.Timestamp
	}

	switch env.Event {
	case EventQuestions:
		ev := &QuestionsEvent{EventMeta: meta}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, malformed("invalid questions payload", err)
		}
		for i, q := range ev.Questions {
			if q.ID == "" {
				return nil, malformed(fmt.Sprintf("question %d has no id", i), nil)
			}
		}
		return ev, nil

	case EventFinalResult:
		ev := &FinalResultEvent{EventMeta: meta}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, malformed("invalid finalResult payload", err)
		}
		return ev, nil

	case EventError:
		ev := &ErrorEvent{EventMeta: meta}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, malformed("invalid error payload", err)
		}
		return ev, nil

	case EventProjectUpdated:
		ev := &ProjectUpdatedEvent{EventMeta: meta}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, malformed("invalid projectUpdated payload", err)
		}
		if ev.ID == "" {
			return nil, malformed("projectUpdated has no id", nil)
		}
		return ev, nil

	default:
		return nil, malformed(fmt.Sprintf("unknown callback event %q", env.Event), nil)
	}
}

func malformed(msg string, cause error) error {
	e := domainerrors.ErrBadRequest(msg).WithCode(domainerrors.ErrorCodeMalformedPayload)
	if cause != nil {
		e = e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}
