package domain

import (
	"fmt"
	"strings"
	"time"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

// SessionStatus is the locally owned lifecycle state of an interview session.
type SessionStatus string

const (
	SessionProcessing        SessionStatus = "processing"
	SessionWaitingForAnswers SessionStatus = "waiting_for_answers"
	SessionDone              SessionStatus = "done"
	SessionError             SessionStatus = "error"
	SessionCancelled         SessionStatus = "cancelled"
)

// IsTerminal reports whether no further status mutation is permitted.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionDone, SessionError, SessionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionProcessing, SessionWaitingForAnswers, SessionDone, SessionError, SessionCancelled:
		return true
	}
	return false
}

// transitions lists the legal moves out of every non-terminal state.
var transitions = map[SessionStatus][]SessionStatus{
	SessionProcessing: {
		SessionProcessing,
		SessionWaitingForAnswers,
		SessionDone,
		SessionError,
		SessionCancelled,
	},
	SessionWaitingForAnswers: {
		SessionWaitingForAnswers,
		SessionProcessing,
		SessionDone,
		SessionError,
		SessionCancelled,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MapAgentStatus translates the agent's free-form session_status into a local status.
func MapAgentStatus(agentStatus string) SessionStatus {
	switch strings.ToLower(strings.TrimSpace(agentStatus)) {
	case "done", "completed", "finished":
		return SessionDone
	case "error", "failed":
		return SessionError
	case "cancelled", "canceled":
		return SessionCancelled
	case "waiting_for_answers", "questions":
		return SessionWaitingForAnswers
	default:
		return SessionProcessing
	}
}

// Session is the local record of one interview conducted by the agent for a project.
type Session struct {
	ID                 int64         `json:"id"`
	ProjectID          int64         `json:"project_id"`
	ExternalSessionID  *string       `json:"external_session_id"`
	Status             SessionStatus `json:"status"`
	AgentSessionStatus *string       `json:"agent_session_status,omitempty"`
	CurrentIteration   int           `json:"current_iteration"`
	UserGoal           string        `json:"user_goal"`
	CallbackURL        string        `json:"callback_url"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// NewSession builds a session in its initial PROCESSING state.
func NewSession(projectID int64, goal, callbackURL string) *Session {
	return &Session{
		ProjectID:        projectID,
		Status:           SessionProcessing,
		CurrentIteration: 1,
		UserGoal:         goal,
		CallbackURL:      callbackURL,
	}
}

// Transition moves the session to a new status, enforcing the state machine.
func (s *Session) Transition(to SessionStatus) error {
	if s.Status.IsTerminal() {
		return domainerrors.ErrInvalidState(
			fmt.Sprintf("session %d is %s and cannot move to %s", s.ID, s.Status, to)).
			WithCode(domainerrors.ErrorCodeSessionTerminal)
	}
	if !CanTransition(s.Status, to) {
		return domainerrors.ErrInvalidState(
			fmt.Sprintf("session %d cannot move from %s to %s", s.ID, s.Status, to))
	}
	s.Status = to
	return nil
}

// BindExternalID records the agent-assigned session id. Once set it never changes.
func (s *Session) BindExternalID(id string) error {
	if id == "" {
		return nil
	}
	if s.ExternalSessionID == nil {
		s.ExternalSessionID = &id
		return nil
	}
	if *s.ExternalSessionID != id {
		return domainerrors.ErrConflict(
			fmt.Sprintf("session %d is bound to external session %q, not %q", s.ID, *s.ExternalSessionID, id)).
			WithCode(domainerrors.ErrorCodeExternalIDMismatch)
	}
	return nil
}

// AdvanceIteration keeps the iteration counter monotonically non-decreasing.
func (s *Session) AdvanceIteration(n int) {
	if n > s.CurrentIteration {
		s.CurrentIteration = n
	}
}

// ExternalID returns the external session id or "".
func (s *Session) ExternalID() string {
	if s.ExternalSessionID == nil {
		return ""
	}
	return *s.ExternalSessionID
}
