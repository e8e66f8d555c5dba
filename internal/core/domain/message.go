package domain

import (
	"fmt"
	"strings"
	"time"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

// MessageType tags a ledger entry.
type MessageType string

const (
	MessageQuestion MessageType = "question"
	MessageAnswer   MessageType = "answer"
	MessageResult   MessageType = "result"
)

// MessageRole identifies who authored a ledger entry.
type MessageRole string

const (
	RoleAgent MessageRole = "agent"
	RoleUser  MessageRole = "user"
)

// QuestionStatus is the agent-reported state of a question.
type QuestionStatus string

const (
	QuestionUnanswered QuestionStatus = "unanswered"
	QuestionAnswered   QuestionStatus = "answered"
	QuestionSkipped    QuestionStatus = "skipped"
)

// NormalizeQuestionStatus maps the agent's status text onto a QuestionStatus.
// Matching is case-insensitive, the "skiped" misspelling is corrected and any
// unrecognized value becomes unanswered. A nil input yields nil.
func NormalizeQuestionStatus(raw *string) *QuestionStatus {
	if raw == nil {
		return nil
	}

	var status QuestionStatus
	switch strings.ToLower(strings.TrimSpace(*raw)) {
	case "answered":
		status = QuestionAnswered
	case "skipped", "skiped":
		status = QuestionSkipped
	default:
		status = QuestionUnanswered
	}
	return &status
}

// Message is an append-only ledger entry belonging to a session.
//
// ParentMessageID threads an ANSWER to its QUESTION by id within the same session.
// QuestionExternalID is the agent's idempotency key for QUESTION entries.
type Message struct {
	ID                 int64           `json:"id"`
	SessionID          int64           `json:"session_id"`
	ParentMessageID    *int64          `json:"parent_message_id,omitempty"`
	Role               MessageRole     `json:"role"`
	Type               MessageType     `json:"message_type"`
	Content            string          `json:"content"`
	QuestionExternalID *string         `json:"question_external_id,omitempty"`
	QuestionNumber     *int            `json:"question_number,omitempty"`
	QuestionStatus     *QuestionStatus `json:"question_status,omitempty"`
	Explanation        *string         `json:"explanation,omitempty"`
	IsSkipped          bool            `json:"is_skipped"`
	CreatedAt          time.Time       `json:"created_at"`
}

// NewQuestion builds a QUESTION entry from agent data. A nil status is stored
// as unanswered on insert and leaves an existing question untouched on refresh.
func NewQuestion(sessionID int64, externalID string, number *int, status *QuestionStatus, content string, explanation *string) *Message {
	return &Message{
		SessionID:          sessionID,
		Role:               RoleAgent,
		Type:               MessageQuestion,
		Content:            content,
		QuestionExternalID: &externalID,
		QuestionNumber:     number,
		QuestionStatus:     status,
		Explanation:        explanation,
	}
}

// NewAnswer builds an ANSWER entry threaded to the question.
func NewAnswer(sessionID, questionID int64, content string, skipped bool) *Message {
	return &Message{
		SessionID:       sessionID,
		ParentMessageID: &questionID,
		Role:            RoleUser,
		Type:            MessageAnswer,
		Content:         content,
		IsSkipped:       skipped,
	}
}

// CheckParent verifies that an ANSWER threads onto a QUESTION of its own
// session. Other message types are not checked.
func (m *Message) CheckParent(parent *Message) error {
	if m.Type != MessageAnswer {
		return nil
	}
	if parent == nil {
		return domainerrors.ErrBadRequest("answer has no parent question")
	}
	if parent.Type != MessageQuestion {
		return domainerrors.ErrBadRequest(fmt.Sprintf("answer parent %d is a %s, not a question", parent.ID, parent.Type))
	}
	if parent.SessionID != m.SessionID {
		return domainerrors.ErrBadRequest(fmt.Sprintf("answer parent %d belongs to session %d, not %d", parent.ID, parent.SessionID, m.SessionID))
	}
	return nil
}

// NewResult builds a RESULT entry holding the agent's final output.
func NewResult(sessionID int64, content string) *Message {
	return &Message{
		SessionID: sessionID,
		Role:      RoleAgent,
		Type:      MessageResult,
		Content:   content,
	}
}

// Requirement is the final artifact derived from a session's RESULT message.
type Requirement struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
