package orchestrator

import (
	"context"
	"sort"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

// Exchange pairs a question with the user's latest answer to it.
type Exchange struct {
	Question domain.Message  `json:"question"`
	Answer   *domain.Message `json:"answer"`
}

// Status is the read-only projection of a session.
type Status struct {
	Session     *domain.Session     `json:"session"`
	Messages    []domain.Message    `json:"messages"`
	Dialogue    []Exchange          `json:"dialogue"`
	Result      *domain.Message     `json:"result,omitempty"`
	Requirement *domain.Requirement `json:"requirement,omitempty"`
}

// GetStatus returns the session, its ledger and the dialogue so far.
func (f *Facade) GetStatus(ctx context.Context, sessionID int64) (*Status, error) {
	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := f.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Session:  sess,
		Messages: messages,
		Dialogue: Dialogue(messages),
	}
	for i := range messages {
		if messages[i].Type == domain.MessageResult {
			status.Result = &messages[i]
		}
	}

	req, err := f.store.GetRequirement(ctx, sessionID)
	switch {
	case err == nil:
		status.Requirement = req
	case !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound):
		return nil, err
	}
	return status, nil
}

// Dialogue pairs questions, ordered by question number, with their latest
// answer. Pairing stops at the first unanswered question, which is included
// with a nil answer so only the current open question is visible.
func Dialogue(messages []domain.Message) []Exchange {
	var questions []domain.Message
	answers := map[int64]*domain.Message{}
	for i := range messages {
		m := &messages[i]
		switch m.Type {
		case domain.MessageQuestion:
			questions = append(questions, *m)
		case domain.MessageAnswer:
			if m.ParentMessageID == nil {
				continue
			}
			if prev, ok := answers[*m.ParentMessageID]; !ok || m.ID > prev.ID {
				answers[*m.ParentMessageID] = m
			}
		}
	}

	sort.SliceStable(questions, func(i, j int) bool {
		a, b := questions[i].QuestionNumber, questions[j].QuestionNumber
		switch {
		case a == nil && b == nil:
			return questions[i].ID < questions[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		default:
			return questions[i].ID < questions[j].ID
		}
	})

	dialogue := make([]Exchange, 0, len(questions))
	for _, q := range questions {
		answer := answers[q.ID]
		dialogue = append(dialogue, Exchange{Question: q, Answer: answer})
		if answer == nil {
			break
		}
	}
	return dialogue
}
