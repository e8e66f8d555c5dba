package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

type messageRow struct {
	ID                 int64     `db:"id"`
	SessionID          int64     `db:"session_id"`
	ParentMessageID    *int64    `db:"parent_message_id"`
	Role               string    `db:"role"`
	MessageType        string    `db:"message_type"`
	Content            string    `db:"content"`
	QuestionExternalID *string   `db:"question_external_id"`
	QuestionNumber     *int      `db:"question_number"`
	QuestionStatus     *string   `db:"question_status"`
	Explanation        *string   `db:"explanation"`
	IsSkipped          bool      `db:"is_skipped"`
	CreatedAt          time.Time `db:"created_at"`
}

func (r *messageRow) toDomain() domain.Message {
	m := domain.Message{
		ID:                 r.ID,
		SessionID:          r.SessionID,
		ParentMessageID:    r.ParentMessageID,
		Role:               domain.MessageRole(r.Role),
		Type:               domain.MessageType(r.MessageType),
		Content:            r.Content,
		QuestionExternalID: r.QuestionExternalID,
		QuestionNumber:     r.QuestionNumber,
		Explanation:        r.Explanation,
		IsSkipped:          r.IsSkipped,
		CreatedAt:          r.CreatedAt,
	}
	if r.QuestionStatus != nil {
		status := domain.QuestionStatus(*r.QuestionStatus)
		m.QuestionStatus = &status
	}
	return m
}

const messageColumns = `id, session_id, parent_message_id, role, message_type, content,
	question_external_id, question_number, question_status, explanation, is_skipped, created_at`

func statusText(s *domain.QuestionStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (l *ledger) findQuestion(ctx context.Context, sessionID int64, externalID string) (*domain.Message, error) {
	var row messageRow
	query := l.ext.Rebind(`SELECT ` + messageColumns + ` FROM session_messages
		WHERE session_id = ? AND question_external_id = ?`)
	if err := sqlx.GetContext(ctx, l.ext, &row, query, sessionID, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domainerrors.ErrInternal("failed to look up question", err)
	}
	m := row.toDomain()
	return &m, nil
}

func (l *ledger) UpsertQuestion(ctx context.Context, q *domain.Message) (*domain.Message, bool, error) {
	if q.QuestionExternalID == nil || *q.QuestionExternalID == "" {
		return nil, false, domainerrors.ErrBadRequest("question has no external id")
	}
	externalID := *q.QuestionExternalID

	existing, err := l.findQuestion(ctx, q.SessionID, externalID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if q.QuestionStatus == nil || (existing.QuestionStatus != nil && *existing.QuestionStatus == *q.QuestionStatus) {
			return existing, false, nil
		}
		query := l.ext.Rebind(`UPDATE session_messages SET question_status = ? WHERE id = ?`)
		if _, err := l.ext.ExecContext(ctx, query, string(*q.QuestionStatus), existing.ID); err != nil {
			return nil, false, domainerrors.ErrInternal("failed to refresh question status", err)
		}
		existing.QuestionStatus = q.QuestionStatus
		return existing, false, nil
	}

	status := domain.QuestionUnanswered
	if q.QuestionStatus != nil {
		status = *q.QuestionStatus
	}
	var updateCols []string
	if q.QuestionStatus != nil {
		updateCols = []string{"question_status"}
	}

	query := l.ext.Rebind(`INSERT INTO session_messages
		(session_id, role, message_type, content, question_external_id, question_number,
		 question_status, explanation, is_skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?) ` +
		l.dialect.UpsertClause([]string{"session_id", "question_external_id"}, updateCols))

	res, err := l.ext.ExecContext(ctx, query,
		q.SessionID, string(domain.RoleAgent), string(domain.MessageQuestion), q.Content,
		externalID, q.QuestionNumber, string(status), q.Explanation, time.Now().UTC())
	if err != nil {
		return nil, false, domainerrors.ErrInternal("failed to upsert question", err)
	}
	n, _ := res.RowsAffected()

	stored, err := l.findQuestion(ctx, q.SessionID, externalID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, domainerrors.ErrInternal(fmt.Sprintf("question %q vanished after upsert", externalID), nil)
	}
	return stored, n > 0 && existing == nil, nil
}

func (l *ledger) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.Type == domain.MessageQuestion {
		return domainerrors.ErrBadRequest("questions must be written with UpsertQuestion")
	}
	var parent *domain.Message
	if m.ParentMessageID != nil {
		p, err := l.GetMessage(ctx, *m.ParentMessageID)
		if err != nil {
			return err
		}
		parent = p
	}
	if err := m.CheckParent(parent); err != nil {
		return err
	}
	m.CreatedAt = time.Now().UTC()

	query := l.ext.Rebind(`INSERT INTO session_messages
		(session_id, parent_message_id, role, message_type, content, question_external_id,
		 question_number, question_status, explanation, is_skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	res, err := l.ext.ExecContext(ctx, query,
		m.SessionID, m.ParentMessageID, string(m.Role), string(m.Type), m.Content,
		m.QuestionExternalID, m.QuestionNumber, statusText(m.QuestionStatus), m.Explanation,
		m.IsSkipped, m.CreatedAt)
	if err != nil {
		return domainerrors.ErrInternal("failed to append message", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domainerrors.ErrInternal("failed to read message id", err)
	}
	m.ID = id
	return nil
}

func (l *ledger) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	var row messageRow
	query := l.ext.Rebind(`SELECT ` + messageColumns + ` FROM session_messages WHERE id = ?`)
	if err := sqlx.GetContext(ctx, l.ext, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound(fmt.Sprintf("message %d not found", id))
		}
		return nil, domainerrors.ErrInternal("failed to get message", err)
	}
	m := row.toDomain()
	return &m, nil
}

func (l *ledger) ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	var rows []messageRow
	query := l.ext.Rebind(`SELECT ` + messageColumns + ` FROM session_messages
		WHERE session_id = ? ORDER BY id ASC`)
	if err := sqlx.SelectContext(ctx, l.ext, &rows, query, sessionID); err != nil {
		return nil, domainerrors.ErrInternal("failed to list messages", err)
	}

	messages := make([]domain.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toDomain())
	}
	return messages, nil
}

type requirementRow struct {
	ID        int64     `db:"id"`
	SessionID int64     `db:"session_id"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (l *ledger) CreateRequirement(ctx context.Context, r *domain.Requirement) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	query := l.ext.Rebind(`INSERT INTO requirements (session_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?)`)
	res, err := l.ext.ExecContext(ctx, query, r.SessionID, r.Content, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if l.dialect.IsUniqueViolation(err) {
			return domainerrors.ErrConflict(fmt.Sprintf("session %d already has a requirement", r.SessionID)).
				WithCode(domainerrors.ErrorCodeRequirementExists)
		}
		return domainerrors.ErrInternal("failed to create requirement", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domainerrors.ErrInternal("failed to read requirement id", err)
	}
	r.ID = id
	return nil
}

func (l *ledger) GetRequirement(ctx context.Context, sessionID int64) (*domain.Requirement, error) {
	var row requirementRow
	query := l.ext.Rebind(`SELECT id, session_id, content, created_at, updated_at
		FROM requirements WHERE session_id = ?`)
	if err := sqlx.GetContext(ctx, l.ext, &row, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound(fmt.Sprintf("requirement for session %d not found", sessionID))
		}
		return nil, domainerrors.ErrInternal("failed to get requirement", err)
	}
	return &domain.Requirement{
		ID:        row.ID,
		SessionID: row.SessionID,
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
