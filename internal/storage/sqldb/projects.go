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

type projectRow struct {
	ID            int64     `db:"id"`
	Title         string    `db:"title"`
	ExternalID    *string   `db:"external_id"`
	CorrelationID *string   `db:"correlation_id"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *projectRow) toDomain() *domain.Project {
	return &domain.Project{
		ID:            r.ID,
		Title:         r.Title,
		ExternalID:    r.ExternalID,
		CorrelationID: r.CorrelationID,
		Status:        domain.ProjectStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

const projectColumns = `id, title, external_id, correlation_id, status, created_at, updated_at`

func (l *ledger) CreateProject(ctx context.Context, p *domain.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = domain.ProjectActive
	}

	query := l.ext.Rebind(`INSERT INTO projects
		(title, external_id, correlation_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	res, err := l.ext.ExecContext(ctx, query,
		p.Title, p.ExternalID, p.CorrelationID, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if l.dialect.IsUniqueViolation(err) {
			return domainerrors.ErrConflict("project external or correlation id already in use")
		}
		return domainerrors.ErrInternal("failed to create project", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domainerrors.ErrInternal("failed to read project id", err)
	}
	p.ID = id
	return nil
}

func (l *ledger) getProjectWhere(ctx context.Context, clause, desc string, args ...any) (*domain.Project, error) {
	var row projectRow
	query := l.ext.Rebind(`SELECT ` + projectColumns + ` FROM projects WHERE ` + clause)
	if err := sqlx.GetContext(ctx, l.ext, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound(fmt.Sprintf("project %s not found", desc))
		}
		return nil, domainerrors.ErrInternal("failed to get project", err)
	}
	return row.toDomain(), nil
}

func (l *ledger) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	return l.getProjectWhere(ctx, "id = ?", fmt.Sprint(id), id)
}

func (l *ledger) GetProjectByExternalID(ctx context.Context, externalID string) (*domain.Project, error) {
	return l.getProjectWhere(ctx, "external_id = ?", fmt.Sprintf("with external id %q", externalID), externalID)
}

func (l *ledger) GetProjectByCorrelationID(ctx context.Context, correlationID string) (*domain.Project, error) {
	return l.getProjectWhere(ctx, "correlation_id = ?", fmt.Sprintf("with correlation id %q", correlationID), correlationID)
}

func (l *ledger) MostRecentUnlinkedProject(ctx context.Context) (*domain.Project, error) {
	return l.getProjectWhere(ctx, "external_id IS NULL ORDER BY id DESC LIMIT 1", "without external id")
}

func (l *ledger) UpdateProject(ctx context.Context, p *domain.Project) error {
	p.UpdatedAt = time.Now().UTC()

	query := l.ext.Rebind(`UPDATE projects
		SET title = ?, external_id = ?, correlation_id = ?, status = ?, updated_at = ?
		WHERE id = ?`)
	res, err := l.ext.ExecContext(ctx, query,
		p.Title, p.ExternalID, p.CorrelationID, string(p.Status), p.UpdatedAt, p.ID)
	if err != nil {
		if l.dialect.IsUniqueViolation(err) {
			return domainerrors.ErrConflict(fmt.Sprintf("project %d: external or correlation id already in use", p.ID))
		}
		return domainerrors.ErrInternal("failed to update project", err)
	}
	return requireAffected(res, fmt.Sprintf("project %d not found", p.ID))
}

func (l *ledger) DeleteProject(ctx context.Context, id int64) error {
	res, err := l.ext.ExecContext(ctx, l.ext.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return domainerrors.ErrInternal("failed to delete project", err)
	}
	return requireAffected(res, fmt.Sprintf("project %d not found", id))
}
