package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of the Session Ledger Store.
type Store struct {
	*ledger
	db *sqlx.DB
}

// Ensure Store implements LedgerStore
var _ ports.LedgerStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite
	DSN    string // Data source name / connection string
}

// ledger runs queries against either the pool or an open transaction.
type ledger struct {
	ext     sqlx.ExtContext
	dialect dialect.Dialect
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{ledger: &ledger{ext: db, dialect: d}, db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			external_id TEXT UNIQUE,
			correlation_id TEXT UNIQUE,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL UNIQUE,
			external_session_id TEXT UNIQUE,
			status TEXT NOT NULL,
			agent_session_status TEXT,
			current_iteration INTEGER NOT NULL DEFAULT 1,
			user_goal TEXT NOT NULL,
			callback_url TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			parent_message_id INTEGER,
			role TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			question_external_id TEXT,
			question_number INTEGER,
			question_status TEXT,
			explanation TEXT,
			is_skipped INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES agent_sessions(id) ON DELETE CASCADE,
			FOREIGN KEY (parent_message_id) REFERENCES session_messages(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS requirements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL UNIQUE,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES agent_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_messages_question
			ON session_messages(session_id, question_external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_parent ON session_messages(parent_message_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx ports.LedgerTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domainerrors.ErrInternal("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&ledger{ext: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return domainerrors.ErrInternal("failed to commit transaction", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	ID                 int64     `db:"id"`
	ProjectID          int64     `db:"project_id"`
	ExternalSessionID  *string   `db:"external_session_id"`
	Status             string    `db:"status"`
	AgentSessionStatus *string   `db:"agent_session_status"`
	CurrentIteration   int       `db:"current_iteration"`
	UserGoal           string    `db:"user_goal"`
	CallbackURL        string    `db:"callback_url"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID:                 r.ID,
		ProjectID:          r.ProjectID,
		ExternalSessionID:  r.ExternalSessionID,
		Status:             domain.SessionStatus(r.Status),
		AgentSessionStatus: r.AgentSessionStatus,
		CurrentIteration:   r.CurrentIteration,
		UserGoal:           r.UserGoal,
		CallbackURL:        r.CallbackURL,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

const sessionColumns = `id, project_id, external_session_id, status, agent_session_status,
	current_iteration, user_goal, callback_url, created_at, updated_at`

func (l *ledger) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	query := l.ext.Rebind(`INSERT INTO agent_sessions
		(project_id, external_session_id, status, agent_session_status, current_iteration,
		 user_goal, callback_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	res, err := l.ext.ExecContext(ctx, query,
		sess.ProjectID, sess.ExternalSessionID, string(sess.Status), sess.AgentSessionStatus,
		sess.CurrentIteration, sess.UserGoal, sess.CallbackURL, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if l.dialect.IsUniqueViolation(err) {
			return domainerrors.ErrConflict(fmt.Sprintf("project %d already has an interview session", sess.ProjectID))
		}
		return domainerrors.ErrInternal("failed to create session", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domainerrors.ErrInternal("failed to read session id", err)
	}
	sess.ID = id
	return nil
}

func (l *ledger) getSessionWhere(ctx context.Context, where string, arg any) (*domain.Session, error) {
	var row sessionRow
	query := l.ext.Rebind(`SELECT ` + sessionColumns + ` FROM agent_sessions WHERE ` + where)
	if err := sqlx.GetContext(ctx, l.ext, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound(fmt.Sprintf("session with %s %v not found", where, arg))
		}
		return nil, domainerrors.ErrInternal("failed to get session", err)
	}
	return row.toDomain(), nil
}

func (l *ledger) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	return l.getSessionWhere(ctx, "id = ?", id)
}

func (l *ledger) GetSessionByExternalID(ctx context.Context, externalID string) (*domain.Session, error) {
	return l.getSessionWhere(ctx, "external_session_id = ?", externalID)
}

func (l *ledger) GetSessionByProject(ctx context.Context, projectID int64) (*domain.Session, error) {
	return l.getSessionWhere(ctx, "project_id = ?", projectID)
}

func (l *ledger) UpdateSession(ctx context.Context, sess *domain.Session) error {
	sess.UpdatedAt = time.Now().UTC()

	query := l.ext.Rebind(`UPDATE agent_sessions
		SET external_session_id = ?, status = ?, agent_session_status = ?,
		    current_iteration = ?, updated_at = ?
		WHERE id = ?`)

	res, err := l.ext.ExecContext(ctx, query,
		sess.ExternalSessionID, string(sess.Status), sess.AgentSessionStatus,
		sess.CurrentIteration, sess.UpdatedAt, sess.ID)
	if err != nil {
		if l.dialect.IsUniqueViolation(err) {
			return domainerrors.ErrConflict(fmt.Sprintf("external session %q is bound to another session", sess.ExternalID())).
				WithCode(domainerrors.ErrorCodeExternalIDMismatch)
		}
		return domainerrors.ErrInternal("failed to update session", err)
	}
	return requireAffected(res, fmt.Sprintf("session %d not found", sess.ID))
}

func (l *ledger) DeleteSession(ctx context.Context, id int64) error {
	res, err := l.ext.ExecContext(ctx, l.ext.Rebind(`DELETE FROM agent_sessions WHERE id = ?`), id)
	if err != nil {
		return domainerrors.ErrInternal("failed to delete session", err)
	}
	return requireAffected(res, fmt.Sprintf("session %d not found", id))
}

func requireAffected(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domainerrors.ErrInternal("failed to read affected rows", err)
	}
	if n == 0 {
		return domainerrors.ErrNotFound(notFound)
	}
	return nil
}
