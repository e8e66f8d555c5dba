package ports

import (
	"context"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
)

// SessionStore persists interview sessions.
type SessionStore interface {
	// CreateSession inserts a session and assigns its ID. A second session for
	// the same project fails with a conflict error.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by local ID.
	GetSession(ctx context.Context, id int64) (*domain.Session, error)

	// GetSessionByExternalID retrieves a session by the agent-assigned ID.
	GetSessionByExternalID(ctx context.Context, externalID string) (*domain.Session, error)

	// GetSessionByProject retrieves the session owned by a project.
	GetSessionByProject(ctx context.Context, projectID int64) (*domain.Session, error)

	// UpdateSession writes status, external ID, agent status and iteration.
	UpdateSession(ctx context.Context, s *domain.Session) error

	// DeleteSession removes a session and, transitively, its ledger.
	DeleteSession(ctx context.Context, id int64) error
}

// MessageStore persists the append-only question/answer/result ledger.
type MessageStore interface {
	// UpsertQuestion inserts a QUESTION keyed by (session, external question id)
	// or, when it already exists, refreshes only its question status.
	// It reports whether a new row was created.
	UpsertQuestion(ctx context.Context, q *domain.Message) (*domain.Message, bool, error)

	// AppendMessage inserts an ANSWER or RESULT entry.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)

	// ListMessages returns the ledger for a session in insertion order.
	ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error)
}

// RequirementStore persists the final artifact of a session.
type RequirementStore interface {
	// CreateRequirement fails with a conflict error if the session already has one.
	CreateRequirement(ctx context.Context, r *domain.Requirement) error

	// GetRequirement retrieves the requirement for a session.
	GetRequirement(ctx context.Context, sessionID int64) (*domain.Requirement, error)
}

// ProjectStore is the narrow project collaborator the interview core relies on.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
	GetProjectByExternalID(ctx context.Context, externalID string) (*domain.Project, error)
	GetProjectByCorrelationID(ctx context.Context, correlationID string) (*domain.Project, error)

	// MostRecentUnlinkedProject returns the newest project without an external ID.
	MostRecentUnlinkedProject(ctx context.Context) (*domain.Project, error)

	// UpdateProject writes external ID, correlation ID and status.
	UpdateProject(ctx context.Context, p *domain.Project) error

	// DeleteProject removes a project and cascades to its session and ledger.
	DeleteProject(ctx context.Context, id int64) error
}

// LedgerTx is the set of operations available inside a ledger transaction.
type LedgerTx interface {
	SessionStore
	MessageStore
	RequirementStore
	ProjectStore
}

// LedgerStore is the Session Ledger Store. Reads and single writes may go
// straight to the store; multi-step read-modify-write sequences run in InTx,
// which commits when fn returns nil and rolls back otherwise.
type LedgerStore interface {
	LedgerTx

	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Close closes the storage connection
	Close() error
}
