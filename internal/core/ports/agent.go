package ports

import (
	"context"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
)

// CreateSessionRequest starts an interview on the agent.
type CreateSessionRequest struct {
	Goal              string
	ContextQuestions  *domain.ContextQuestions
	ProjectExternalID string
}

// CreateProjectRequest provisions the agent-side project.
type CreateProjectRequest struct {
	Title         string
	Description   string
	CorrelationID string
}

// AgentSession is the agent's own view of a session (its SessionDTO).
type AgentSession struct {
	SessionID       string  `json:"session_id"`
	ProjectID       *string `json:"project_id,omitempty"`
	SessionStatus   string  `json:"session_status"`
	IterationNumber int     `json:"iteration_number"`
	FinalResult     *string `json:"final_result,omitempty"`
}

// AgentClient is the outbound surface to the external interview agent.
// Every failure is an *APIError of type upstream (or unavailable for the
// health check). Implementations never retry.
type AgentClient interface {
	HealthCheck(ctx context.Context) error
	CreateSession(ctx context.Context, req CreateSessionRequest) (string, error)
	SubmitAnswer(ctx context.Context, sessionExternalID, questionExternalID, answer string, skipped bool) error
	CancelSession(ctx context.Context, sessionExternalID string) error
	GetSession(ctx context.Context, sessionExternalID string) (*AgentSession, error)
	CreateProject(ctx context.Context, req CreateProjectRequest) (string, error)
	DeleteProject(ctx context.Context, projectExternalID string) error
}
