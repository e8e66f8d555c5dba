package agent

import "github.com/tjfontaine/interview-gateway/internal/core/domain"

// Wire shapes of the interview agent's HTTP API.

type createSessionRequest struct {
	UserGoal         string                   `json:"user_goal"`
	ProjectID        string                   `json:"project_id,omitempty"`
	ContextQuestions *domain.ContextQuestions `json:"context_questions,omitempty"`
	CallbackURL      string                   `json:"callback_url"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type submitAnswerRequest struct {
	Answer    string `json:"answer"`
	IsSkipped bool   `json:"is_skipped"`
}

type createProjectRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	CorrelationID string `json:"correlation_id"`
	CallbackURL   string `json:"callback_url"`
}

type createProjectResponse struct {
	ID string `json:"id"`
}

type deleteProjectResponse struct {
	Status string `json:"status"`
}

// errorResponse is the agent's error body. Either field may be absent.
type errorResponse struct {
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}
