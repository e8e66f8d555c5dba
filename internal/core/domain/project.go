package domain

import "time"

// ProjectStatus mirrors the interview progress onto the owning project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectFinished ProjectStatus = "finished"
)

// Project is the minimal view of the user-owned project an interview belongs to.
// CorrelationID is generated when the project is provisioned on the agent and is
// echoed back in the projectUpdated callback.
type Project struct {
	ID            int64         `json:"id"`
	Title         string        `json:"title"`
	ExternalID    *string       `json:"external_id,omitempty"`
	CorrelationID *string       `json:"correlation_id,omitempty"`
	Status        ProjectStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ContextQuestions are the optional framing answers supplied when starting a session.
type ContextQuestions struct {
	Task  string `json:"task"`
	Goal  string `json:"goal"`
	Value string `json:"value"`
}
