// Package agentapi is the HTTP boundary of the interview gateway: the agent's
// webhook and the user-facing session endpoints.
package agentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/orchestrator"
	"github.com/tjfontaine/interview-gateway/internal/reconcile"
	"github.com/tjfontaine/interview-gateway/internal/server"
)

// RequestIDHeader carries the agent's delivery id on webhook calls.
const RequestIDHeader = "X-Request-ID"

const defaultMaxBodyBytes = 1 << 20

// Authorizer decides whether the caller may act on a project or session.
// A returned error is rendered as is.
type Authorizer interface {
	AuthorizeProject(r *http.Request, projectID int64) error
	AuthorizeSession(r *http.Request, sessionID int64) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthorizer installs an ownership check. Without one every request is allowed.
func WithAuthorizer(a Authorizer) Option {
	return func(h *Handler) {
		h.auth = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		h.maxBody = n
	}
}

// Handler serves the /agent routes.
type Handler struct {
	facade     *orchestrator.Facade
	dispatcher *reconcile.Dispatcher
	auth       Authorizer
	logger     *slog.Logger
	maxBody    int64
}

// New creates the handler.
func New(facade *orchestrator.Facade, dispatcher *reconcile.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		facade:     facade,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		maxBody:    defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router meant to be mounted at /agent.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/webhook", h.handleWebhook)

	r.Post("/projects", h.handleCreateProject)
	r.Post("/projects/{projectID}/register", h.handleRegisterProject)
	r.Delete("/projects/{projectID}", h.handleDeleteProject)

	r.Post("/sessions/start/project/{projectID}", h.handleStartSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/sessions/{sessionID}/answer/{questionID}", h.handleSubmitAnswer)
	r.Post("/sessions/{sessionID}/cancel", h.handleCancelSession)
	r.Post("/sessions/{sessionID}/sync", h.handleSyncSession)

	return r
}

// WebhookResponse acknowledges a callback delivery.
type WebhookResponse struct {
	Status    string            `json:"status"`
	RequestID string            `json:"request_id"`
	Outcome   reconcile.Outcome `json:"outcome"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// The agent's delivery id, not the one minted by the request-id middleware.
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		writeError(w, r, domainerrors.ErrBadRequest("X-Request-ID header is required").
			WithCode(domainerrors.ErrorCodeMissingRequestID))
		return
	}
	server.AddLogField(r.Context(), "callback_request_id", requestID)

	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	event, err := domain.DecodeCallback(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "callback_event", string(event.Kind()))

	outcome, err := h.dispatcher.Apply(r.Context(), requestID, event)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logger.Debug("callback handled",
		slog.String("request_id", requestID),
		slog.String("event", string(event.Kind())),
		slog.String("outcome", string(outcome)),
	)
	writeJSON(w, http.StatusOK, WebhookResponse{Status: "ok", RequestID: requestID, Outcome: outcome})
}

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.facade.CreateProject(r.Context(), req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *Handler) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectParam(w, r)
	if !ok {
		return
	}
	project, err := h.facade.RegisterProject(r.Context(), projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectParam(w, r)
	if !ok {
		return
	}
	if err := h.facade.DeleteProject(r.Context(), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartSessionRequest is the body of POST /sessions/start/project/{projectID}.
type StartSessionRequest struct {
	UserGoal         string                   `json:"user_goal"`
	ContextQuestions *domain.ContextQuestions `json:"context_questions,omitempty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectParam(w, r)
	if !ok {
		return
	}
	var req StartSessionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.facade.StartSession(r.Context(), projectID, req.UserGoal, req.ContextQuestions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	status, err := h.facade.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SubmitAnswerRequest is the body of POST /sessions/{sessionID}/answer/{questionID}.
type SubmitAnswerRequest struct {
	Answer    string `json:"answer"`
	IsSkipped bool   `json:"is_skipped"`
}

func (h *Handler) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	questionID, err := parseID(r, "questionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req SubmitAnswerRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := h.facade.SubmitAnswer(r.Context(), sessionID, questionID, req.Answer, req.IsSkipped)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	sess, err := h.facade.CancelSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	result, err := h.facade.SyncSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// projectParam parses {projectID} and runs the ownership check. On failure
// the response has already been written.
func (h *Handler) projectParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(r, "projectID")
	if err == nil && h.auth != nil {
		err = h.auth.AuthorizeProject(r, id)
	}
	if err != nil {
		writeError(w, r, err)
		return 0, false
	}
	server.AddLogField(r.Context(), "project_id", strconv.FormatInt(id, 10))
	return id, true
}

func (h *Handler) sessionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(r, "sessionID")
	if err == nil && h.auth != nil {
		err = h.auth.AuthorizeSession(r, id)
	}
	if err != nil {
		writeError(w, r, err)
		return 0, false
	}
	server.AddLogField(r.Context(), "session_id", strconv.FormatInt(id, 10))
	return id, true
}

func parseID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domainerrors.ErrBadRequest(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domainerrors.ErrBadRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return nil, domainerrors.ErrBadRequest("failed to read request body").WithCause(err)
	}
	return body, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domainerrors.ErrBadRequest("invalid JSON body").
			WithCode(domainerrors.ErrorCodeMalformedPayload).
			WithDetail(err.Error())
	}
	return nil
}
