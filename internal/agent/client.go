// Package agent is the outbound adapter to the external interview agent.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/metrics"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultHealthTimeout = 5 * time.Second

	// RequestIDHeader carries the per-call correlation identifier.
	RequestIDHeader = "X-Request-ID"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCallbackURL sets the webhook URL the agent reports back to.
func WithCallbackURL(callbackURL string) ClientOption {
	return func(c *Client) {
		c.callbackURL = callbackURL
	}
}

// WithTimeout bounds every call except the health check.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHealthTimeout bounds the health check.
func WithHealthTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records call counts and latencies.
func WithMetrics(m *metrics.Recorder) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client talks to the interview agent over HTTP. It never retries.
type Client struct {
	baseURL       string
	callbackURL   string
	httpClient    *http.Client
	timeout       time.Duration
	healthTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

var _ ports.AgentClient = (*Client)(nil)

// NewClient creates a new agent client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		httpClient:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:       defaultTimeout,
		healthTimeout: defaultHealthTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallbackURL returns the webhook URL sent with mutating calls.
func (c *Client) CallbackURL() string {
	return c.callbackURL
}

// HealthCheck fails with a service unavailable error unless the agent
// answers 200 within the health timeout.
func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return domainerrors.ErrInternal("failed to create request", err)
	}
	c.setHeaders(httpReq, false)

	resp, err := c.httpClient.Do(httpReq)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
	}
	c.metrics.ObserveAgentRequest("health", err, time.Since(start))
	if err != nil {
		c.logger.Warn("agent health check failed", slog.String("error", err.Error()))
		return domainerrors.ErrUnavailable("Agent service unavailable").WithDetail(err.Error()).WithCause(err)
	}
	return nil
}

// CreateSession starts an interview and returns the agent's session id.
func (c *Client) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (string, error) {
	body := createSessionRequest{
		UserGoal:         req.Goal,
		ProjectID:        req.ProjectExternalID,
		ContextQuestions: req.ContextQuestions,
		CallbackURL:      c.callbackURL,
	}

	var out createSessionResponse
	if err := c.do(ctx, "create_session", http.MethodPost, "/interview-session", body, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", domainerrors.ErrUpstream("agent did not return a session id", http.StatusOK, "")
	}
	return out.SessionID, nil
}

// SubmitAnswer delivers an answer or skip. The effect is observed later via callback.
func (c *Client) SubmitAnswer(ctx context.Context, sessionExternalID, questionExternalID, answer string, skipped bool) error {
	path := fmt.Sprintf("/interview-session/%s/answer/%s",
		url.PathEscape(sessionExternalID), url.PathEscape(questionExternalID))
	return c.do(ctx, "submit_answer", http.MethodPost, path, submitAnswerRequest{Answer: answer, IsSkipped: skipped}, nil)
}

// CancelSession asks the agent to stop the interview.
func (c *Client) CancelSession(ctx context.Context, sessionExternalID string) error {
	path := fmt.Sprintf("/interview-session/%s/cancel", url.PathEscape(sessionExternalID))
	return c.do(ctx, "cancel_session", http.MethodPost, path, struct{}{}, nil)
}

// GetSession fetches the agent's view of a session.
func (c *Client) GetSession(ctx context.Context, sessionExternalID string) (*ports.AgentSession, error) {
	var out ports.AgentSession
	path := fmt.Sprintf("/interview-session/%s", url.PathEscape(sessionExternalID))
	if err := c.do(ctx, "get_session", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateProject provisions the agent-side project and returns its id when
// the agent answers synchronously. An empty id means the id arrives later
// through the projectUpdated callback.
func (c *Client) CreateProject(ctx context.Context, req ports.CreateProjectRequest) (string, error) {
	body := createProjectRequest{
		Title:         req.Title,
		Description:   req.Description,
		CorrelationID: req.CorrelationID,
		CallbackURL:   c.callbackURL,
	}

	var out createProjectResponse
	if err := c.do(ctx, "create_project", http.MethodPost, "/projects", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeleteProject removes the agent-side project. The agent must confirm with
// {"status":"deleted"}.
func (c *Client) DeleteProject(ctx context.Context, projectExternalID string) error {
	var out deleteProjectResponse
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectExternalID))
	if err := c.do(ctx, "delete_project", http.MethodDelete, path, nil, &out); err != nil {
		return err
	}
	if out.Status != "deleted" {
		return domainerrors.ErrUpstream("agent did not delete project", http.StatusOK,
			fmt.Sprintf("unexpected status %q", out.Status))
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveAgentRequest(op, err, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return domainerrors.ErrInternal("failed to marshal request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return domainerrors.ErrInternal("failed to create request", err)
	}
	requestID := c.setHeaders(httpReq, in != nil)

	logger := c.logger.With(
		slog.String("op", op),
		slog.String("request_id", requestID),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Warn("agent request failed", slog.String("error", err.Error()))
		return transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("agent returned error status",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return upstreamStatusError(op, resp.StatusCode, respBody)
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return domainerrors.ErrUpstream(fmt.Sprintf("agent %s returned an unreadable body", op),
				resp.StatusCode, err.Error()).WithCause(err)
		}
	}

	logger.Debug("agent request completed", slog.Int("status", resp.StatusCode))
	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) string {
	requestID := uuid.New().String()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	return requestID
}

func transportError(op string, err error) error {
	apiErr := domainerrors.ErrUpstream(fmt.Sprintf("agent %s failed", op), 0, err.Error()).WithCause(err)
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		apiErr.Message = fmt.Sprintf("agent %s timed out", op)
		apiErr = apiErr.WithCode(domainerrors.ErrorCodeUpstreamTimeout)
	}
	return apiErr
}

func upstreamStatusError(op string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil {
		switch d := parsed.Detail.(type) {
		case string:
			if d != "" {
				detail = d
			}
		case nil:
			if parsed.Message != "" {
				detail = parsed.Message
			}
		}
	}
	return domainerrors.ErrUpstream(fmt.Sprintf("agent %s returned status %d", op, status), status, detail)
}
