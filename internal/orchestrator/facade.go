// Package orchestrator implements the user-facing interview operations on
// top of the ledger store, the agent client and the reconciliation dispatcher.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/interview-gateway/internal/agent"
	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/locks"
	"github.com/tjfontaine/interview-gateway/internal/metrics"
	"github.com/tjfontaine/interview-gateway/internal/reconcile"
	"github.com/tjfontaine/interview-gateway/internal/telemetry"
)

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) {
		f.logger = logger
	}
}

// WithMetrics records session and answer counters.
func WithMetrics(m *metrics.Recorder) Option {
	return func(f *Facade) {
		f.metrics = m
	}
}

// WithRetryPolicy sets the policy applied to idempotent agent calls.
func WithRetryPolicy(p *agent.RetryPolicy) Option {
	return func(f *Facade) {
		f.retry = p
	}
}

// WithCallbackURL sets the webhook URL recorded on new sessions.
func WithCallbackURL(u string) Option {
	return func(f *Facade) {
		f.callbackURL = u
	}
}

// Facade exposes start, answer, cancel, sync and status operations.
// Authorization is the caller's job.
type Facade struct {
	store       ports.LedgerStore
	agent       ports.AgentClient
	dispatcher  *reconcile.Dispatcher
	locks       *locks.Keyed
	retry       *agent.RetryPolicy
	callbackURL string
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tracer      trace.Tracer
}

// New creates a facade. sessionLocks must be the table the dispatcher uses.
func New(store ports.LedgerStore, agentClient ports.AgentClient, dispatcher *reconcile.Dispatcher, sessionLocks *locks.Keyed, opts ...Option) *Facade {
	f := &Facade{
		store:      store,
		agent:      agentClient,
		dispatcher: dispatcher,
		locks:      sessionLocks,
		retry:      agent.DefaultRetryPolicy(),
		logger:     slog.Default(),
		tracer:     telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) span(ctx context.Context, name string) (context.Context, func(*error)) {
	ctx, span := f.tracer.Start(ctx, "orchestrator."+name)
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

// withSessionTx runs fn on a fresh copy of the session under its lock.
func (f *Facade) withSessionTx(ctx context.Context, sessionID int64, fn func(tx ports.LedgerTx, sess *domain.Session) error) error {
	unlock, err := f.locks.Lock(ctx, sessionID)
	if err != nil {
		return domainerrors.ErrInternal(fmt.Sprintf("waiting for session %d", sessionID), err)
	}
	defer unlock()

	return f.store.InTx(ctx, func(tx ports.LedgerTx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		return fn(tx, sess)
	})
}

// CreateProject records a local project. Project management beyond this
// minimal record lives outside the interview core.
func (f *Facade) CreateProject(ctx context.Context, title string) (*domain.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainerrors.ErrBadRequest("project title is required")
	}
	p := &domain.Project{Title: title}
	if err := f.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RegisterProject provisions the agent-side project. The correlation token
// stored locally is echoed back by the agent's projectUpdated callback.
func (f *Facade) RegisterProject(ctx context.Context, projectID int64) (project *domain.Project, err error) {
	ctx, end := f.span(ctx, "register_project")
	defer end(&err)

	project, err = f.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.ExternalID != nil {
		return project, nil
	}

	if err := f.agent.HealthCheck(ctx); err != nil {
		return nil, err
	}

	if project.CorrelationID == nil {
		token := uuid.New().String()
		project.CorrelationID = &token
		if err := f.store.UpdateProject(ctx, project); err != nil {
			return nil, err
		}
	}

	externalID, err := f.agent.CreateProject(ctx, ports.CreateProjectRequest{
		Title:         project.Title,
		Description:   fmt.Sprintf("Requirements interview for %s", project.Title),
		CorrelationID: *project.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	logger := f.logger.With(slog.Int64("project_id", project.ID))
	if externalID == "" {
		logger.Info("agent project requested, awaiting callback")
		return project, nil
	}

	err = f.store.InTx(ctx, func(tx ports.LedgerTx) error {
		current, err := tx.GetProject(ctx, project.ID)
		if err != nil {
			return err
		}
		if current.ExternalID == nil {
			current.ExternalID = &externalID
			if err := tx.UpdateProject(ctx, current); err != nil {
				return err
			}
		}
		project = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("agent project registered", slog.String("project_external_id", *project.ExternalID))
	return project, nil
}

// DeleteProject removes the agent-side project when one exists and then the
// local project together with its session and ledger.
func (f *Facade) DeleteProject(ctx context.Context, projectID int64) (err error) {
	ctx, end := f.span(ctx, "delete_project")
	defer end(&err)

	project, err := f.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	if project.ExternalID != nil {
		if err := f.agent.HealthCheck(ctx); err != nil {
			return err
		}
		err := f.retry.Execute(ctx, "delete_project", func(ctx context.Context) error {
			return f.agent.DeleteProject(ctx, *project.ExternalID)
		})
		if err != nil {
			return err
		}
	}

	sess, err := f.store.GetSessionByProject(ctx, projectID)
	switch {
	case err == nil:
		unlock, lockErr := f.locks.Lock(ctx, sess.ID)
		if lockErr != nil {
			return domainerrors.ErrInternal(fmt.Sprintf("waiting for session %d", sess.ID), lockErr)
		}
		defer unlock()
	case !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound):
		return err
	}

	if err := f.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	f.logger.Info("project deleted", slog.Int64("project_id", projectID))
	return nil
}

// StartSession opens an interview for a registered project. The session row
// is reserved in PROCESSING before the agent is called so an early callback
// can resolve it, and is removed again if the agent does not acknowledge.
func (f *Facade) StartSession(ctx context.Context, projectID int64, goal string, contextQuestions *domain.ContextQuestions) (sess *domain.Session, err error) {
	ctx, end := f.span(ctx, "start_session")
	defer end(&err)

	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, domainerrors.ErrBadRequest("user goal is required")
	}

	project, err := f.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.ExternalID == nil {
		return nil, domainerrors.ErrBadRequest(fmt.Sprintf("project %d is not registered with the agent", projectID)).
			WithCode(domainerrors.ErrorCodeProjectNotRegistered)
	}
	if _, err := f.store.GetSessionByProject(ctx, projectID); err == nil {
		return nil, domainerrors.ErrConflict(fmt.Sprintf("project %d already has an interview session", projectID))
	} else if !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		return nil, err
	}

	if err := f.agent.HealthCheck(ctx); err != nil {
		return nil, err
	}

	sess = domain.NewSession(project.ID, goal, f.callbackURL)
	if err := f.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	logger := f.logger.With(slog.Int64("session_id", sess.ID), slog.Int64("project_id", project.ID))

	externalID, err := f.agent.CreateSession(ctx, ports.CreateSessionRequest{
		Goal:              goal,
		ContextQuestions:  contextQuestions,
		ProjectExternalID: *project.ExternalID,
	})
	if err != nil {
		logger.Warn("agent did not acknowledge session", slog.String("error", err.Error()))
		f.releaseReservation(context.WithoutCancel(ctx), logger, sess.ID)
		return nil, err
	}

	err = f.withSessionTx(ctx, sess.ID, func(tx ports.LedgerTx, current *domain.Session) error {
		if err := current.BindExternalID(externalID); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, current); err != nil {
			return err
		}
		sess = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.metrics.IncSessionStarted()
	logger.Info("interview session started", slog.String("session_external_id", externalID))
	return sess, nil
}

func (f *Facade) releaseReservation(ctx context.Context, logger *slog.Logger, sessionID int64) {
	err := f.withSessionTx(ctx, sessionID, func(tx ports.LedgerTx, current *domain.Session) error {
		if current.ExternalSessionID != nil {
			// A callback already bound the session; keep it.
			return nil
		}
		return tx.DeleteSession(ctx, sessionID)
	})
	if err != nil && !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		logger.Error("failed to release session reservation", slog.String("error", err.Error()))
	}
}

// SubmitAnswer records the user's answer (or skip) to a question and
// forwards it to the agent. The recorded answer survives delivery failure;
// the session then returns to WAITING_FOR_ANSWERS so the user can resubmit.
func (f *Facade) SubmitAnswer(ctx context.Context, sessionID, questionID int64, answer string, skipped bool) (msg *domain.Message, err error) {
	ctx, end := f.span(ctx, "submit_answer")
	defer end(&err)
	defer func() { f.metrics.ObserveAnswer(skipped, err) }()

	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := requireWaiting(sess); err != nil {
		return nil, err
	}
	if !skipped && strings.TrimSpace(answer) == "" {
		return nil, domainerrors.ErrBadRequest("answer text is required unless the question is skipped")
	}

	if err := f.agent.HealthCheck(ctx); err != nil {
		return nil, err
	}

	var question *domain.Message
	err = f.withSessionTx(ctx, sessionID, func(tx ports.LedgerTx, current *domain.Session) error {
		if err := requireWaiting(current); err != nil {
			return err
		}
		q, err := tx.GetMessage(ctx, questionID)
		if err != nil {
			return err
		}
		if q.SessionID != current.ID || q.Type != domain.MessageQuestion || q.QuestionExternalID == nil {
			return domainerrors.ErrNotFound(fmt.Sprintf("question %d not found in session %d", questionID, current.ID))
		}
		if current.ExternalSessionID == nil {
			return domainerrors.ErrInvalidState(fmt.Sprintf("session %d has no agent session yet", current.ID))
		}

		msg = domain.NewAnswer(current.ID, q.ID, answer, skipped)
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}
		if err := current.Transition(domain.SessionProcessing); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, current); err != nil {
			return err
		}
		question, sess = q, current
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := f.logger.With(
		slog.Int64("session_id", sessionID),
		slog.Int64("question_id", questionID),
		slog.Bool("skipped", skipped),
	)

	err = f.retry.Execute(ctx, "submit_answer", func(ctx context.Context) error {
		return f.agent.SubmitAnswer(ctx, sess.ExternalID(), *question.QuestionExternalID, answer, skipped)
	})
	if err != nil {
		logger.Warn("answer recorded but not delivered", slog.String("error", err.Error()))
		f.reopen(context.WithoutCancel(ctx), logger, sessionID)
		return nil, err
	}

	logger.Info("answer submitted")
	return msg, nil
}

func requireWaiting(sess *domain.Session) error {
	if sess.Status != domain.SessionWaitingForAnswers {
		return domainerrors.ErrInvalidState(
			fmt.Sprintf("session %d is %s, answers are only accepted while waiting_for_answers", sess.ID, sess.Status)).
			WithCode(domainerrors.ErrorCodeSessionNotWaiting)
	}
	return nil
}

// reopen returns a session left in PROCESSING by an undelivered answer to
// WAITING_FOR_ANSWERS.
func (f *Facade) reopen(ctx context.Context, logger *slog.Logger, sessionID int64) {
	err := f.withSessionTx(ctx, sessionID, func(tx ports.LedgerTx, current *domain.Session) error {
		if current.Status != domain.SessionProcessing {
			return nil
		}
		if err := current.Transition(domain.SessionWaitingForAnswers); err != nil {
			return err
		}
		return tx.UpdateSession(ctx, current)
	})
	if err != nil {
		logger.Error("failed to reopen session", slog.String("error", err.Error()))
	}
}

// CancelSession asks the agent to stop and, once it accepts, marks the
// session CANCELLED. Cancellation is final.
func (f *Facade) CancelSession(ctx context.Context, sessionID int64) (sess *domain.Session, err error) {
	ctx, end := f.span(ctx, "cancel_session")
	defer end(&err)

	sess, err = f.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(sess); err != nil {
		return nil, err
	}
	if sess.ExternalSessionID == nil {
		return nil, domainerrors.ErrInvalidState(fmt.Sprintf("session %d has no agent session yet", sess.ID))
	}

	if err := f.agent.HealthCheck(ctx); err != nil {
		return nil, err
	}
	err = f.retry.Execute(ctx, "cancel_session", func(ctx context.Context) error {
		return f.agent.CancelSession(ctx, sess.ExternalID())
	})
	if err != nil {
		return nil, err
	}

	err = f.withSessionTx(ctx, sessionID, func(tx ports.LedgerTx, current *domain.Session) error {
		if err := requireLive(current); err != nil {
			return err
		}
		if err := current.Transition(domain.SessionCancelled); err != nil {
			return err
		}
		agentStatus := string(domain.SessionCancelled)
		current.AgentSessionStatus = &agentStatus
		if err := tx.UpdateSession(ctx, current); err != nil {
			return err
		}
		sess = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("interview session cancelled", slog.Int64("session_id", sessionID))
	return sess, nil
}

func requireLive(sess *domain.Session) error {
	if sess.Status.IsTerminal() {
		return domainerrors.ErrInvalidState(fmt.Sprintf("session %d is already %s", sess.ID, sess.Status)).
			WithCode(domainerrors.ErrorCodeSessionTerminal)
	}
	return nil
}

// SyncResult reports what a pull-based reconciliation did.
type SyncResult struct {
	AgentStatus string            `json:"agent_status"`
	Outcome     reconcile.Outcome `json:"outcome,omitempty"`
	Session     *domain.Session   `json:"session"`
}

// SyncSession asks the agent for its view of the session and, when the agent
// reports a terminal status, feeds it through the dispatcher as a final
// result. It recovers sessions whose final callback never arrived.
func (f *Facade) SyncSession(ctx context.Context, sessionID int64) (result *SyncResult, err error) {
	ctx, end := f.span(ctx, "sync_session")
	defer end(&err)

	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ExternalSessionID == nil {
		return nil, domainerrors.ErrInvalidState(fmt.Sprintf("session %d has no agent session yet", sess.ID))
	}

	var remote *ports.AgentSession
	err = f.retry.Execute(ctx, "get_session", func(ctx context.Context) error {
		var err error
		remote, err = f.agent.GetSession(ctx, sess.ExternalID())
		return err
	})
	if err != nil {
		return nil, err
	}

	result = &SyncResult{AgentStatus: remote.SessionStatus, Session: sess}
	if domain.MapAgentStatus(remote.SessionStatus).IsTerminal() {
		event := &domain.FinalResultEvent{
			SessionID:       sess.ExternalID(),
			ProjectID:       remote.ProjectID,
			SessionStatus:   remote.SessionStatus,
			IterationNumber: remote.IterationNumber,
			FinalResult:     remote.FinalResult,
		}
		result.Outcome, err = f.dispatcher.Apply(ctx, "sync-"+uuid.New().String(), event)
		if err != nil {
			return nil, err
		}
		if result.Session, err = f.store.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return result, nil
}
