// Package reconcile applies asynchronous agent callbacks to the session ledger.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/locks"
	"github.com/tjfontaine/interview-gateway/internal/metrics"
	"github.com/tjfontaine/interview-gateway/internal/telemetry"
)

// Outcome describes what a callback did to local state.
type Outcome string

const (
	// OutcomeApplied means the callback mutated the ledger.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the target was unresolvable or already terminal.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate means the final artifact already existed.
	OutcomeDuplicate Outcome = "duplicate"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics counts callbacks by kind and outcome.
func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher is the single entry point for agent callbacks. Every mutation of
// a session runs under that session's lock and inside one store transaction.
type Dispatcher struct {
	store   ports.LedgerStore
	locks   *locks.Keyed
	logger  *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// New creates a dispatcher. The lock table must be shared with the facade.
func New(store ports.LedgerStore, sessionLocks *locks.Keyed, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		locks:  sessionLocks,
		logger: slog.Default(),
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Apply reconciles one callback. Only bad request and internal errors are
// returned; unresolvable targets, terminal sessions and duplicate results are
// reported through the Outcome.
func (d *Dispatcher) Apply(ctx context.Context, requestID string, event domain.CallbackEvent) (outcome Outcome, err error) {
	if requestID == "" {
		return "", domainerrors.ErrBadRequest("callback is missing its request id").
			WithCode(domainerrors.ErrorCodeMissingRequestID)
	}
	if event == nil {
		return "", domainerrors.ErrBadRequest("callback has no event").
			WithCode(domainerrors.ErrorCodeMalformedPayload)
	}

	ctx, span := d.tracer.Start(ctx, "reconcile."+string(event.Kind()),
		trace.WithAttributes(
			attribute.String("callback.request_id", requestID),
			attribute.String("callback.event", string(event.Kind())),
		))
	logger := d.logger.With(
		slog.String("request_id", requestID),
		slog.String("event", string(event.Kind())),
	)

	defer func() {
		label := string(outcome)
		if err != nil {
			label = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("callback failed", slog.String("error", err.Error()))
		} else {
			span.SetAttributes(attribute.String("callback.outcome", label))
			logger.Info("callback reconciled", slog.String("outcome", label))
		}
		d.metrics.ObserveCallback(string(event.Kind()), label)
		span.End()
	}()

	switch ev := event.(type) {
	case *domain.QuestionsEvent:
		outcome, err = d.applyQuestions(ctx, logger, ev)
	case *domain.FinalResultEvent:
		outcome, err = d.applyFinalResult(ctx, logger, ev)
	case *domain.ErrorEvent:
		outcome, err = d.applyError(ctx, logger, ev)
	case *domain.ProjectUpdatedEvent:
		outcome, err = d.applyProjectUpdated(ctx, logger, ev)
	default:
		return "", domainerrors.ErrBadRequest(fmt.Sprintf("unsupported callback %T", event)).
			WithCode(domainerrors.ErrorCodeMalformedPayload)
	}

	return d.settle(logger, outcome, err)
}

// settle keeps non-fatal reconciliation errors from reaching the agent.
func (d *Dispatcher) settle(logger *slog.Logger, outcome Outcome, err error) (Outcome, error) {
	if err == nil {
		return outcome, nil
	}
	apiErr := domainerrors.AsAPIError(err)
	switch apiErr.Type {
	case domainerrors.ErrorTypeBadRequest, domainerrors.ErrorTypeInternal:
		return "", apiErr
	default:
		logger.Warn("callback ignored", slog.String("reason", apiErr.Error()))
		return OutcomeIgnored, nil
	}
}

// resolveSession finds the local session by external session id and, failing
// that, through the owning project's external id.
func (d *Dispatcher) resolveSession(ctx context.Context, externalSessionID string, projectExternalID *string) (*domain.Session, error) {
	if externalSessionID != "" {
		sess, err := d.store.GetSessionByExternalID(ctx, externalSessionID)
		if err == nil || !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
			return sess, err
		}
	}
	if projectExternalID == nil || *projectExternalID == "" {
		return nil, domainerrors.ErrNotFound(fmt.Sprintf("no session for external id %q", externalSessionID))
	}
	project, err := d.store.GetProjectByExternalID(ctx, *projectExternalID)
	if err != nil {
		return nil, err
	}
	return d.store.GetSessionByProject(ctx, project.ID)
}

// withSession runs fn on a fresh copy of the session under its lock and in
// a transaction.
func (d *Dispatcher) withSession(ctx context.Context, sessionID int64, fn func(tx ports.LedgerTx, sess *domain.Session) (Outcome, error)) (Outcome, error) {
	unlock, err := d.locks.Lock(ctx, sessionID)
	if err != nil {
		return "", domainerrors.ErrInternal(fmt.Sprintf("waiting for session %d", sessionID), err)
	}
	defer unlock()

	var outcome Outcome
	err = d.store.InTx(ctx, func(tx ports.LedgerTx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		outcome, err = fn(tx, sess)
		return err
	})
	return outcome, err
}

func (d *Dispatcher) applyQuestions(ctx context.Context, logger *slog.Logger, ev *domain.QuestionsEvent) (Outcome, error) {
	target, err := d.resolveSession(ctx, ev.SessionID, ev.ProjectID)
	if err != nil {
		return OutcomeIgnored, err
	}

	return d.withSession(ctx, target.ID, func(tx ports.LedgerTx, sess *domain.Session) (Outcome, error) {
		logger := logger.With(slog.Int64("session_id", sess.ID))
		if sess.Status.IsTerminal() {
			logger.Info("questions for terminal session dropped", slog.String("status", string(sess.Status)))
			return OutcomeIgnored, nil
		}
		if err := sess.BindExternalID(ev.SessionID); err != nil {
			return OutcomeIgnored, err
		}
		sess.AdvanceIteration(ev.IterationNumber)

		created := 0
		for _, q := range ev.Questions {
			msg := domain.NewQuestion(sess.ID, q.ID, q.QuestionNumber,
				domain.NormalizeQuestionStatus(q.Status), q.Question, q.Explanation)
			_, isNew, err := tx.UpsertQuestion(ctx, msg)
			if err != nil {
				return "", err
			}
			if isNew {
				created++
			}
		}

		if err := sess.Transition(domain.SessionWaitingForAnswers); err != nil {
			return "", err
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return "", err
		}

		logger.Debug("questions merged",
			slog.Int("received", len(ev.Questions)),
			slog.Int("created", created),
			slog.Int("iteration", sess.CurrentIteration),
		)
		return OutcomeApplied, nil
	})
}

func (d *Dispatcher) applyFinalResult(ctx context.Context, logger *slog.Logger, ev *domain.FinalResultEvent) (Outcome, error) {
	target, err := d.resolveSession(ctx, ev.SessionID, ev.ProjectID)
	if err != nil {
		return OutcomeIgnored, err
	}

	return d.withSession(ctx, target.ID, func(tx ports.LedgerTx, sess *domain.Session) (Outcome, error) {
		logger := logger.With(slog.Int64("session_id", sess.ID))
		if sess.Status.IsTerminal() {
			if ev.FinalResult != nil {
				if _, err := tx.GetRequirement(ctx, sess.ID); err == nil {
					return OutcomeDuplicate, nil
				}
			}
			logger.Info("final result for terminal session dropped", slog.String("status", string(sess.Status)))
			return OutcomeIgnored, nil
		}
		if err := sess.BindExternalID(ev.SessionID); err != nil {
			return OutcomeIgnored, err
		}
		sess.AdvanceIteration(ev.IterationNumber)
		if ev.SessionStatus != "" {
			agentStatus := ev.SessionStatus
			sess.AgentSessionStatus = &agentStatus
		}

		next := domain.MapAgentStatus(ev.SessionStatus)
		if hasErrorPayload(ev) && !next.IsTerminal() {
			next = domain.SessionError
		}
		if err := sess.Transition(next); err != nil {
			return "", err
		}

		outcome := OutcomeApplied
		if ev.FinalResult != nil {
			recorded, err := d.recordResult(ctx, tx, sess.ID, *ev.FinalResult)
			if err != nil {
				return "", err
			}
			if !recorded {
				// The status and iteration still move; only the artifact is skipped.
				logger.Info("duplicate final result, requirement kept")
				outcome = OutcomeDuplicate
			}
		}

		if ev.ProjectID != nil && *ev.ProjectID != "" {
			if err := d.finishProject(ctx, tx, logger, *ev.ProjectID); err != nil {
				return "", err
			}
		}

		if err := tx.UpdateSession(ctx, sess); err != nil {
			return "", err
		}
		return outcome, nil
	})
}

// recordResult creates the session's requirement and its RESULT message. It
// reports false when a requirement already exists.
func (d *Dispatcher) recordResult(ctx context.Context, tx ports.LedgerTx, sessionID int64, content string) (bool, error) {
	_, err := tx.GetRequirement(ctx, sessionID)
	if err == nil {
		return false, nil
	}
	if !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		return false, err
	}

	err = tx.CreateRequirement(ctx, &domain.Requirement{SessionID: sessionID, Content: content})
	if domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := tx.AppendMessage(ctx, domain.NewResult(sessionID, content)); err != nil {
		return false, err
	}
	return true, nil
}

func hasErrorPayload(ev *domain.FinalResultEvent) bool {
	raw := string(ev.Error)
	return raw != "" && raw != "null" && raw != "{}"
}

func (d *Dispatcher) finishProject(ctx context.Context, tx ports.LedgerTx, logger *slog.Logger, projectExternalID string) error {
	project, err := tx.GetProjectByExternalID(ctx, projectExternalID)
	if domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		logger.Warn("final result names unknown project", slog.String("project_external_id", projectExternalID))
		return nil
	}
	if err != nil {
		return err
	}
	if project.Status == domain.ProjectFinished {
		return nil
	}
	project.Status = domain.ProjectFinished
	return tx.UpdateProject(ctx, project)
}

func (d *Dispatcher) applyError(ctx context.Context, logger *slog.Logger, ev *domain.ErrorEvent) (Outcome, error) {
	hint := ev.SessionHint()
	if hint == "" {
		logger.Info("error callback without session hint",
			slog.String("code", ev.Error.Code),
			slog.String("message", ev.Error.Message),
		)
		return OutcomeIgnored, nil
	}

	target, err := d.resolveSession(ctx, hint, nil)
	if err != nil {
		return OutcomeIgnored, err
	}

	return d.withSession(ctx, target.ID, func(tx ports.LedgerTx, sess *domain.Session) (Outcome, error) {
		if sess.Status.IsTerminal() {
			return OutcomeIgnored, nil
		}
		if err := sess.Transition(domain.SessionError); err != nil {
			return "", err
		}
		agentStatus := string(domain.SessionError)
		sess.AgentSessionStatus = &agentStatus
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return "", err
		}
		logger.Warn("agent reported session error",
			slog.Int64("session_id", sess.ID),
			slog.String("code", ev.Error.Code),
			slog.String("message", ev.Error.Message),
		)
		return OutcomeApplied, nil
	})
}

// applyProjectUpdated links the agent's project id to a local project: first
// by the correlation token echoed back, then by falling back to the newest
// unlinked project.
func (d *Dispatcher) applyProjectUpdated(ctx context.Context, logger *slog.Logger, ev *domain.ProjectUpdatedEvent) (Outcome, error) {
	outcome := OutcomeApplied
	err := d.store.InTx(ctx, func(tx ports.LedgerTx) error {
		if _, err := tx.GetProjectByExternalID(ctx, ev.ID); err == nil {
			outcome = OutcomeIgnored
			return nil
		} else if !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
			return err
		}

		var project *domain.Project
		if ev.CorrelationID != nil && *ev.CorrelationID != "" {
			p, err := tx.GetProjectByCorrelationID(ctx, *ev.CorrelationID)
			if err != nil && !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
				return err
			}
			project = p
		}
		if project == nil {
			p, err := tx.MostRecentUnlinkedProject(ctx)
			if err != nil {
				return err
			}
			logger.Warn("linking project by recency", slog.Int64("project_id", p.ID))
			project = p
		}

		if project.ExternalID != nil {
			return domainerrors.ErrConflict(fmt.Sprintf("project %d is already linked to %q", project.ID, *project.ExternalID)).
				WithCode(domainerrors.ErrorCodeExternalIDMismatch)
		}
		externalID := ev.ID
		project.ExternalID = &externalID
		if err := tx.UpdateProject(ctx, project); err != nil {
			return err
		}
		logger.Info("project linked",
			slog.Int64("project_id", project.ID),
			slog.String("project_external_id", ev.ID),
		)
		return nil
	})
	return outcome, err
}
