package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/interview-gateway/internal/agent"
	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/locks"
	"github.com/tjfontaine/interview-gateway/internal/reconcile"
	"github.com/tjfontaine/interview-gateway/internal/storage/memory"
	"github.com/tjfontaine/interview-gateway/internal/storage/sqldb"
)

// fakeAgent is a scriptable AgentClient.
type fakeAgent struct {
	mu sync.Mutex

	healthErr    error
	createErr    error
	submitErr    error
	cancelErr    error
	projectErr   error
	sessionID    string
	projectID    string
	remote       *ports.AgentSession
	calls        map[string]int
	lastAnswer   []string
	lastProjReq  ports.CreateProjectRequest
	beforeCreate func()
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessionID: "sess-1", calls: map[string]int{}}
}

func (a *fakeAgent) count(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *fakeAgent) record(op string) {
	a.mu.Lock()
	a.calls[op]++
	a.mu.Unlock()
}

func (a *fakeAgent) HealthCheck(ctx context.Context) error {
	a.record("health")
	return a.healthErr
}

func (a *fakeAgent) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (string, error) {
	a.record("create_session")
	if a.beforeCreate != nil {
		a.beforeCreate()
	}
	if a.createErr != nil {
		return "", a.createErr
	}
	return a.sessionID, nil
}

func (a *fakeAgent) SubmitAnswer(ctx context.Context, sessionExternalID, questionExternalID, answer string, skipped bool) error {
	a.record("submit_answer")
	a.mu.Lock()
	a.lastAnswer = []string{sessionExternalID, questionExternalID, answer}
	a.mu.Unlock()
	return a.submitErr
}

func (a *fakeAgent) CancelSession(ctx context.Context, sessionExternalID string) error {
	a.record("cancel_session")
	return a.cancelErr
}

func (a *fakeAgent) GetSession(ctx context.Context, sessionExternalID string) (*ports.AgentSession, error) {
	a.record("get_session")
	return a.remote, nil
}

func (a *fakeAgent) CreateProject(ctx context.Context, req ports.CreateProjectRequest) (string, error) {
	a.record("create_project")
	a.lastProjReq = req
	return a.projectID, a.projectErr
}

func (a *fakeAgent) DeleteProject(ctx context.Context, projectExternalID string) error {
	a.record("delete_project")
	return a.projectErr
}

type harness struct {
	store  ports.LedgerStore
	agent  *fakeAgent
	facade *Facade
	disp   *reconcile.Dispatcher
}

var dbSeq atomic.Int64

// backends opens a fresh, empty store of each kind.
var backends = map[string]func(t *testing.T) ports.LedgerStore{
	"memory": func(t *testing.T) ports.LedgerStore { return memory.New() },
	"sqlite": func(t *testing.T) ports.LedgerStore {
		s, err := sqldb.NewSQLite(fmt.Sprintf("file:facade%d?mode=memory&cache=shared", dbSeq.Add(1)))
		require.NoError(t, err)
		return s
	},
}

// forEachStore runs fn once per store backend.
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarnessOn(t, open(t)))
		})
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessOn(t, memory.New())
}

func newHarnessOn(t *testing.T, store ports.LedgerStore) *harness {
	t.Helper()
	t.Cleanup(func() { store.Close() })
	fake := newFakeAgent()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessionLocks := locks.NewKeyed()
	disp := reconcile.New(store, sessionLocks, reconcile.WithLogger(logger))
	facade := New(store, fake, disp, sessionLocks,
		WithLogger(logger),
		WithCallbackURL("http://gateway.test/agent/webhook"),
		WithRetryPolicy(&agent.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond}),
	)
	return &harness{store: store, agent: fake, facade: facade, disp: disp}
}

func ptr[T any](v T) *T { return &v }

// registeredProject creates a project already linked to the agent.
func (h *harness) registeredProject(t *testing.T) *domain.Project {
	t.Helper()
	p := &domain.Project{Title: "Clinic booking", ExternalID: ptr("proj-ext")}
	require.NoError(t, h.store.CreateProject(context.Background(), p))
	return p
}

// waitingSession starts a session and delivers two questions.
func (h *harness) waitingSession(t *testing.T) (*domain.Session, []domain.Message) {
	t.Helper()
	ctx := context.Background()
	p := h.registeredProject(t)

	sess, err := h.facade.StartSession(ctx, p.ID, "Build a booking system", nil)
	require.NoError(t, err)

	_, err = h.disp.Apply(ctx, "req-q", &domain.QuestionsEvent{
		SessionID:       "sess-1",
		IterationNumber: 1,
		Questions: []domain.IncomingQuestion{
			{ID: "Q1", QuestionNumber: ptr(1), Question: "Who are the users?"},
			{ID: "Q2", QuestionNumber: ptr(2), Question: "What is the budget?"},
		},
	})
	require.NoError(t, err)

	msgs, err := h.store.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	return sess, msgs
}

func (h *harness) reload(t *testing.T, id int64) *domain.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func countType(msgs []domain.Message, typ domain.MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestStartSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.registeredProject(t)

		sess, err := h.facade.StartSession(ctx, p.ID, "  Build a booking system ", &domain.ContextQuestions{Task: "t"})
		require.NoError(t, err)
		assert.Equal(t, domain.SessionProcessing, sess.Status)
		assert.Equal(t, "sess-1", sess.ExternalID())
		assert.Equal(t, "Build a booking system", sess.UserGoal)
		assert.Equal(t, "http://gateway.test/agent/webhook", sess.CallbackURL)
		assert.Equal(t, 1, h.agent.count("health"))

		_, err = h.facade.StartSession(ctx, p.ID, "again", nil)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeConflict), "err = %v", err)
	})
}

func TestStartSession_Preconditions(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		unlinked := &domain.Project{Title: "unlinked"}
		require.NoError(t, h.store.CreateProject(ctx, unlinked))

		_, err := h.facade.StartSession(ctx, unlinked.ID, "goal", nil)
		apiErr := domainerrors.AsAPIError(err)
		require.NotNil(t, apiErr)
		assert.Equal(t, domainerrors.ErrorTypeBadRequest, apiErr.Type)
		assert.Equal(t, domainerrors.ErrorCodeProjectNotRegistered, apiErr.Code)

		_, err = h.facade.StartSession(ctx, unlinked.ID, "   ", nil)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeBadRequest))

		_, err = h.facade.StartSession(ctx, 999, "goal", nil)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))

		assert.Zero(t, h.agent.count("create_session"))
	})
}

func TestStartSession_AgentFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(a *fakeAgent)
		wantType   domainerrors.ErrorType
		wantCreate int
	}{
		{
			name:       "health check fails",
			setup:      func(a *fakeAgent) { a.healthErr = domainerrors.ErrUnavailable("Agent service unavailable") },
			wantType:   domainerrors.ErrorTypeUnavailable,
			wantCreate: 0,
		},
		{
			name: "create not acknowledged",
			setup: func(a *fakeAgent) {
				a.createErr = domainerrors.ErrUpstream("boom", http.StatusBadGateway, "overloaded")
			},
			wantType:   domainerrors.ErrorTypeUpstream,
			wantCreate: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			p := h.registeredProject(t)
			tt.setup(h.agent)

			_, err := h.facade.StartSession(ctx, p.ID, "goal", nil)
			apiErr := domainerrors.AsAPIError(err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.wantType, apiErr.Type)
			assert.Equal(t, tt.wantCreate, h.agent.count("create_session"))

			_, err = h.store.GetSessionByProject(ctx, p.ID)
			assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound), "reservation must be released")
		})
	}
}

func TestStartSession_ReservationVisibleToEarlyCallback(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.registeredProject(t)

		// The agent calls back before its create response arrives.
		h.agent.beforeCreate = func() {
			outcome, err := h.disp.Apply(ctx, "early", &domain.QuestionsEvent{
				SessionID:       "sess-1",
				ProjectID:       ptr("proj-ext"),
				IterationNumber: 1,
				Questions:       []domain.IncomingQuestion{{ID: "Q1", QuestionNumber: ptr(1), Question: "Who?"}},
			})
			require.NoError(t, err)
			assert.Equal(t, reconcile.OutcomeApplied, outcome)
		}

		sess, err := h.facade.StartSession(ctx, p.ID, "goal", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionWaitingForAnswers, sess.Status)
		assert.Equal(t, "sess-1", sess.ExternalID())
	})
}

func TestSubmitAnswer_OnlyWhileWaiting(t *testing.T) {
	statuses := []domain.SessionStatus{
		domain.SessionProcessing,
		domain.SessionDone,
		domain.SessionError,
		domain.SessionCancelled,
	}
	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			sess, msgs := h.waitingSession(t)

			current := h.reload(t, sess.ID)
			current.Status = status
			require.NoError(t, h.store.UpdateSession(ctx, current))

			_, err := h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "x", false)
			apiErr := domainerrors.AsAPIError(err)
			require.NotNil(t, apiErr)
			assert.Equal(t, domainerrors.ErrorTypeInvalidState, apiErr.Type)
			assert.Equal(t, domainerrors.ErrorCodeSessionNotWaiting, apiErr.Code)

			after, err := h.store.ListMessages(ctx, sess.ID)
			require.NoError(t, err)
			assert.Zero(t, countType(after, domain.MessageAnswer))
			assert.Zero(t, h.agent.count("submit_answer"))
			assert.Equal(t, status, h.reload(t, sess.ID).Status)
		})
	}
}

func TestSubmitAnswer(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, msgs := h.waitingSession(t)

		ans, err := h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "Clinics", false)
		require.NoError(t, err)
		require.NotNil(t, ans.ParentMessageID)
		assert.Equal(t, msgs[0].ID, *ans.ParentMessageID)
		assert.Equal(t, domain.RoleUser, ans.Role)
		assert.Equal(t, []string{"sess-1", "Q1", "Clinics"}, h.agent.lastAnswer)
		assert.Equal(t, domain.SessionProcessing, h.reload(t, sess.ID).Status)
	})
}

// Answers and callbacks for one session arrive on separate streams; every
// interleaving must leave the ledger consistent with what each side was told.
func TestSubmitAnswer_RacesCallbacks(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		for round := 0; round < 10; round++ {
			p := &domain.Project{Title: fmt.Sprintf("race %d", round), ExternalID: ptr(fmt.Sprintf("proj-%d", round))}
			require.NoError(t, h.store.CreateProject(ctx, p))
			h.agent.sessionID = fmt.Sprintf("sess-race-%d", round)
			sess, err := h.facade.StartSession(ctx, p.ID, "goal", nil)
			require.NoError(t, err)

			extID := sess.ExternalID()
			_, err = h.disp.Apply(ctx, "req-q1", &domain.QuestionsEvent{
				SessionID:       extID,
				IterationNumber: 1,
				Questions:       []domain.IncomingQuestion{{ID: "Q1", QuestionNumber: ptr(1), Question: "Who?"}},
			})
			require.NoError(t, err)
			msgs, err := h.store.ListMessages(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			var (
				answerErr        error
				questionsOutcome reconcile.Outcome
			)
			var g errgroup.Group
			g.Go(func() error {
				_, answerErr = h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "Clinics", false)
				return nil
			})
			g.Go(func() error {
				var err error
				questionsOutcome, err = h.disp.Apply(ctx, "req-q2", &domain.QuestionsEvent{
					SessionID:       extID,
					IterationNumber: 2,
					Questions: []domain.IncomingQuestion{
						{ID: "Q1", QuestionNumber: ptr(1), Status: ptr("answered"), Question: "Who?"},
						{ID: "Q2", QuestionNumber: ptr(2), Question: "Budget?"},
					},
				})
				return err
			})
			g.Go(func() error {
				_, err := h.disp.Apply(ctx, "req-final", &domain.FinalResultEvent{
					SessionID:       extID,
					SessionStatus:   "done",
					IterationNumber: 3,
					FinalResult:     ptr("req text"),
				})
				return err
			})
			require.NoError(t, g.Wait())

			after, err := h.store.ListMessages(ctx, sess.ID)
			require.NoError(t, err)
			if answerErr == nil {
				assert.Equal(t, 1, countType(after, domain.MessageAnswer), "round %d", round)
			} else {
				assert.True(t, domainerrors.IsType(answerErr, domainerrors.ErrorTypeInvalidState), "round %d: %v", round, answerErr)
				assert.Zero(t, countType(after, domain.MessageAnswer), "round %d", round)
			}
			wantQuestions := 1
			if questionsOutcome == reconcile.OutcomeApplied {
				wantQuestions = 2
			}
			assert.Equal(t, wantQuestions, countType(after, domain.MessageQuestion), "round %d", round)
			assert.Equal(t, 1, countType(after, domain.MessageResult), "round %d", round)

			final := h.reload(t, sess.ID)
			assert.Equal(t, domain.SessionDone, final.Status, "round %d", round)
			assert.Equal(t, 3, final.CurrentIteration, "round %d", round)
		}
	})
}

func TestSubmitAnswer_Validation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, msgs := h.waitingSession(t)

		_, err := h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "   ", false)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeBadRequest), "empty answer: %v", err)

		_, err = h.facade.SubmitAnswer(ctx, sess.ID, 9999, "x", false)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound), "unknown question: %v", err)

		// A question belonging to another session is not addressable here.
		otherProject := &domain.Project{Title: "Other", ExternalID: ptr("proj-other")}
		require.NoError(t, h.store.CreateProject(ctx, otherProject))
		otherSession := domain.NewSession(otherProject.ID, "other goal", "")
		require.NoError(t, h.store.CreateSession(ctx, otherSession))
		foreign, _, err := h.store.UpsertQuestion(ctx, domain.NewQuestion(otherSession.ID, "Q9", nil, nil, "Elsewhere?", nil))
		require.NoError(t, err)
		_, err = h.facade.SubmitAnswer(ctx, sess.ID, foreign.ID, "x", false)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound), "foreign question: %v", err)

		// Skips need no text.
		_, err = h.facade.SubmitAnswer(ctx, sess.ID, msgs[1].ID, "", true)
		require.NoError(t, err)

		all, err := h.store.ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, countType(all, domain.MessageAnswer))
	})
}

func TestSubmitAnswer_DeliveryFailureKeepsAnswer(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"5xx is retried", domainerrors.ErrUpstream("boom", http.StatusServiceUnavailable, "busy"), 3},
		{"4xx is not retried", domainerrors.ErrUpstream("rejected", http.StatusUnprocessableEntity, "bad answer"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			sess, msgs := h.waitingSession(t)
			h.agent.submitErr = tt.err

			_, err := h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "Clinics", false)
			apiErr := domainerrors.AsAPIError(err)
			require.NotNil(t, apiErr)
			assert.Equal(t, domainerrors.ErrorTypeUpstream, apiErr.Type)
			assert.Equal(t, tt.err.(*domainerrors.APIError).UpstreamStatus, apiErr.UpstreamStatus)
			assert.Equal(t, tt.wantCalls, h.agent.count("submit_answer"))

			all, err := h.store.ListMessages(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, countType(all, domain.MessageAnswer), "answer must be preserved")
			assert.Equal(t, domain.SessionWaitingForAnswers, h.reload(t, sess.ID).Status)

			// The user can resubmit; the latest answer wins in the dialogue.
			h.agent.submitErr = nil
			_, err = h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "Clinics and patients", false)
			require.NoError(t, err)
			status, err := h.facade.GetStatus(ctx, sess.ID)
			require.NoError(t, err)
			require.NotEmpty(t, status.Dialogue)
			assert.Equal(t, "Clinics and patients", status.Dialogue[0].Answer.Content)
		})
	}
}

func TestSubmitAnswer_HealthFailureRecordsNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, msgs := h.waitingSession(t)
		h.agent.healthErr = domainerrors.ErrUnavailable("Agent service unavailable")

		_, err := h.facade.SubmitAnswer(ctx, sess.ID, msgs[0].ID, "x", false)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeUnavailable))

		all, err := h.store.ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		assert.Zero(t, countType(all, domain.MessageAnswer))
		assert.Equal(t, domain.SessionWaitingForAnswers, h.reload(t, sess.ID).Status)
	})
}

func TestCancelSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, _ := h.waitingSession(t)

		got, err := h.facade.CancelSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionCancelled, got.Status)

		_, err = h.facade.CancelSession(ctx, sess.ID)
		apiErr := domainerrors.AsAPIError(err)
		require.NotNil(t, apiErr)
		assert.Equal(t, domainerrors.ErrorCodeSessionTerminal, apiErr.Code)
		assert.Equal(t, 1, h.agent.count("cancel_session"))

		// No callback can revive it.
		_, err = h.disp.Apply(ctx, "late", &domain.FinalResultEvent{SessionID: "sess-1", SessionStatus: "done", FinalResult: ptr("late")})
		require.NoError(t, err)
		assert.Equal(t, domain.SessionCancelled, h.reload(t, sess.ID).Status)
	})
}

func TestCancelSession_AgentRejects(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, _ := h.waitingSession(t)
		h.agent.cancelErr = domainerrors.ErrUpstream("no", http.StatusConflict, "already finished")

		_, err := h.facade.CancelSession(ctx, sess.ID)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeUpstream))
		assert.Equal(t, domain.SessionWaitingForAnswers, h.reload(t, sess.ID).Status)
	})
}

func TestSyncSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, _ := h.waitingSession(t)

		h.agent.remote = &ports.AgentSession{SessionID: "sess-1", SessionStatus: "waiting_for_answers", IterationNumber: 1}
		res, err := h.facade.SyncSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, res.Outcome)
		assert.Equal(t, domain.SessionWaitingForAnswers, res.Session.Status)

		h.agent.remote = &ports.AgentSession{SessionID: "sess-1", SessionStatus: "done", IterationNumber: 3, FinalResult: ptr("req text")}
		res, err = h.facade.SyncSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
		assert.Equal(t, domain.SessionDone, res.Session.Status)

		res, err = h.facade.SyncSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)

		req, err := h.store.GetRequirement(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "req text", req.Content)
	})
}

func TestRegisterProject(t *testing.T) {
	t.Run("agent returns id", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.agent.projectID = "agent-p"

		p, err := h.facade.CreateProject(ctx, "Clinic booking")
		require.NoError(t, err)
		got, err := h.facade.RegisterProject(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ExternalID)
		assert.Equal(t, "agent-p", *got.ExternalID)
		require.NotNil(t, got.CorrelationID)
		assert.Equal(t, *got.CorrelationID, h.agent.lastProjReq.CorrelationID)

		// Registering again is a no-op.
		_, err = h.facade.RegisterProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, h.agent.count("create_project"))
	})

	t.Run("id arrives by callback", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		p, err := h.facade.CreateProject(ctx, "Clinic booking")
		require.NoError(t, err)
		decoy, err := h.facade.CreateProject(ctx, "Newer project")
		require.NoError(t, err)

		got, err := h.facade.RegisterProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ExternalID)

		outcome, err := h.disp.Apply(ctx, "req-p", &domain.ProjectUpdatedEvent{ID: "agent-p", CorrelationID: got.CorrelationID})
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeApplied, outcome)

		linked, err := h.store.GetProject(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, linked.ExternalID)
		assert.Equal(t, "agent-p", *linked.ExternalID)

		untouched, err := h.store.GetProject(ctx, decoy.ID)
		require.NoError(t, err)
		assert.Nil(t, untouched.ExternalID)
	})
}

func TestDeleteProject(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		sess, _ := h.waitingSession(t)

		h.agent.projectErr = domainerrors.ErrUpstream("no", http.StatusInternalServerError, "")
		err := h.facade.DeleteProject(ctx, sess.ProjectID)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeUpstream))
		_, err = h.store.GetSession(ctx, sess.ID)
		require.NoError(t, err, "local data must survive a failed agent delete")

		h.agent.projectErr = nil
		require.NoError(t, h.facade.DeleteProject(ctx, sess.ProjectID))
		_, err = h.store.GetSession(ctx, sess.ID)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))
		msgs, err := h.store.ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestEndToEnd(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.registeredProject(t)

		sess, err := h.facade.StartSession(ctx, p.ID, "Build a booking system", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionProcessing, sess.Status)

		_, err = h.disp.Apply(ctx, "req-1", &domain.QuestionsEvent{
			SessionID:       "sess-1",
			IterationNumber: 1,
			Questions: []domain.IncomingQuestion{
				{ID: "Q1", QuestionNumber: ptr(1), Question: "Who are the users?"},
				{ID: "Q2", QuestionNumber: ptr(2), Question: "What is the budget?"},
			},
		})
		require.NoError(t, err)

		status, err := h.facade.GetStatus(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionWaitingForAnswers, status.Session.Status)
		assert.Equal(t, 2, countType(status.Messages, domain.MessageQuestion))
		require.Len(t, status.Dialogue, 1, "only the open question is shown")
		q1 := status.Dialogue[0].Question

		_, err = h.facade.SubmitAnswer(ctx, sess.ID, q1.ID, "x", false)
		require.NoError(t, err)

		status, err = h.facade.GetStatus(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionProcessing, status.Session.Status)
		assert.Equal(t, 1, countType(status.Messages, domain.MessageAnswer))
		require.Len(t, status.Dialogue, 2)
		assert.Equal(t, "x", status.Dialogue[0].Answer.Content)
		assert.Nil(t, status.Dialogue[1].Answer)

		final := &domain.FinalResultEvent{SessionID: "sess-1", SessionStatus: "DONE", IterationNumber: 1, FinalResult: ptr("req text")}
		for i := 0; i < 2; i++ {
			_, err = h.disp.Apply(ctx, "req-final", final)
			require.NoError(t, err)
		}

		status, err = h.facade.GetStatus(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionDone, status.Session.Status)
		assert.Equal(t, 1, countType(status.Messages, domain.MessageResult))
		require.NotNil(t, status.Result)
		assert.Equal(t, "req text", status.Result.Content)
		require.NotNil(t, status.Requirement)
		assert.Equal(t, "req text", status.Requirement.Content)
	})
}
