// Package storagetest holds the behavioural suite every LedgerStore must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) ports.LedgerStore

// Run exercises store semantics shared by all implementations.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ports.LedgerStore)
	}{
		{"SessionLifecycle", testSessionLifecycle},
		{"OneSessionPerProject", testOneSessionPerProject},
		{"ExternalIDUnique", testExternalIDUnique},
		{"UpsertQuestion", testUpsertQuestion},
		{"LedgerOrder", testLedgerOrder},
		{"AnswerThreading", testAnswerThreading},
		{"RequirementUnique", testRequirementUnique},
		{"ProjectLookups", testProjectLookups},
		{"DeleteProjectCascades", testDeleteProjectCascades},
		{"InTxRollback", testInTxRollback},
		{"NotFound", testNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func ptr[T any](v T) *T { return &v }

// SeedSession creates a project and a PROCESSING session for it.
func SeedSession(t *testing.T, s ports.LedgerStore, title string) (*domain.Project, *domain.Session) {
	t.Helper()
	ctx := context.Background()

	p := &domain.Project{Title: title}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	sess := domain.NewSession(p.ID, "goal for "+title, "http://gateway/agent/webhook")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return p, sess
}

func testSessionLifecycle(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	p, sess := SeedSession(t, s, "lifecycle")

	if sess.ID == 0 {
		t.Fatal("CreateSession() did not assign an id")
	}

	got, err := s.GetSessionByProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetSessionByProject() error = %v", err)
	}
	if got.ID != sess.ID || got.Status != domain.SessionProcessing || got.CurrentIteration != 1 {
		t.Errorf("GetSessionByProject() = %+v", got)
	}
	if got.ExternalSessionID != nil {
		t.Errorf("ExternalSessionID = %v, want nil", *got.ExternalSessionID)
	}

	if err := got.BindExternalID("ext-1"); err != nil {
		t.Fatalf("BindExternalID() error = %v", err)
	}
	if err := got.Transition(domain.SessionWaitingForAnswers); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	got.AgentSessionStatus = ptr("questions")
	got.AdvanceIteration(3)
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	byExt, err := s.GetSessionByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("GetSessionByExternalID() error = %v", err)
	}
	if byExt.ID != sess.ID {
		t.Errorf("GetSessionByExternalID() id = %d, want %d", byExt.ID, sess.ID)
	}
	if byExt.Status != domain.SessionWaitingForAnswers {
		t.Errorf("Status = %s, want waiting_for_answers", byExt.Status)
	}
	if byExt.CurrentIteration != 3 {
		t.Errorf("CurrentIteration = %d, want 3", byExt.CurrentIteration)
	}
	if byExt.AgentSessionStatus == nil || *byExt.AgentSessionStatus != "questions" {
		t.Errorf("AgentSessionStatus = %v", byExt.AgentSessionStatus)
	}
	if byExt.UserGoal != "goal for lifecycle" {
		t.Errorf("UserGoal = %q", byExt.UserGoal)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		t.Errorf("GetSession() after delete error = %v, want not_found", err)
	}
}

func testOneSessionPerProject(t *testing.T, s ports.LedgerStore) {
	p, _ := SeedSession(t, s, "single")

	second := domain.NewSession(p.ID, "again", "http://gateway/agent/webhook")
	err := s.CreateSession(context.Background(), second)
	if !domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
		t.Fatalf("CreateSession() error = %v, want conflict", err)
	}
}

func testExternalIDUnique(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	_, a := SeedSession(t, s, "a")
	_, b := SeedSession(t, s, "b")

	a.ExternalSessionID = ptr("shared")
	if err := s.UpdateSession(ctx, a); err != nil {
		t.Fatalf("UpdateSession(a) error = %v", err)
	}
	b.ExternalSessionID = ptr("shared")
	if err := s.UpdateSession(ctx, b); !domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
		t.Fatalf("UpdateSession(b) error = %v, want conflict", err)
	}
}

func testUpsertQuestion(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	_, sess := SeedSession(t, s, "upsert")

	q, created, err := s.UpsertQuestion(ctx, domain.NewQuestion(sess.ID, "q1", ptr(1), nil, "Who are the users?", ptr("scope")))
	if err != nil {
		t.Fatalf("UpsertQuestion() error = %v", err)
	}
	if !created {
		t.Error("first UpsertQuestion() created = false")
	}
	if q.QuestionStatus == nil || *q.QuestionStatus != domain.QuestionUnanswered {
		t.Errorf("QuestionStatus = %v, want unanswered", q.QuestionStatus)
	}
	if q.Role != domain.RoleAgent || q.Type != domain.MessageQuestion {
		t.Errorf("Role/Type = %s/%s", q.Role, q.Type)
	}

	// A replay without status leaves the stored row alone.
	again, created, err := s.UpsertQuestion(ctx, domain.NewQuestion(sess.ID, "q1", ptr(1), nil, "changed text", nil))
	if err != nil {
		t.Fatalf("UpsertQuestion() replay error = %v", err)
	}
	if created {
		t.Error("replayed UpsertQuestion() created = true")
	}
	if again.ID != q.ID || again.Content != "Who are the users?" {
		t.Errorf("replay returned %+v", again)
	}

	answered := domain.QuestionAnswered
	refreshed, created, err := s.UpsertQuestion(ctx, domain.NewQuestion(sess.ID, "q1", ptr(1), &answered, "changed text", nil))
	if err != nil {
		t.Fatalf("UpsertQuestion() refresh error = %v", err)
	}
	if created || refreshed.ID != q.ID {
		t.Errorf("refresh created=%v id=%d", created, refreshed.ID)
	}
	if *refreshed.QuestionStatus != domain.QuestionAnswered {
		t.Errorf("QuestionStatus = %s, want answered", *refreshed.QuestionStatus)
	}
	if refreshed.Content != "Who are the users?" {
		t.Errorf("Content = %q, refresh must only touch the status", refreshed.Content)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(ListMessages()) = %d, want 1", len(msgs))
	}

	// The same external question id is independent across sessions.
	_, other := SeedSession(t, s, "other")
	_, created, err = s.UpsertQuestion(ctx, domain.NewQuestion(other.ID, "q1", ptr(1), nil, "Who?", nil))
	if err != nil || !created {
		t.Errorf("UpsertQuestion() other session created=%v err=%v", created, err)
	}
}

func testLedgerOrder(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	_, sess := SeedSession(t, s, "order")

	q, _, err := s.UpsertQuestion(ctx, domain.NewQuestion(sess.ID, "q1", ptr(1), nil, "Why?", nil))
	if err != nil {
		t.Fatalf("UpsertQuestion() error = %v", err)
	}
	ans := domain.NewAnswer(sess.ID, q.ID, "Because", false)
	if err := s.AppendMessage(ctx, ans); err != nil {
		t.Fatalf("AppendMessage(answer) error = %v", err)
	}
	skip := domain.NewAnswer(sess.ID, q.ID, "", true)
	if err := s.AppendMessage(ctx, skip); err != nil {
		t.Fatalf("AppendMessage(skip) error = %v", err)
	}
	res := domain.NewResult(sess.ID, "final document")
	if err := s.AppendMessage(ctx, res); err != nil {
		t.Fatalf("AppendMessage(result) error = %v", err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	wantTypes := []domain.MessageType{domain.MessageQuestion, domain.MessageAnswer, domain.MessageAnswer, domain.MessageResult}
	if len(msgs) != len(wantTypes) {
		t.Fatalf("len(ListMessages()) = %d, want %d", len(msgs), len(wantTypes))
	}
	for i, want := range wantTypes {
		if msgs[i].Type != want {
			t.Errorf("msgs[%d].Type = %s, want %s", i, msgs[i].Type, want)
		}
		if i > 0 && msgs[i].ID <= msgs[i-1].ID {
			t.Errorf("msgs not in insertion order at %d", i)
		}
	}
	if msgs[1].ParentMessageID == nil || *msgs[1].ParentMessageID != q.ID {
		t.Errorf("answer parent = %v, want %d", msgs[1].ParentMessageID, q.ID)
	}
	if msgs[1].Role != domain.RoleUser {
		t.Errorf("answer role = %s, want user", msgs[1].Role)
	}
	if !msgs[2].IsSkipped || msgs[1].IsSkipped {
		t.Errorf("IsSkipped = %v/%v, want false/true", msgs[1].IsSkipped, msgs[2].IsSkipped)
	}

	got, err := s.GetMessage(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Content != "final document" || got.Type != domain.MessageResult {
		t.Errorf("GetMessage() = %+v", got)
	}
}

func testAnswerThreading(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	_, sess := SeedSession(t, s, "threading")
	_, other := SeedSession(t, s, "other")

	q, _, err := s.UpsertQuestion(ctx, domain.NewQuestion(sess.ID, "q1", ptr(1), nil, "Who?", nil))
	if err != nil {
		t.Fatalf("UpsertQuestion() error = %v", err)
	}
	foreign, _, err := s.UpsertQuestion(ctx, domain.NewQuestion(other.ID, "q1", ptr(1), nil, "Who else?", nil))
	if err != nil {
		t.Fatalf("UpsertQuestion(other) error = %v", err)
	}
	res := domain.NewResult(sess.ID, "draft")
	if err := s.AppendMessage(ctx, res); err != nil {
		t.Fatalf("AppendMessage(result) error = %v", err)
	}

	orphan := domain.NewAnswer(sess.ID, 0, "x", false)
	orphan.ParentMessageID = nil

	tests := []struct {
		name    string
		msg     *domain.Message
		errType domainerrors.ErrorType
	}{
		{"missing parent", domain.NewAnswer(sess.ID, 987654, "x", false), domainerrors.ErrorTypeNotFound},
		{"no parent", orphan, domainerrors.ErrorTypeBadRequest},
		{"parent is a result", domain.NewAnswer(sess.ID, res.ID, "x", false), domainerrors.ErrorTypeBadRequest},
		{"question of another session", domain.NewAnswer(sess.ID, foreign.ID, "x", false), domainerrors.ErrorTypeBadRequest},
	}
	for _, tt := range tests {
		err := s.AppendMessage(ctx, tt.msg)
		if !domainerrors.IsType(err, tt.errType) {
			t.Errorf("%s: AppendMessage() error = %v, want %s", tt.name, err, tt.errType)
		}
	}

	if err := s.AppendMessage(ctx, domain.NewAnswer(sess.ID, q.ID, "Clinics", false)); err != nil {
		t.Fatalf("AppendMessage(valid answer) error = %v", err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	answers := 0
	for _, m := range msgs {
		if m.Type == domain.MessageAnswer {
			answers++
		}
	}
	if answers != 1 {
		t.Errorf("answers recorded = %d, want 1", answers)
	}
}

func testRequirementUnique(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	_, sess := SeedSession(t, s, "requirement")

	if err := s.CreateRequirement(ctx, &domain.Requirement{SessionID: sess.ID, Content: "first"}); err != nil {
		t.Fatalf("CreateRequirement() error = %v", err)
	}
	err := s.CreateRequirement(ctx, &domain.Requirement{SessionID: sess.ID, Content: "second"})
	if !domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
		t.Fatalf("second CreateRequirement() error = %v, want conflict", err)
	}

	got, err := s.GetRequirement(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetRequirement() error = %v", err)
	}
	if got.Content != "first" {
		t.Errorf("Content = %q, want first", got.Content)
	}
}

func testProjectLookups(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()

	linked := &domain.Project{Title: "linked", ExternalID: ptr("agent-p1")}
	older := &domain.Project{Title: "older", CorrelationID: ptr("corr-1")}
	newer := &domain.Project{Title: "newer"}
	for _, p := range []*domain.Project{linked, older, newer} {
		if err := s.CreateProject(ctx, p); err != nil {
			t.Fatalf("CreateProject(%s) error = %v", p.Title, err)
		}
		if p.Status != domain.ProjectActive {
			t.Errorf("default Status = %s, want active", p.Status)
		}
	}

	got, err := s.GetProjectByExternalID(ctx, "agent-p1")
	if err != nil || got.ID != linked.ID {
		t.Errorf("GetProjectByExternalID() = %v, %v", got, err)
	}
	got, err = s.GetProjectByCorrelationID(ctx, "corr-1")
	if err != nil || got.ID != older.ID {
		t.Errorf("GetProjectByCorrelationID() = %v, %v", got, err)
	}
	got, err = s.MostRecentUnlinkedProject(ctx)
	if err != nil || got.ID != newer.ID {
		t.Errorf("MostRecentUnlinkedProject() = %v, %v", got, err)
	}

	newer.ExternalID = ptr("agent-p2")
	newer.Status = domain.ProjectFinished
	if err := s.UpdateProject(ctx, newer); err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}
	got, err = s.MostRecentUnlinkedProject(ctx)
	if err != nil || got.ID != older.ID {
		t.Errorf("MostRecentUnlinkedProject() after link = %v, %v", got, err)
	}
	got, err = s.GetProject(ctx, newer.ID)
	if err != nil || got.Status != domain.ProjectFinished || got.ExternalID == nil {
		t.Errorf("GetProject() = %+v, %v", got, err)
	}

	dup := &domain.Project{Title: "dup", ExternalID: ptr("agent-p1")}
	if err := s.CreateProject(ctx, dup); !domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
		t.Errorf("CreateProject() duplicate external id error = %v, want conflict", err)
	}
}

func testDeleteProjectCascades(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	p, sess := SeedSession(t, s, "cascade")

	q, _, err := s.UpsertQuestion(ctx, domain.NewQuestion(sess.ID, "q1", ptr(1), nil, "What?", nil))
	if err != nil {
		t.Fatalf("UpsertQuestion() error = %v", err)
	}
	if err := s.AppendMessage(ctx, domain.NewAnswer(sess.ID, q.ID, "This", false)); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := s.CreateRequirement(ctx, &domain.Requirement{SessionID: sess.ID, Content: "doc"}); err != nil {
		t.Fatalf("CreateRequirement() error = %v", err)
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}

	if _, err := s.GetSession(ctx, sess.ID); !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		t.Errorf("GetSession() error = %v, want not_found", err)
	}
	if _, err := s.GetMessage(ctx, q.ID); !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		t.Errorf("GetMessage() error = %v, want not_found", err)
	}
	if _, err := s.GetRequirement(ctx, sess.ID); !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
		t.Errorf("GetRequirement() error = %v, want not_found", err)
	}
	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len(ListMessages()) = %d, want 0", len(msgs))
	}
}

func testInTxRollback(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	_, sess := SeedSession(t, s, "tx")
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx ports.LedgerTx) error {
		got, err := tx.GetSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if err := got.Transition(domain.SessionDone); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, got); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, domain.NewResult(sess.ID, "lost")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != domain.SessionProcessing {
		t.Errorf("Status = %s after rollback, want processing", got.Status)
	}
	msgs, _ := s.ListMessages(ctx, sess.ID)
	if len(msgs) != 0 {
		t.Errorf("len(ListMessages()) = %d after rollback, want 0", len(msgs))
	}

	err = s.InTx(ctx, func(tx ports.LedgerTx) error {
		return tx.AppendMessage(ctx, domain.NewResult(sess.ID, "kept"))
	})
	if err != nil {
		t.Fatalf("InTx() commit error = %v", err)
	}
	msgs, _ = s.ListMessages(ctx, sess.ID)
	if len(msgs) != 1 {
		t.Errorf("len(ListMessages()) = %d after commit, want 1", len(msgs))
	}
}

func testNotFound(t *testing.T, s ports.LedgerStore) {
	ctx := context.Background()
	checks := map[string]error{}

	_, checks["GetSession"] = s.GetSession(ctx, 999)
	_, checks["GetSessionByExternalID"] = s.GetSessionByExternalID(ctx, "nope")
	_, checks["GetSessionByProject"] = s.GetSessionByProject(ctx, 999)
	_, checks["GetMessage"] = s.GetMessage(ctx, 999)
	_, checks["GetRequirement"] = s.GetRequirement(ctx, 999)
	_, checks["GetProject"] = s.GetProject(ctx, 999)
	_, checks["MostRecentUnlinkedProject"] = s.MostRecentUnlinkedProject(ctx)
	checks["DeleteProject"] = s.DeleteProject(ctx, 999)

	for name, err := range checks {
		if !domainerrors.IsType(err, domainerrors.ErrorTypeNotFound) {
			t.Errorf("%s() error = %v, want not_found", name, err)
		}
	}
}
