// Package memory provides an in-process Ledger Store for tests and
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/interview-gateway/internal/core/domain"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

// Store is an in-memory implementation of LedgerStore. A transaction holds
// the store mutex for its whole duration and restores a snapshot on failure.
type Store struct {
	*view
	mu sync.Mutex
}

var _ ports.LedgerStore = (*Store)(nil)

type state struct {
	lastID       int64
	projects     map[int64]domain.Project
	sessions     map[int64]domain.Session
	messages     []domain.Message
	requirements map[int64]domain.Requirement
}

func (st *state) clone() *state {
	return &state{
		lastID:       st.lastID,
		projects:     maps.Clone(st.projects),
		sessions:     maps.Clone(st.sessions),
		messages:     slices.Clone(st.messages),
		requirements: maps.Clone(st.requirements),
	}
}

// view applies operations to a state. Outside a transaction it carries the
// store mutex; inside one the caller already holds it.
type view struct {
	st *state
	mu *sync.Mutex
}

// New creates a new in-memory store
func New() *Store {
	s := &Store{}
	s.view = &view{
		st: &state{
			projects:     make(map[int64]domain.Project),
			sessions:     make(map[int64]domain.Session),
			requirements: make(map[int64]domain.Requirement),
		},
		mu: &s.mu,
	}
	return s
}

// InTx runs fn against the store; any error discards fn's writes.
func (s *Store) InTx(ctx context.Context, fn func(tx ports.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.st.clone()
	if err := fn(&view{st: s.st}); err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store
func (s *Store) Close() error {
	return nil
}

func (v *view) lock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

func (v *view) nextID() int64 {
	v.st.lastID++
	return v.st.lastID
}

func (v *view) CreateSession(ctx context.Context, sess *domain.Session) error {
	defer v.lock()()

	if _, ok := v.st.projects[sess.ProjectID]; !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("project %d not found", sess.ProjectID))
	}
	for _, existing := range v.st.sessions {
		if existing.ProjectID == sess.ProjectID {
			return domainerrors.ErrConflict(fmt.Sprintf("project %d already has an interview session", sess.ProjectID))
		}
		if sess.ExternalSessionID != nil && existing.ExternalID() == *sess.ExternalSessionID {
			return domainerrors.ErrConflict(fmt.Sprintf("external session %q already exists", *sess.ExternalSessionID))
		}
	}

	now := time.Now().UTC()
	sess.ID = v.nextID()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	v.st.sessions[sess.ID] = *sess
	return nil
}

func (v *view) findSession(match func(*domain.Session) bool, desc string) (*domain.Session, error) {
	for _, sess := range v.st.sessions {
		if match(&sess) {
			return &sess, nil
		}
	}
	return nil, domainerrors.ErrNotFound(fmt.Sprintf("session %s not found", desc))
}

func (v *view) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	defer v.lock()()
	return v.findSession(func(s *domain.Session) bool { return s.ID == id }, fmt.Sprint(id))
}

func (v *view) GetSessionByExternalID(ctx context.Context, externalID string) (*domain.Session, error) {
	defer v.lock()()
	return v.findSession(func(s *domain.Session) bool {
		return s.ExternalSessionID != nil && *s.ExternalSessionID == externalID
	}, fmt.Sprintf("with external id %q", externalID))
}

func (v *view) GetSessionByProject(ctx context.Context, projectID int64) (*domain.Session, error) {
	defer v.lock()()
	return v.findSession(func(s *domain.Session) bool { return s.ProjectID == projectID },
		fmt.Sprintf("for project %d", projectID))
}

func (v *view) UpdateSession(ctx context.Context, sess *domain.Session) error {
	defer v.lock()()

	current, ok := v.st.sessions[sess.ID]
	if !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("session %d not found", sess.ID))
	}
	if sess.ExternalSessionID != nil {
		for id, other := range v.st.sessions {
			if id != sess.ID && other.ExternalID() == *sess.ExternalSessionID {
				return domainerrors.ErrConflict(fmt.Sprintf("external session %q is bound to another session", *sess.ExternalSessionID)).
					WithCode(domainerrors.ErrorCodeExternalIDMismatch)
			}
		}
	}

	sess.UpdatedAt = time.Now().UTC()
	current.ExternalSessionID = sess.ExternalSessionID
	current.Status = sess.Status
	current.AgentSessionStatus = sess.AgentSessionStatus
	current.CurrentIteration = sess.CurrentIteration
	current.UpdatedAt = sess.UpdatedAt
	v.st.sessions[sess.ID] = current
	return nil
}

func (v *view) DeleteSession(ctx context.Context, id int64) error {
	defer v.lock()()

	if _, ok := v.st.sessions[id]; !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("session %d not found", id))
	}
	v.deleteSession(id)
	return nil
}

func (v *view) deleteSession(id int64) {
	delete(v.st.sessions, id)
	delete(v.st.requirements, id)
	v.st.messages = slices.DeleteFunc(v.st.messages, func(m domain.Message) bool {
		return m.SessionID == id
	})
}

func (v *view) UpsertQuestion(ctx context.Context, q *domain.Message) (*domain.Message, bool, error) {
	defer v.lock()()

	if q.QuestionExternalID == nil || *q.QuestionExternalID == "" {
		return nil, false, domainerrors.ErrBadRequest("question has no external id")
	}
	if _, ok := v.st.sessions[q.SessionID]; !ok {
		return nil, false, domainerrors.ErrNotFound(fmt.Sprintf("session %d not found", q.SessionID))
	}

	for i := range v.st.messages {
		m := &v.st.messages[i]
		if m.SessionID != q.SessionID || m.QuestionExternalID == nil || *m.QuestionExternalID != *q.QuestionExternalID {
			continue
		}
		if q.QuestionStatus != nil {
			status := *q.QuestionStatus
			m.QuestionStatus = &status
		}
		out := *m
		return &out, false, nil
	}

	status := domain.QuestionUnanswered
	if q.QuestionStatus != nil {
		status = *q.QuestionStatus
	}
	stored := *q
	stored.ID = v.nextID()
	stored.Role = domain.RoleAgent
	stored.Type = domain.MessageQuestion
	stored.QuestionStatus = &status
	stored.IsSkipped = false
	stored.CreatedAt = time.Now().UTC()
	v.st.messages = append(v.st.messages, stored)
	return &stored, true, nil
}

func (v *view) AppendMessage(ctx context.Context, m *domain.Message) error {
	defer v.lock()()

	if m.Type == domain.MessageQuestion {
		return domainerrors.ErrBadRequest("questions must be written with UpsertQuestion")
	}
	if _, ok := v.st.sessions[m.SessionID]; !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("session %d not found", m.SessionID))
	}
	var parent *domain.Message
	if m.ParentMessageID != nil {
		i := v.messageIndex(*m.ParentMessageID)
		if i < 0 {
			return domainerrors.ErrNotFound(fmt.Sprintf("message %d not found", *m.ParentMessageID))
		}
		parent = &v.st.messages[i]
	}
	if err := m.CheckParent(parent); err != nil {
		return err
	}

	m.ID = v.nextID()
	m.CreatedAt = time.Now().UTC()
	v.st.messages = append(v.st.messages, *m)
	return nil
}

func (v *view) messageIndex(id int64) int {
	return slices.IndexFunc(v.st.messages, func(m domain.Message) bool { return m.ID == id })
}

func (v *view) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	defer v.lock()()

	i := v.messageIndex(id)
	if i < 0 {
		return nil, domainerrors.ErrNotFound(fmt.Sprintf("message %d not found", id))
	}
	m := v.st.messages[i]
	return &m, nil
}

func (v *view) ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	defer v.lock()()

	result := []domain.Message{}
	for _, m := range v.st.messages {
		if m.SessionID == sessionID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (v *view) CreateRequirement(ctx context.Context, r *domain.Requirement) error {
	defer v.lock()()

	if _, ok := v.st.sessions[r.SessionID]; !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("session %d not found", r.SessionID))
	}
	if _, exists := v.st.requirements[r.SessionID]; exists {
		return domainerrors.ErrConflict(fmt.Sprintf("session %d already has a requirement", r.SessionID)).
			WithCode(domainerrors.ErrorCodeRequirementExists)
	}

	now := time.Now().UTC()
	r.ID = v.nextID()
	r.CreatedAt = now
	r.UpdatedAt = now
	v.st.requirements[r.SessionID] = *r
	return nil
}

func (v *view) GetRequirement(ctx context.Context, sessionID int64) (*domain.Requirement, error) {
	defer v.lock()()

	r, ok := v.st.requirements[sessionID]
	if !ok {
		return nil, domainerrors.ErrNotFound(fmt.Sprintf("requirement for session %d not found", sessionID))
	}
	return &r, nil
}

func (v *view) projectKeysTaken(p *domain.Project) bool {
	for id, other := range v.st.projects {
		if id == p.ID {
			continue
		}
		if p.ExternalID != nil && other.ExternalID != nil && *p.ExternalID == *other.ExternalID {
			return true
		}
		if p.CorrelationID != nil && other.CorrelationID != nil && *p.CorrelationID == *other.CorrelationID {
			return true
		}
	}
	return false
}

func (v *view) CreateProject(ctx context.Context, p *domain.Project) error {
	defer v.lock()()

	if v.projectKeysTaken(p) {
		return domainerrors.ErrConflict("project external or correlation id already in use")
	}
	if p.Status == "" {
		p.Status = domain.ProjectActive
	}
	now := time.Now().UTC()
	p.ID = v.nextID()
	p.CreatedAt = now
	p.UpdatedAt = now
	v.st.projects[p.ID] = *p
	return nil
}

func (v *view) findProject(match func(*domain.Project) bool, desc string) (*domain.Project, error) {
	var found *domain.Project
	for _, p := range v.st.projects {
		if match(&p) && (found == nil || p.ID > found.ID) {
			found = &p
		}
	}
	if found == nil {
		return nil, domainerrors.ErrNotFound(fmt.Sprintf("project %s not found", desc))
	}
	return found, nil
}

func (v *view) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	defer v.lock()()
	return v.findProject(func(p *domain.Project) bool { return p.ID == id }, fmt.Sprint(id))
}

func (v *view) GetProjectByExternalID(ctx context.Context, externalID string) (*domain.Project, error) {
	defer v.lock()()
	return v.findProject(func(p *domain.Project) bool {
		return p.ExternalID != nil && *p.ExternalID == externalID
	}, fmt.Sprintf("with external id %q", externalID))
}

func (v *view) GetProjectByCorrelationID(ctx context.Context, correlationID string) (*domain.Project, error) {
	defer v.lock()()
	return v.findProject(func(p *domain.Project) bool {
		return p.CorrelationID != nil && *p.CorrelationID == correlationID
	}, fmt.Sprintf("with correlation id %q", correlationID))
}

func (v *view) MostRecentUnlinkedProject(ctx context.Context) (*domain.Project, error) {
	defer v.lock()()
	return v.findProject(func(p *domain.Project) bool { return p.ExternalID == nil }, "without external id")
}

func (v *view) UpdateProject(ctx context.Context, p *domain.Project) error {
	defer v.lock()()

	current, ok := v.st.projects[p.ID]
	if !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("project %d not found", p.ID))
	}
	if v.projectKeysTaken(p) {
		return domainerrors.ErrConflict(fmt.Sprintf("project %d: external or correlation id already in use", p.ID))
	}

	p.UpdatedAt = time.Now().UTC()
	current.Title = p.Title
	current.ExternalID = p.ExternalID
	current.CorrelationID = p.CorrelationID
	current.Status = p.Status
	current.UpdatedAt = p.UpdatedAt
	v.st.projects[p.ID] = current
	return nil
}

func (v *view) DeleteProject(ctx context.Context, id int64) error {
	defer v.lock()()

	if _, ok := v.st.projects[id]; !ok {
		return domainerrors.ErrNotFound(fmt.Sprintf("project %d not found", id))
	}
	delete(v.st.projects, id)
	for sid, sess := range v.st.sessions {
		if sess.ProjectID == id {
			v.deleteSession(sid)
		}
	}
	return nil
}
