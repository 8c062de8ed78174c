package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/trace"
)

// MemoryStore is a process-local Store, used for ephemeral deployments and tests.
type MemoryStore struct {
	*trace.MemoryLog

	locks *Locker
	now   func() time.Time

	mu       sync.RWMutex
	sessions map[string]*memSession
	tasks    []Task
	nextTask int
}

type memSession struct {
	meta  Session
	turns []Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryLog: trace.NewMemoryLog(),
		locks:     NewLocker(),
		now:       time.Now,
		sessions:  make(map[string]*memSession),
		nextTask:  1,
	}
}

func (m *MemoryStore) session(id string) (*memSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemoryStore) Create(_ context.Context, sessionID string) (*Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return nil, ErrSessionExists
	}
	now := m.now().UTC()
	s := &memSession{meta: Session{ID: sessionID, Plan: plan.Plan{NextID: 1}, CreatedAt: now, UpdatedAt: now}}
	m.sessions[sessionID] = s
	out := s.meta
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := s.meta
	out.Plan = s.meta.Plan.Clone()
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.meta)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn Turn) (Turn, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	return m.commitTurn(sessionID, turn, nil)
}

// Integrate appends turn and replaces the plan snapshot as one step.
func (m *MemoryStore) Integrate(_ context.Context, sessionID string, turn Turn, p plan.Plan) (Turn, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	return m.commitTurn(sessionID, turn, &p)
}

func (m *MemoryStore) commitTurn(sessionID string, turn Turn, p *plan.Plan) (Turn, error) {
	s, ok := m.session(sessionID)
	if !ok {
		return Turn{}, ErrSessionNotFound
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	turn.Seq = int64(len(s.turns)) + 1
	turn.ToolCalls = append([]ToolCall(nil), turn.ToolCalls...)
	s.turns = append(s.turns, turn)
	if p != nil {
		s.meta.Plan = p.Clone()
	}
	s.meta.UpdatedAt = m.now().UTC()
	return turn, nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (plan.Plan, []Turn, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	s, ok := m.session(sessionID)
	if !ok {
		return plan.Plan{}, nil, ErrSessionNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return s.meta.Plan.Clone(), turns, nil
}

func (m *MemoryStore) SavePlan(_ context.Context, sessionID string, p plan.Plan) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	s, ok := m.session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	m.mu.Lock()
	s.meta.Plan = p.Clone()
	s.meta.UpdatedAt = m.now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) AddTask(_ context.Context, sessionID, description string, intervalSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, Task{
		ID:              m.nextTask,
		SessionID:       sessionID,
		Description:     description,
		IntervalSeconds: intervalSeconds,
		Status:          "active",
	})
	m.nextTask++
	return nil
}

func (m *MemoryStore) GetPendingTasks(_ context.Context) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []Task
	for _, t := range m.tasks {
		if t.LastRun.IsZero() || now.Sub(t.LastRun) >= time.Duration(t.IntervalSeconds)*time.Second {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateTaskLastRun(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].LastRun = m.now()
		}
	}
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, sessionID string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, sessionID string, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.SessionID == sessionID && t.ID == id {
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
	return nil
}

func (m *MemoryStore) ClearTasks(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.SessionID != sessionID {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
	return nil
}
