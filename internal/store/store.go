// Package store persists sessions: conversation turns, plan snapshots, the
// trace event log and scheduled tasks. All operations on one session are
// serialized; different sessions never wait on each other.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/trace"
)

var (
	ErrSessionNotFound = errors.New("store: session not found")
	ErrSessionExists   = errors.New("store: session already exists")
	ErrPersistence     = errors.New("store: persistence failure")
)

// Store is the Session Store contract used by the supervisor.
type Store interface {
	Create(ctx context.Context, sessionID string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	List(ctx context.Context, limit int) ([]Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error)
	Load(ctx context.Context, sessionID string) (plan.Plan, []Turn, error)
	SavePlan(ctx context.Context, sessionID string, p plan.Plan) error
	// Integrate appends turn and saves p atomically: either both are
	// stored or neither is.
	Integrate(ctx context.Context, sessionID string, turn Turn, p plan.Plan) (Turn, error)

	trace.Log
}

// TaskStore holds scheduled research tasks.
type TaskStore interface {
	AddTask(ctx context.Context, sessionID, description string, intervalSeconds int) error
	GetPendingTasks(ctx context.Context) ([]Task, error)
	UpdateTaskLastRun(ctx context.Context, id int) error
	ListTasks(ctx context.Context, sessionID string) ([]Task, error)
	DeleteTask(ctx context.Context, sessionID string, id int) error
	ClearTasks(ctx context.Context, sessionID string) error
}

// Locker hands out one mutex per session id. Entries are dropped once no
// goroutine holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the session's lock is held and returns the release func.
func (l *Locker) Lock(sessionID string) func() {
	l.mu.Lock()
	e, ok := l.locks[sessionID]
	if !ok {
		e = &lockEntry{}
		l.locks[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
