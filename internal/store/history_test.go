package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/trace"
)

func newTestSQLStore(t *testing.T) (*SQLStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vibe.db")
	s, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLStoreCreateAndGet(t *testing.T) {
	s, _ := newTestSQLStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "s1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.AppendTurn(ctx, "missing", Turn{Role: RoleUser, Content: "hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on append, got %v", err)
	}
	if err := s.SavePlan(ctx, "missing", plan.New(plan.Step{Description: "x"})); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on save plan, got %v", err)
	}

	sess, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Plan.Version != 0 || len(sess.Plan.Steps) != 0 {
		t.Fatalf("expected empty plan, got %+v", sess.Plan)
	}
}

func TestSQLStoreResumeReproducesState(t *testing.T) {
	s, path := newTestSQLStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var written []Turn
	for i, content := range []string{"summarize X", "Found 3 sources", "Summary: ..."} {
		turn := Turn{Role: RoleWorker, Worker: "researcher", Content: content, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if i == 0 {
			turn.Role, turn.Worker = RoleUser, ""
		}
		if i == 1 {
			turn.ToolCalls = []ToolCall{{
				ID: "call-1", Tool: "web_search", Worker: "researcher",
				Args:      json.RawMessage(`{"query":"X"}`),
				Output:    "3 results",
				Timestamp: base,
				Duration:  150 * time.Millisecond,
			}}
		}
		got, err := s.AppendTurn(ctx, "s1", turn)
		if err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
		if got.Seq != int64(i+1) {
			t.Fatalf("turn %d: expected seq %d, got %d", i, i+1, got.Seq)
		}
		written = append(written, got)
	}

	p, err := plan.Apply(plan.New(plan.Step{Description: "research X"}, plan.Step{Description: "write summary"}), []plan.Mutation{plan.SetStatus(1, plan.StatusDone, "found")})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.SavePlan(ctx, "s1", p); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	s.Close()

	reopened, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	gotPlan, turns, err := reopened.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gotPlan.String() != p.String() || gotPlan.Version != p.Version || gotPlan.NextID != p.NextID {
		t.Fatalf("plan mismatch:\n got %s (v%d)\nwant %s (v%d)", gotPlan, gotPlan.Version, p, p.Version)
	}
	if len(turns) != len(written) {
		t.Fatalf("expected %d turns, got %d", len(written), len(turns))
	}
	for i := range turns {
		g, w := turns[i], written[i]
		if g.Seq != w.Seq || g.Role != w.Role || g.Worker != w.Worker || g.Content != w.Content || !g.Timestamp.Equal(w.Timestamp) {
			t.Errorf("turn %d mismatch: got %+v want %+v", i, g, w)
		}
		if len(g.ToolCalls) != len(w.ToolCalls) {
			t.Fatalf("turn %d: expected %d tool calls, got %d", i, len(w.ToolCalls), len(g.ToolCalls))
		}
		for j := range g.ToolCalls {
			gc, wc := g.ToolCalls[j], w.ToolCalls[j]
			if gc.ID != wc.ID || gc.Tool != wc.Tool || string(gc.Args) != string(wc.Args) || gc.Duration != wc.Duration {
				t.Errorf("tool call mismatch: got %+v want %+v", gc, wc)
			}
		}
	}
}

func TestSQLStoreConcurrentAppendsAreSerialized(t *testing.T) {
	s, _ := newTestSQLStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendTurn(ctx, "s1", Turn{Role: RoleUser, Content: "ping"}); err != nil {
				t.Errorf("AppendTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	_, turns, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(turns) != writers {
		t.Fatalf("expected %d turns, got %d", writers, len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			t.Fatalf("position %d has seq %d", i, turn.Seq)
		}
	}
}

func TestSQLStoreBacksEmitter(t *testing.T) {
	s, _ := newTestSQLStore(t)
	ctx := context.Background()

	e := trace.NewEmitter(s, nil)
	for i := 0; i < 3; i++ {
		if _, err := e.Emit(ctx, "s1", trace.KindToolInvoked, trace.ToolInvoked{Tool: "web_search"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	// A fresh emitter over the same log continues the sequence.
	e2 := trace.NewEmitter(s, nil)
	evt, err := e2.Emit(ctx, "s1", trace.KindRunComplete, trace.RunComplete{Iterations: 1})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if evt.Seq != 4 {
		t.Fatalf("expected seq 4, got %d", evt.Seq)
	}

	events, err := s.Events(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Kind != trace.KindRunComplete {
		t.Fatalf("unexpected events after 2: %+v", events)
	}
}

func TestSQLStoreTasks(t *testing.T) {
	s, _ := newTestSQLStore(t)
	ctx := context.Background()

	if err := s.AddTask(ctx, "s1", "track arxiv agents papers", 3600); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(ctx, "s2", "hn digest", 60); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	pending, err := s.GetPendingTasks(ctx)
	if err != nil {
		t.Fatalf("GetPendingTasks: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}

	if err := s.UpdateTaskLastRun(ctx, pending[0].ID); err != nil {
		t.Fatalf("UpdateTaskLastRun: %v", err)
	}
	pending, _ = s.GetPendingTasks(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task after run, got %d", len(pending))
	}

	if err := s.ClearTasks(ctx, "s2"); err != nil {
		t.Fatalf("ClearTasks: %v", err)
	}
	list, _ := s.ListTasks(ctx, "s2")
	if len(list) != 0 {
		t.Fatalf("expected no tasks for s2, got %d", len(list))
	}
	list, _ = s.ListTasks(ctx, "s1")
	if len(list) != 1 {
		t.Fatalf("expected 1 task for s1, got %d", len(list))
	}
	if err := s.DeleteTask(ctx, "s1", list[0].ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	list, _ = s.ListTasks(ctx, "s1")
	if len(list) != 0 {
		t.Fatalf("expected task deleted, got %d", len(list))
	}
}

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"sessions", "turns", "events", "tasks"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewSQLStoreFromDB(db)
	if err != nil {
		t.Fatalf("NewSQLStoreFromDB: %v", err)
	}
	return mock, s
}

func TestSQLStorePersistenceFailures(t *testing.T) {
	ctx := context.Background()
	diskErr := errors.New("disk I/O error")

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		run       func(*SQLStore) error
	}{
		{
			name: "append turn insert fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(1\) FROM sessions`).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
				mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM turns`).
					WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
				mock.ExpectExec("INSERT INTO turns").WillReturnError(diskErr)
				mock.ExpectRollback()
			},
			run: func(s *SQLStore) error {
				_, err := s.AppendTurn(ctx, "s1", Turn{Role: RoleUser, Content: "hi"})
				return err
			},
		},
		{
			name: "integrate plan update fails and rolls back the turn",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(1\) FROM sessions`).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
				mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM turns`).
					WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
				mock.ExpectExec("INSERT INTO turns").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("UPDATE sessions SET plan").WillReturnError(diskErr)
				mock.ExpectRollback()
			},
			run: func(s *SQLStore) error {
				_, err := s.Integrate(ctx, "s1", Turn{Role: RoleWorker, Worker: "researcher", Content: "found"},
					plan.New(plan.Step{Description: "step"}))
				return err
			},
		},
		{
			name: "begin fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(diskErr)
			},
			run: func(s *SQLStore) error {
				_, err := s.AppendTurn(ctx, "s1", Turn{Role: RoleUser, Content: "hi"})
				return err
			},
		},
		{
			name: "save plan fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE sessions SET plan").WillReturnError(diskErr)
			},
			run: func(s *SQLStore) error {
				return s.SavePlan(ctx, "s1", plan.New(plan.Step{Description: "step"}))
			},
		},
		{
			name: "append event fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO events").WillReturnError(diskErr)
			},
			run: func(s *SQLStore) error {
				return s.AppendEvent(ctx, trace.Event{SessionID: "s1", Seq: 1, Kind: trace.KindError, Payload: json.RawMessage(`{}`)})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, s := setupMockStore(t)
			tt.setupMock(mock)

			err := tt.run(s)
			if !errors.Is(err, ErrPersistence) {
				t.Fatalf("expected ErrPersistence, got %v", err)
			}
			if !errors.Is(err, diskErr) {
				t.Fatalf("expected wrapped driver error, got %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStoreIntegrateCommitsTurnAndPlan(t *testing.T) {
	s, _ := newTestSQLStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.AppendTurn(ctx, "s1", Turn{Role: RoleUser, Content: "go"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	p, err := plan.Apply(plan.New(plan.Step{Description: "gather sources"}),
		[]plan.Mutation{plan.SetStatus(1, plan.StatusDone, "found")})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	turn, err := s.Integrate(ctx, "s1", Turn{Role: RoleWorker, Worker: "researcher", Content: "found"}, p)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if turn.Seq != 2 {
		t.Fatalf("seq = %d, want 2", turn.Seq)
	}

	got, turns, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != p.Version || got.Steps[0].Status != plan.StatusDone {
		t.Fatalf("plan = %+v", got)
	}
	if len(turns) != 2 || turns[1].Worker != "researcher" {
		t.Fatalf("turns = %+v", turns)
	}

	if _, err := s.Integrate(ctx, "missing", Turn{Role: RoleSystem}, p); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
