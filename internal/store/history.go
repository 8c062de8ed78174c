package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/trace"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		worker TEXT,
		content TEXT,
		tool_calls TEXT,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		task_description TEXT,
		interval_seconds INTEGER,
		last_run DATETIME,
		status TEXT DEFAULT 'active'
	);`,
}

// SQLStore keeps sessions in SQLite.
type SQLStore struct {
	DB    *sql.DB
	locks *Locker
	now   func() time.Time
}

// NewSQLStore opens (creating if needed) the SQLite database at dbPath.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps SQLite writers from tripping over each other.
	db.SetMaxOpenConns(1)

	s, err := NewSQLStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB wraps an open database and creates missing tables.
func NewSQLStoreFromDB(db *sql.DB) (*SQLStore, error) {
	for _, q := range migrations {
		if _, err := db.Exec(q); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &SQLStore{DB: db, locks: NewLocker(), now: time.Now}, nil
}

func (h *SQLStore) Close() error {
	return h.DB.Close()
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func (h *SQLStore) Create(ctx context.Context, sessionID string) (*Session, error) {
	unlock := h.locks.Lock(sessionID)
	defer unlock()

	now := h.now().UTC()
	empty := plan.Plan{Version: 0, NextID: 1}
	raw, err := json.Marshal(empty)
	if err != nil {
		return nil, err
	}

	res, err := h.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, plan, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		sessionID, string(raw), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, persistErr("create session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrSessionExists
	}
	return &Session{ID: sessionID, Plan: empty, CreatedAt: now, UpdatedAt: now}, nil
}

func (h *SQLStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := h.DB.QueryRowContext(ctx,
		`SELECT id, plan, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                  Session
		rawPlan            string
		created, updatedAt int64
	)
	if err := row.Scan(&s.ID, &rawPlan, &created, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawPlan), &s.Plan); err != nil {
		return nil, fmt.Errorf("decode plan for %s: %w", s.ID, err)
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &s, nil
}

func (h *SQLStore) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.DB.QueryContext(ctx,
		`SELECT id, plan, created_at, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (h *SQLStore) AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	unlock := h.locks.Lock(sessionID)
	defer unlock()
	return h.commitTurn(ctx, sessionID, turn, nil)
}

// Integrate appends turn and replaces the plan snapshot in one transaction.
// On error neither write is visible.
func (h *SQLStore) Integrate(ctx context.Context, sessionID string, turn Turn, p plan.Plan) (Turn, error) {
	unlock := h.locks.Lock(sessionID)
	defer unlock()
	return h.commitTurn(ctx, sessionID, turn, &p)
}

func (h *SQLStore) commitTurn(ctx context.Context, sessionID string, turn Turn, p *plan.Plan) (Turn, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = h.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()

	var calls []byte
	if len(turn.ToolCalls) > 0 {
		var err error
		if calls, err = json.Marshal(turn.ToolCalls); err != nil {
			return Turn{}, fmt.Errorf("encode tool calls: %w", err)
		}
	}
	var rawPlan []byte
	if p != nil {
		var err error
		if rawPlan, err = json.Marshal(p); err != nil {
			return Turn{}, fmt.Errorf("encode plan: %w", err)
		}
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return Turn{}, persistErr("lookup session", err)
	}
	if exists == 0 {
		return Turn{}, ErrSessionNotFound
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&last); err != nil {
		return Turn{}, persistErr("next turn seq", err)
	}
	turn.Seq = last + 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, seq, role, worker, content, tool_calls, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, turn.Seq, string(turn.Role), turn.Worker, turn.Content, string(calls), turn.Timestamp.UnixNano()); err != nil {
		return Turn{}, persistErr("insert turn", err)
	}
	now := h.now().UTC().UnixNano()
	if p != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET plan = ?, updated_at = ? WHERE id = ?`,
			string(rawPlan), now, sessionID); err != nil {
			return Turn{}, persistErr("save plan", err)
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		now, sessionID); err != nil {
		return Turn{}, persistErr("touch session", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, persistErr("commit turn", err)
	}
	return turn, nil
}

func (h *SQLStore) Load(ctx context.Context, sessionID string) (plan.Plan, []Turn, error) {
	unlock := h.locks.Lock(sessionID)
	defer unlock()

	s, err := h.Get(ctx, sessionID)
	if err != nil {
		return plan.Plan{}, nil, err
	}

	rows, err := h.DB.QueryContext(ctx,
		`SELECT seq, role, worker, content, tool_calls, timestamp FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return plan.Plan{}, nil, err
	}
	defer rows.Close()

	var history []Turn
	for rows.Next() {
		var (
			t              Turn
			role           string
			worker, calls  sql.NullString
			content        sql.NullString
			ts             int64
		)
		if err := rows.Scan(&t.Seq, &role, &worker, &content, &calls, &ts); err != nil {
			return plan.Plan{}, nil, err
		}
		t.Role = Role(role)
		t.Worker = worker.String
		t.Content = content.String
		t.Timestamp = time.Unix(0, ts).UTC()
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &t.ToolCalls); err != nil {
				return plan.Plan{}, nil, fmt.Errorf("decode tool calls of turn %d: %w", t.Seq, err)
			}
		}
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return plan.Plan{}, nil, err
	}
	return s.Plan, history, nil
}

func (h *SQLStore) SavePlan(ctx context.Context, sessionID string, p plan.Plan) error {
	unlock := h.locks.Lock(sessionID)
	defer unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	res, err := h.DB.ExecContext(ctx, `UPDATE sessions SET plan = ?, updated_at = ? WHERE id = ?`,
		string(raw), h.now().UTC().UnixNano(), sessionID)
	if err != nil {
		return persistErr("save plan", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (h *SQLStore) AppendEvent(ctx context.Context, evt trace.Event) error {
	_, err := h.DB.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, kind, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Seq, string(evt.Kind), string(evt.Payload), evt.Timestamp.UTC().UnixNano())
	if err != nil {
		return persistErr("append event", err)
	}
	return nil
}

func (h *SQLStore) Events(ctx context.Context, sessionID string, afterSeq int64) ([]trace.Event, error) {
	rows, err := h.DB.QueryContext(ctx,
		`SELECT seq, kind, payload, timestamp FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trace.Event
	for rows.Next() {
		var (
			evt     trace.Event
			kind    string
			payload string
			ts      int64
		)
		if err := rows.Scan(&evt.Seq, &kind, &payload, &ts); err != nil {
			return nil, err
		}
		evt.SessionID = sessionID
		evt.Kind = trace.Kind(kind)
		evt.Payload = json.RawMessage(payload)
		evt.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (h *SQLStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := h.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID).Scan(&last)
	return last, err
}

func (h *SQLStore) AddTask(ctx context.Context, sessionID string, description string, intervalSeconds int) error {
	query := `INSERT INTO tasks (session_id, task_description, interval_seconds, last_run) VALUES (?, ?, ?, datetime('now', '-365 days'))`
	_, err := h.DB.ExecContext(ctx, query, sessionID, description, intervalSeconds)
	return err
}

func (h *SQLStore) GetPendingTasks(ctx context.Context) ([]Task, error) {
	query := `
		SELECT id, session_id, task_description, interval_seconds
		FROM tasks
		WHERE status = 'active'
		AND (last_run IS NULL OR (julianday('now') - julianday(last_run)) * 86400 >= interval_seconds)`
	return h.queryTasks(ctx, query)
}

func (h *SQLStore) ListTasks(ctx context.Context, sessionID string) ([]Task, error) {
	query := `SELECT id, session_id, task_description, interval_seconds FROM tasks WHERE session_id = ? AND status = 'active'`
	return h.queryTasks(ctx, query, sessionID)
}

func (h *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := h.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t := Task{Status: "active"}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Description, &t.IntervalSeconds); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (h *SQLStore) UpdateTaskLastRun(ctx context.Context, id int) error {
	_, err := h.DB.ExecContext(ctx, `UPDATE tasks SET last_run = datetime('now') WHERE id = ?`, id)
	return err
}

func (h *SQLStore) DeleteTask(ctx context.Context, sessionID string, id int) error {
	_, err := h.DB.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ? AND id = ?`, sessionID, id)
	return err
}

func (h *SQLStore) ClearTasks(ctx context.Context, sessionID string) error {
	_, err := h.DB.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, sessionID)
	return err
}
