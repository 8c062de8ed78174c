package store

import (
	"encoding/json"
	"time"

	"github.com/rahul/vibe/internal/plan"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleWorker Role = "worker"
	RoleSystem Role = "system"
)

// Session is the durable unit of conversation and plan state.
type Session struct {
	ID        string    `json:"id"`
	Plan      plan.Plan `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one immutable entry of the conversation. Seq is assigned by the
// store on append and reflects insertion order.
type Turn struct {
	Seq       int64      `json:"seq"`
	Role      Role       `json:"role"`
	Worker    string     `json:"worker,omitempty"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall records a single tool invocation made by a worker.
type ToolCall struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Worker    string          `json:"worker"`
	Args      json.RawMessage `json:"args,omitempty"`
	Output    string          `json:"output,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
}

func (c ToolCall) Failed() bool {
	return c.ErrorKind != ""
}

// Task is a research request scheduled to run periodically for a session.
type Task struct {
	ID              int       `json:"id"`
	SessionID       string    `json:"session_id"`
	Description     string    `json:"task_description"`
	IntervalSeconds int       `json:"interval_seconds"`
	LastRun         time.Time `json:"last_run"`
	Status          string    `json:"status"`
}
