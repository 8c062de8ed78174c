// Package worker defines the capability contract the supervisor dispatches
// to and the worker variants built on top of it.
package worker

import (
	"context"
	"fmt"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
)

// Status is the verdict a worker hands back to the supervisor.
type Status string

const (
	StatusContinue Status = "continue"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Names of the built-in workers.
const (
	Planner    = "planner"
	Researcher = "researcher"
	Analyst    = "analyst"
	Writer     = "writer"
	Librarian  = "librarian"
	Chat       = "chat"
)

// Task is everything a worker sees for one invocation. Workers must treat it
// as read-only; plan changes travel back as Outcome.Mutations.
type Task struct {
	SessionID string
	Request   string
	Step      plan.Step
	Plan      plan.Plan
	History   []store.Turn
	Iteration int
	Tools     *Toolbox
}

// HasStep reports whether the task was dispatched for a concrete plan step.
func (t Task) HasStep() bool {
	return t.Step.ID != 0
}

// Outcome is the single result of a worker invocation.
type Outcome struct {
	Status    Status           `json:"status"`
	Result    string           `json:"result,omitempty"`
	Mutations []plan.Mutation  `json:"mutations,omitempty"`
	Error     string           `json:"error,omitempty"`
	ToolCalls []store.ToolCall `json:"tool_calls,omitempty"`
}

type Worker interface {
	Name() string
	Run(ctx context.Context, task Task) Outcome
}

// Func adapts a plain function to the Worker interface.
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context, task Task) Outcome
}

func (f Func) Name() string { return f.WorkerName }

func (f Func) Run(ctx context.Context, task Task) Outcome { return f.Fn(ctx, task) }

// Invoke runs w and guarantees an Outcome: a panic becomes a failed outcome
// carrying the panic text. Tool calls recorded on the task's toolbox are
// attached when the worker did not report them itself.
func Invoke(ctx context.Context, w Worker, task Task) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Outcome{
				Status: StatusFailed,
				Error:  fmt.Sprintf("worker %s panicked: %v", w.Name(), p),
			}
		}
		if out.ToolCalls == nil && task.Tools != nil {
			out.ToolCalls = task.Tools.Calls()
		}
		switch out.Status {
		case StatusContinue, StatusDone, StatusFailed:
		default:
			out = Outcome{
				Status:    StatusFailed,
				Error:     fmt.Sprintf("worker %s returned unknown status %q", w.Name(), out.Status),
				ToolCalls: out.ToolCalls,
			}
		}
	}()
	return w.Run(ctx, task)
}

// Complete marks the task's step done with result. The outcome is done only
// when no other step is still open, so the supervisor keeps routing
// otherwise.
func Complete(task Task, result string) Outcome {
	out := Outcome{Status: StatusDone, Result: result}
	if !task.HasStep() {
		if _, open := task.Plan.FirstOpen(); open {
			out.Status = StatusContinue
		}
		return out
	}
	out.Mutations = []plan.Mutation{plan.SetStatus(task.Step.ID, plan.StatusDone, result)}
	for _, s := range task.Plan.Open() {
		if s.ID != task.Step.ID {
			out.Status = StatusContinue
			break
		}
	}
	return out
}

// Fail marks the task's step failed and ends the run.
func Fail(task Task, err error) Outcome {
	out := Outcome{Status: StatusFailed, Error: err.Error()}
	if task.HasStep() {
		out.Mutations = []plan.Mutation{plan.SetStatus(task.Step.ID, plan.StatusFailed, err.Error())}
	}
	return out
}
