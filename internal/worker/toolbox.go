package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/vibe/internal/audit"
	"github.com/rahul/vibe/internal/store"
	"github.com/rahul/vibe/internal/tools"
	"github.com/rahul/vibe/internal/trace"
)

// maxEventOutput caps how much tool output is copied into a tool-result
// event. The full output stays on the recorded ToolCall.
const maxEventOutput = 4000

// Toolbox is the handle one worker invocation uses to reach the tool
// registry. Every call is audited and mirrored on the trace stream before
// Call returns.
type Toolbox struct {
	SessionID string
	Worker    string
	Registry  *tools.Registry
	Emitter   *trace.Emitter
	Audit     *audit.Logger
	Logger    *slog.Logger

	// Cancelled reports whether the run was asked to stop. Once it returns
	// true no new tool call is started.
	Cancelled func() bool

	// Observe, when set, is told how each call ended.
	Observe func(tool string, res tools.Result)

	mu    sync.Mutex
	calls []store.ToolCall
	err   error
}

// Call invokes a registered tool on behalf of the worker.
func (t *Toolbox) Call(ctx context.Context, name string, args json.RawMessage) tools.Result {
	if t.Cancelled != nil && t.Cancelled() {
		return tools.Result{
			Tool: name,
			Err:  &tools.ToolError{Kind: tools.ErrorKindToolError, Message: "cancelled: run is stopping"},
		}
	}

	callID := uuid.NewString()
	started := time.Now().UTC()
	t.emit(ctx, trace.KindToolInvoked, trace.ToolInvoked{
		CallID: callID,
		Worker: t.Worker,
		Tool:   name,
		Args:   args,
	})

	res := t.Registry.Invoke(tools.WithCaller(ctx, t.SessionID, t.Worker), name, args)

	call := store.ToolCall{
		ID:        callID,
		Tool:      name,
		Worker:    t.Worker,
		Args:      args,
		Output:    res.Output.Content,
		Timestamp: started,
		Duration:  res.Duration,
	}
	if res.Err != nil {
		call.ErrorKind = string(res.Err.Kind)
		call.Error = res.Err.Message
	}

	if t.Audit != nil {
		if err := t.Audit.LogToolCall(ctx, audit.Record{
			SessionID: t.SessionID,
			Worker:    t.Worker,
			Tool:      name,
			CallID:    callID,
			Args:      args,
			Output:    call.Output,
			ErrorKind: call.ErrorKind,
			Error:     call.Error,
			Duration:  call.Duration,
		}); err != nil {
			t.fail(fmt.Errorf("audit tool call %s: %w", callID, err))
		}
	}

	t.emit(ctx, trace.KindToolResult, trace.ToolResult{
		CallID:     callID,
		Worker:     t.Worker,
		Tool:       name,
		Output:     truncate(call.Output, maxEventOutput),
		ErrorKind:  call.ErrorKind,
		Error:      call.Error,
		DurationMS: call.Duration.Milliseconds(),
	})
	if art := res.Output.Artifact; art != nil && res.OK() {
		t.emit(ctx, trace.KindArtifactReady, trace.ArtifactReady{
			Worker:   t.Worker,
			Tool:     name,
			Location: art.Location,
			Format:   string(art.Format),
		})
	}

	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()

	if t.Observe != nil {
		t.Observe(name, res)
	}
	if t.Logger != nil {
		t.Logger.Debug("tool call", "session_id", t.SessionID, "worker", t.Worker, "tool", name,
			"ok", res.OK(), "duration", res.Duration)
	}
	return res
}

// Calls returns the tool calls made so far, in order.
func (t *Toolbox) Calls() []store.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return nil
	}
	out := make([]store.ToolCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// Err returns the first failure to record a call durably. The supervisor
// treats it as a persistence failure of the run.
func (t *Toolbox) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Definitions describes the named tools in the form the LLM function-calling
// API expects. Names that are not registered are skipped.
func (t *Toolbox) Definitions(names ...string) []llms.Tool {
	if t == nil || t.Registry == nil {
		return nil
	}
	var defs []llms.Tool
	for _, name := range names {
		tool, ok := t.Registry.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

func (t *Toolbox) emit(ctx context.Context, kind trace.Kind, payload any) {
	if t.Emitter == nil {
		return
	}
	if _, err := t.Emitter.Emit(ctx, t.SessionID, kind, payload); err != nil {
		t.fail(fmt.Errorf("emit %s: %w", kind, err))
	}
}

func (t *Toolbox) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
	if t.Logger != nil {
		t.Logger.Error("tool call not recorded", "session_id", t.SessionID, "worker", t.Worker, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
