package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rahul/vibe/internal/artifact"
	"github.com/rahul/vibe/internal/governance"
)

// Tool defines the interface for all agent capabilities.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, args json.RawMessage) (Output, error)
}

// Output is the structured success payload of a tool.
type Output struct {
	Content  string             `json:"content"`
	Data     any                `json:"data,omitempty"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
}

type ErrorKind string

const (
	ErrorKindInvalidInput ErrorKind = "invalid-input"
	ErrorKindToolError    ErrorKind = "tool-error"
)

// ToolError is the structured failure payload of a tool call.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// InvalidInput lets a tool flag arguments that pass the schema but are
// still unusable.
func InvalidInput(format string, args ...any) error {
	return &ToolError{Kind: ErrorKindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// Result is what Invoke returns: exactly one of Output or Err is meaningful.
type Result struct {
	Tool     string        `json:"tool"`
	Output   Output        `json:"output"`
	Err      *ToolError    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r Result) OK() bool { return r.Err == nil }

var ErrDuplicateTool = errors.New("tools: tool already registered")

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages the set of available tools. Register everything before
// sharing it; Invoke is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registered
	policy governance.PolicyEngine
	logger *slog.Logger
}

// NewRegistry builds an empty registry. A nil policy allows every call.
func NewRegistry(policy governance.PolicyEngine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]registered),
		policy: policy,
		logger: logger.With("component", "tools"),
	}
}

// Register compiles the tool's schema and adds it.
func (r *Registry) Register(t Tool) error {
	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return fmt.Errorf("encode schema for %s: %w", t.Name(), err)
	}
	schema, err := jsonschema.CompileString(t.Name()+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	r.tools[t.Name()] = registered{tool: t, schema: schema}
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names lists registered tools in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke validates args against the tool's schema, checks policy and runs
// the tool. Every failure, including a panic, comes back as Result.Err.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (res Result) {
	start := time.Now()
	res.Tool = name
	defer func() {
		if p := recover(); p != nil {
			res.Output = Output{}
			res.Err = &ToolError{Kind: ErrorKindToolError, Message: fmt.Sprintf("panic: %v", p)}
			r.logger.Error("tool panicked", "tool", name, "panic", p)
		}
		res.Duration = time.Since(start)
	}()

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		res.Err = &ToolError{Kind: ErrorKindInvalidInput, Message: fmt.Sprintf("unknown tool %q", name)}
		return res
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		res.Err = &ToolError{Kind: ErrorKindInvalidInput, Message: fmt.Sprintf("malformed arguments: %v", err)}
		return res
	}
	if err := entry.schema.Validate(decoded); err != nil {
		res.Err = &ToolError{Kind: ErrorKindInvalidInput, Message: err.Error()}
		return res
	}

	if r.policy != nil {
		sessionID, worker := CallerFromContext(ctx)
		decision, err := r.policy.Evaluate(ctx, governance.Request{
			Tool:      name,
			Arguments: string(args),
			SessionID: sessionID,
			Worker:    worker,
		})
		if err != nil {
			res.Err = &ToolError{Kind: ErrorKindToolError, Message: fmt.Sprintf("policy evaluation failed: %v", err)}
			return res
		}
		if decision.Effect == governance.EffectDeny {
			r.logger.Warn("tool call denied", "tool", name, "session_id", sessionID, "reason", decision.Reason)
			res.Err = &ToolError{Kind: ErrorKindToolError, Message: "denied by policy: " + decision.Reason}
			return res
		}
	}

	out, err := entry.tool.Execute(ctx, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			res.Err = te
		} else {
			res.Err = &ToolError{Kind: ErrorKindToolError, Message: err.Error()}
		}
		return res
	}
	res.Output = out
	return res
}

type callerKey struct{}

type caller struct {
	sessionID string
	worker    string
}

// WithCaller records which session and worker a tool call is made for.
func WithCaller(ctx context.Context, sessionID, worker string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{sessionID: sessionID, worker: worker})
}

func CallerFromContext(ctx context.Context) (sessionID, worker string) {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c.sessionID, c.worker
}

// decodeArgs unmarshals schema-validated arguments into v.
func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return InvalidInput("invalid arguments: %v", err)
	}
	return nil
}
