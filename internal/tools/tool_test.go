package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rahul/vibe/internal/governance"
)

// countingTool records how often its capability actually runs.
type countingTool struct {
	calls  atomic.Int32
	fail   error
	panics bool
}

func (c *countingTool) Name() string        { return "fetch_feed" }
func (c *countingTool) Description() string { return "test capability" }
func (c *countingTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":   map[string]any{"type": "string", "pattern": "^https?://"},
			"limit": map[string]any{"type": "integer", "minimum": 1},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}

func (c *countingTool) Execute(_ context.Context, args json.RawMessage) (Output, error) {
	c.calls.Add(1)
	if c.panics {
		panic("nil map write")
	}
	if c.fail != nil {
		return Output{}, c.fail
	}
	return Output{Content: "ok:" + string(args)}, nil
}

func newTestRegistry(t *testing.T, policy governance.PolicyEngine) (*Registry, *countingTool) {
	t.Helper()
	reg := NewRegistry(policy, nil)
	tool := &countingTool{}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg, tool
}

func TestInvalidInputNeverReachesExecution(t *testing.T) {
	reg, tool := newTestRegistry(t, nil)
	ctx := context.Background()

	cases := map[string]string{
		"missing required": `{}`,
		"wrong type":       `{"url": 42}`,
		"pattern mismatch": `{"url": "ftp://example.com"}`,
		"below minimum":    `{"url": "https://example.com", "limit": 0}`,
		"unknown property": `{"url": "https://example.com", "force": true}`,
		"malformed json":   `{"url": `,
		"not an object":    `["https://example.com"]`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			res := reg.Invoke(ctx, "fetch_feed", json.RawMessage(args))
			if res.OK() {
				t.Fatalf("expected failure for %s", args)
			}
			if res.Err.Kind != ErrorKindInvalidInput {
				t.Errorf("expected %s, got %s (%s)", ErrorKindInvalidInput, res.Err.Kind, res.Err.Message)
			}
		})
	}

	if n := tool.calls.Load(); n != 0 {
		t.Fatalf("capability ran %d times on invalid input", n)
	}

	res := reg.Invoke(ctx, "fetch_feed", json.RawMessage(`{"url": "https://example.com", "limit": 2}`))
	if !res.OK() {
		t.Fatalf("valid call failed: %v", res.Err)
	}
	if tool.calls.Load() != 1 {
		t.Fatalf("expected one execution, got %d", tool.calls.Load())
	}
}

func TestUnknownToolIsInvalidInput(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	res := reg.Invoke(context.Background(), "rm_rf", nil)
	if res.OK() || res.Err.Kind != ErrorKindInvalidInput {
		t.Fatalf("expected invalid-input for unknown tool, got %+v", res)
	}
}

func TestExecutionFailuresAreNormalized(t *testing.T) {
	reg, tool := newTestRegistry(t, nil)
	args := json.RawMessage(`{"url": "https://example.com"}`)

	tool.fail = errors.New("connection reset by peer")
	res := reg.Invoke(context.Background(), "fetch_feed", args)
	if res.OK() || res.Err.Kind != ErrorKindToolError {
		t.Fatalf("expected tool-error, got %+v", res)
	}
	if !strings.Contains(res.Err.Message, "connection reset by peer") {
		t.Errorf("original cause lost: %q", res.Err.Message)
	}

	tool.fail = InvalidInput("feed %s is not RSS", "x")
	res = reg.Invoke(context.Background(), "fetch_feed", args)
	if res.OK() || res.Err.Kind != ErrorKindInvalidInput {
		t.Fatalf("expected tool-reported invalid-input, got %+v", res)
	}

	tool.fail = nil
	tool.panics = true
	res = reg.Invoke(context.Background(), "fetch_feed", args)
	if res.OK() || res.Err.Kind != ErrorKindToolError {
		t.Fatalf("expected panic to become tool-error, got %+v", res)
	}
	if !strings.Contains(res.Err.Message, "nil map write") {
		t.Errorf("panic value lost: %q", res.Err.Message)
	}
}

func TestPolicyDenialSkipsExecution(t *testing.T) {
	policy := governance.NewDefaultPolicyEngine()
	policy.RestrictWorker("writer", "save_file")
	reg, tool := newTestRegistry(t, policy)

	ctx := WithCaller(context.Background(), "s1", "writer")
	res := reg.Invoke(ctx, "fetch_feed", json.RawMessage(`{"url": "https://example.com"}`))
	if res.OK() || res.Err.Kind != ErrorKindToolError {
		t.Fatalf("expected policy denial as tool-error, got %+v", res)
	}
	if !strings.Contains(res.Err.Message, "denied by policy") {
		t.Errorf("unexpected message %q", res.Err.Message)
	}
	if tool.calls.Load() != 0 {
		t.Fatal("denied call reached the capability")
	}

	ctx = WithCaller(context.Background(), "s1", "researcher")
	if res := reg.Invoke(ctx, "fetch_feed", json.RawMessage(`{"url": "https://example.com"}`)); !res.OK() {
		t.Fatalf("unrestricted worker denied: %v", res.Err)
	}
}

func TestRegisterRejectsDuplicatesAndBadSchemas(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	if err := reg.Register(&countingTool{}); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
	if err := reg.Register(badSchemaTool{}); err == nil {
		t.Fatal("expected schema compile error")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "fetch_feed" {
		t.Fatalf("unexpected names %v", names)
	}
}

type badSchemaTool struct{}

func (badSchemaTool) Name() string                { return "broken" }
func (badSchemaTool) Description() string         { return "" }
func (badSchemaTool) Parameters() map[string]any { return map[string]any{"type": 12} }
func (badSchemaTool) Execute(context.Context, json.RawMessage) (Output, error) {
	return Output{}, nil
}

func TestConcurrentInvoke(t *testing.T) {
	reg, tool := newTestRegistry(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := reg.Invoke(context.Background(), "fetch_feed", json.RawMessage(`{"url":"https://example.com"}`)); !res.OK() {
				t.Errorf("Invoke: %v", res.Err)
			}
		}()
	}
	wg.Wait()
	if tool.calls.Load() != 32 {
		t.Fatalf("expected 32 executions, got %d", tool.calls.Load())
	}
}
