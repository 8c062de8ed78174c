// Package trace turns every orchestration step into an ordered, replayable
// stream of events keyed by session.
package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rahul/vibe/internal/plan"
)

// Kind identifies the variant of an Event.
type Kind string

const (
	KindPlanUpdated    Kind = "plan-updated"
	KindWorkerStarted  Kind = "worker-started"
	KindWorkerFinished Kind = "worker-finished"
	KindToolInvoked    Kind = "tool-invoked"
	KindToolResult     Kind = "tool-result"
	KindArtifactReady  Kind = "artifact-ready"
	KindError          Kind = "error"
	KindRunComplete    Kind = "run-complete"
)

var knownKinds = map[Kind]struct{}{
	KindPlanUpdated:    {},
	KindWorkerStarted:  {},
	KindWorkerFinished: {},
	KindToolInvoked:    {},
	KindToolResult:     {},
	KindArtifactReady:  {},
	KindError:          {},
	KindRunComplete:    {},
}

func ValidKind(k Kind) bool {
	_, ok := knownKinds[k]
	return ok
}

// Terminal reports whether the kind closes a run.
func (k Kind) Terminal() bool {
	return k == KindRunComplete || k == KindError
}

// Event is one record of the stream. Seq is strictly increasing and gapless
// per session.
type Event struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d: empty payload", e.Seq)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

type PlanUpdated struct {
	Plan plan.Plan `json:"plan"`
}

type WorkerStarted struct {
	Worker    string `json:"worker"`
	StepID    int    `json:"step_id,omitempty"`
	Step      string `json:"step,omitempty"`
	Iteration int    `json:"iteration"`
}

type WorkerFinished struct {
	Worker string `json:"worker"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ToolInvoked struct {
	CallID string          `json:"call_id"`
	Worker string          `json:"worker"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type ToolResult struct {
	CallID     string `json:"call_id"`
	Worker     string `json:"worker"`
	Tool       string `json:"tool"`
	Output     string `json:"output,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ArtifactReady carries the renderer's location untouched.
type ArtifactReady struct {
	Worker   string `json:"worker"`
	Tool     string `json:"tool,omitempty"`
	Location string `json:"location"`
	Format   string `json:"format,omitempty"`
}

type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type RunComplete struct {
	Iterations int    `json:"iterations"`
	Result     string `json:"result,omitempty"`
}
