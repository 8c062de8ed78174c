package plan

import (
	"errors"
	"fmt"
	"strings"
)

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusDone       StepStatus = "done"
	StatusFailed     StepStatus = "failed"
)

var (
	ErrInvalidTransition = errors.New("plan: invalid step transition")
	ErrUnknownStep       = errors.New("plan: unknown step")
	ErrInvalidMutation   = errors.New("plan: invalid mutation")
)

// Statuses only move forward. Repeating the current status is a no-op.
var allowedTransitions = map[StepStatus]map[StepStatus]struct{}{
	StatusPending: {
		StatusPending:    {},
		StatusInProgress: {},
		StatusDone:       {},
		StatusFailed:     {},
	},
	StatusInProgress: {
		StatusInProgress: {},
		StatusDone:       {},
		StatusFailed:     {},
	},
	StatusDone:   {StatusDone: {}},
	StatusFailed: {StatusFailed: {}},
}

func ValidateStatus(s StepStatus) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
	}
	return nil
}

func ValidateTransition(from, to StepStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether no further transition can change the status.
func (s StepStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Step represents a single sub-task in a broader plan.
type Step struct {
	ID          int        `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Owner       string     `json:"owner,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Plan is an immutable snapshot of the ordered steps for a session. Every
// change produces a new snapshot with a higher Version.
type Plan struct {
	Version int    `json:"version"`
	NextID  int    `json:"next_id"`
	Steps   []Step `json:"steps"`
}

// New builds a version 1 plan with every step pending.
func New(steps ...Step) Plan {
	p := Plan{Version: 1, NextID: 1}
	for _, s := range steps {
		s.ID = p.NextID
		s.Status = StatusPending
		p.NextID++
		p.Steps = append(p.Steps, s)
	}
	return p
}

func (p Plan) Clone() Plan {
	out := p
	if p.Steps != nil {
		out.Steps = make([]Step, len(p.Steps))
		copy(out.Steps, p.Steps)
	}
	return out
}

// Step returns the step with the given id.
func (p Plan) Step(id int) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// FirstOpen returns the earliest inserted step that is not terminal.
func (p Plan) FirstOpen() (Step, bool) {
	for _, s := range p.Steps {
		if !s.Status.Terminal() {
			return s, true
		}
	}
	return Step{}, false
}

// Open returns all steps that are not terminal, in insertion order.
func (p Plan) Open() []Step {
	var out []Step
	for _, s := range p.Steps {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func (p Plan) HasPending() bool {
	for _, s := range p.Steps {
		if s.Status == StatusPending {
			return true
		}
	}
	return false
}

func (p Plan) String() string {
	if len(p.Steps) == 0 {
		return "(empty plan)"
	}
	var b strings.Builder
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s", s.ID, s.Status, s.Description)
		if s.Owner != "" {
			fmt.Fprintf(&b, " (%s)", s.Owner)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
