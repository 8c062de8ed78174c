package plan

import (
	"fmt"
	"strings"
)

type MutationOp string

const (
	OpSetStatus MutationOp = "set_status"
	OpAppend    MutationOp = "append"
)

// Mutation describes one change a worker asks the supervisor to make.
type Mutation struct {
	Op          MutationOp `json:"op"`
	StepID      int        `json:"step_id,omitempty"`
	Status      StepStatus `json:"status,omitempty"`
	Result      string     `json:"result,omitempty"`
	Description string     `json:"description,omitempty"`
	Owner       string     `json:"owner,omitempty"`
}

func SetStatus(stepID int, status StepStatus, result string) Mutation {
	return Mutation{Op: OpSetStatus, StepID: stepID, Status: status, Result: result}
}

func AppendStep(description, owner string) Mutation {
	return Mutation{Op: OpAppend, Description: description, Owner: owner}
}

// Apply validates muts against p and returns the resulting snapshot. p is not
// modified. Either every mutation applies or none does.
func Apply(p Plan, muts []Mutation) (Plan, error) {
	next := p.Clone()
	if next.NextID <= 0 {
		next.NextID = 1
		for _, s := range next.Steps {
			if s.ID >= next.NextID {
				next.NextID = s.ID + 1
			}
		}
	}

	for i, m := range muts {
		switch m.Op {
		case OpSetStatus:
			idx := -1
			for j := range next.Steps {
				if next.Steps[j].ID == m.StepID {
					idx = j
					break
				}
			}
			if idx < 0 {
				return p, fmt.Errorf("mutation %d: %w: %d", i, ErrUnknownStep, m.StepID)
			}
			cur := next.Steps[idx]
			if err := ValidateTransition(cur.Status, m.Status); err != nil {
				return p, fmt.Errorf("mutation %d on step %d: %w", i, m.StepID, err)
			}
			cur.Status = m.Status
			if m.Result != "" {
				cur.Result = m.Result
			}
			next.Steps[idx] = cur

		case OpAppend:
			desc := strings.TrimSpace(m.Description)
			if desc == "" {
				return p, fmt.Errorf("mutation %d: %w: empty description", i, ErrInvalidMutation)
			}
			next.Steps = append(next.Steps, Step{
				ID:          next.NextID,
				Description: desc,
				Status:      StatusPending,
				Owner:       m.Owner,
			})
			next.NextID++

		default:
			return p, fmt.Errorf("mutation %d: %w: op %q", i, ErrInvalidMutation, m.Op)
		}
	}

	next.Version = p.Version + 1
	return next, nil
}
