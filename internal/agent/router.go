package agent

import (
	"fmt"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
)

// RouteInput is everything a routing decision may depend on.
type RouteInput struct {
	Plan      plan.Plan
	History   []store.Turn
	Iteration int
}

// Decision names the worker to dispatch and the step it works on. Step is
// zero when the worker is not tied to a plan step (the planner).
type Decision struct {
	Worker string
	Step   plan.Step
	Reason string
}

// Router selects the next worker. Implementations must be deterministic for
// identical inputs.
type Router interface {
	Route(in RouteInput) (Decision, error)
}

// FIFORouter dispatches the earliest open step to its owner. With no open
// step it plans when the conversation ends in a user turn and fails closed
// otherwise.
type FIFORouter struct {
	DefaultWorker string
	PlannerWorker string
}

func (r FIFORouter) Route(in RouteInput) (Decision, error) {
	if step, ok := in.Plan.FirstOpen(); ok {
		owner := step.Owner
		if owner == "" {
			owner = r.DefaultWorker
		}
		if owner == "" {
			return Decision{}, fmt.Errorf("%w: step %d has no owner and no default worker is set", ErrNoViableRoute, step.ID)
		}
		return Decision{
			Worker: owner,
			Step:   step,
			Reason: fmt.Sprintf("earliest open step %d", step.ID),
		}, nil
	}

	if n := len(in.History); n > 0 && in.History[n-1].Role == store.RoleUser && r.PlannerWorker != "" {
		return Decision{Worker: r.PlannerWorker, Reason: "no open steps; planning the latest request"}, nil
	}
	return Decision{}, fmt.Errorf("%w: no open steps and no pending request", ErrNoViableRoute)
}
