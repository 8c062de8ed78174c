package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/vibe/internal/plan"
)

const proposePlan = "propose_plan"

var ErrNoPlan = errors.New("worker: planner returned neither a plan nor an answer")

// PlannerAgent decomposes the latest user request into plan steps. A plain
// text reply (greetings, simple questions) ends the run with that answer.
type PlannerAgent struct {
	Model   llms.Model
	Prompts *PromptManager
	// Owners is the set of workers steps may be assigned to. Steps naming
	// anything else are left unowned and go to the default worker.
	Owners []string
}

func (p *PlannerAgent) Name() string { return Planner }

type proposedPlan struct {
	Steps []struct {
		Description string `json:"description"`
		Owner       string `json:"owner"`
	} `json:"steps"`
}

func (p *PlannerAgent) tool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        proposePlan,
			Description: "Submit the ordered list of high-level steps for the request.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"description": map[string]any{"type": "string"},
								"owner": map[string]any{
									"type": "string",
									"enum": p.Owners,
								},
							},
							"required": []string{"description", "owner"},
						},
					},
				},
				"required": []string{"steps"},
			},
		},
	}
}

func (p *PlannerAgent) Run(ctx context.Context, task Task) Outcome {
	prompt, err := p.Prompts.Prompt(Planner)
	if err != nil {
		return Fail(task, err)
	}
	input := fmt.Sprintf("Current plan:\n%s\n\nNew request: %s", task.Plan.String(), task.Request)

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, prompt)}
	messages = append(messages, historyMessages(task.History)...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input))

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools([]llms.Tool{p.tool()}))
	if err != nil {
		return Fail(task, fmt.Errorf("planner: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Fail(task, ErrNoChoices)
	}
	choice := resp.Choices[0]

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != proposePlan {
			continue
		}
		var proposed proposedPlan
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &proposed); err != nil {
			return Fail(task, fmt.Errorf("failed to parse propose_plan arguments: %w", err))
		}
		muts := p.mutations(proposed)
		if len(muts) == 0 {
			return Fail(task, fmt.Errorf("planner proposed an empty plan"))
		}
		return Outcome{
			Status:    StatusContinue,
			Result:    fmt.Sprintf("Planned %d steps.", len(muts)),
			Mutations: muts,
		}
	}

	if answer := strings.TrimSpace(choice.Content); answer != "" {
		return Outcome{Status: StatusDone, Result: answer}
	}
	return Fail(task, ErrNoPlan)
}

func (p *PlannerAgent) mutations(proposed proposedPlan) []plan.Mutation {
	var muts []plan.Mutation
	for _, s := range proposed.Steps {
		desc := strings.TrimSpace(s.Description)
		if desc == "" {
			continue
		}
		owner := strings.ToLower(strings.TrimSpace(s.Owner))
		if !p.knownOwner(owner) {
			owner = ""
		}
		muts = append(muts, plan.AppendStep(desc, owner))
	}
	return muts
}

func (p *PlannerAgent) knownOwner(name string) bool {
	for _, o := range p.Owners {
		if o == name {
			return true
		}
	}
	return false
}
