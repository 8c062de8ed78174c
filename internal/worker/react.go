package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
)

var ErrNoChoices = errors.New("worker: model returned no choices")

// DefaultMaxSteps bounds the reason/act cycles of one worker invocation.
const DefaultMaxSteps = 10

// Agent is an LLM-backed worker running a ReAct loop over a fixed tool set.
// Researcher, analyst, writer, librarian and chat are all Agents that differ
// in prompt and tools.
type Agent struct {
	WorkerName string
	Model      llms.Model
	Prompts    *PromptManager
	ToolNames  []string
	MaxSteps   int
}

func (a *Agent) Name() string { return a.WorkerName }

func (a *Agent) Run(ctx context.Context, task Task) Outcome {
	systemPrompt, err := a.Prompts.Prompt(a.WorkerName)
	if err != nil {
		return Fail(task, err)
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt)}
	messages = append(messages, historyMessages(task.History)...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, taskInput(task)))

	answer, err := a.think(ctx, task, messages)
	if err != nil {
		return Fail(task, fmt.Errorf("%s: %w", a.WorkerName, err))
	}
	return Complete(task, answer)
}

func (a *Agent) think(ctx context.Context, task Task, messages []llms.MessageContent) (string, error) {
	var opts []llms.CallOption
	if defs := task.Tools.Definitions(a.ToolNames...); len(defs) > 0 {
		opts = append(opts, llms.WithTools(defs))
	}

	maxSteps := a.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	for i := 0; i < maxSteps; i++ {
		resp, err := a.Model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", ErrNoChoices
		}
		choice := resp.Choices[0]

		var assistantParts []llms.ContentPart
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: assistantParts})

		if len(choice.ToolCalls) == 0 {
			return choice.Content, nil
		}

		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			var result string
			if task.Tools == nil {
				result = fmt.Sprintf("Error: tool %s is not available", tc.FunctionCall.Name)
			} else {
				res := task.Tools.Call(ctx, tc.FunctionCall.Name, []byte(tc.FunctionCall.Arguments))
				if res.OK() {
					result = res.Output.Content
				} else {
					result = "Error: " + res.Err.Error()
				}
			}
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       tc.FunctionCall.Name,
						Content:    result,
					},
				},
			})
		}
	}
	return "I reached the maximum number of reasoning steps for this task and stopped.", nil
}

// taskInput is the human message a worker receives: its step, the overall
// request and what earlier steps produced.
func taskInput(task Task) string {
	var b strings.Builder
	if task.HasStep() {
		fmt.Fprintf(&b, "TASK (step %d): %s\n\n", task.Step.ID, task.Step.Description)
		fmt.Fprintf(&b, "CONTEXT: This is a sub-task of the overall request: %s\n\n", task.Request)
	} else {
		fmt.Fprintf(&b, "REQUEST: %s\n\n", task.Request)
	}
	if len(task.Plan.Steps) > 0 {
		fmt.Fprintf(&b, "PLAN:\n%s\n\n", task.Plan.String())
	}
	var prior []string
	for _, s := range task.Plan.Steps {
		if s.Status == plan.StatusDone && s.Result != "" {
			prior = append(prior, fmt.Sprintf("Step %d (%s):\n%s", s.ID, s.Owner, s.Result))
		}
	}
	if len(prior) > 0 {
		fmt.Fprintf(&b, "RESULTS OF EARLIER STEPS:\n%s\n", strings.Join(prior, "\n\n"))
	}
	return strings.TrimSpace(b.String())
}

func historyMessages(turns []store.Turn) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case store.RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, t.Content))
		case store.RoleWorker:
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, fmt.Sprintf("[%s] %s", t.Worker, t.Content)))
		}
	}
	return out
}
