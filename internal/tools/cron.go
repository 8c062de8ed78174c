package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type CronStore interface {
	AddTask(ctx context.Context, sessionID, description string, intervalSeconds int) error
	ClearTasks(ctx context.Context, sessionID string) error
}

// CronTool lets a session schedule a research request to run periodically.
type CronTool struct {
	Store CronStore
}

func NewCronTool(store CronStore) *CronTool {
	return &CronTool{Store: store}
}

func (c *CronTool) Name() string {
	return "schedule_research"
}

func (c *CronTool) Description() string {
	return "Manage recurring research: 'schedule' a request to run periodically or 'clear' all scheduled requests."
}

func (c *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"schedule", "clear"},
				"description": "The action to perform: 'schedule' a new task or 'clear' all ones.",
			},
			"task_description": map[string]any{
				"type":        "string",
				"description": "The research request to run (only for 'schedule' action)",
			},
			"interval_seconds": map[string]any{
				"type":        "integer",
				"minimum":     60,
				"description": "The interval in seconds (minimum 60s, only for 'schedule' action)",
			},
		},
		"required": []string{"action"},
	}
}

func (c *CronTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Action   string `json:"action"`
		Desc     string `json:"task_description"`
		Interval int    `json:"interval_seconds"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	sessionID, _ := CallerFromContext(ctx)
	if sessionID == "" {
		return Output{}, fmt.Errorf("missing session in context")
	}

	switch args.Action {
	case "clear":
		if err := c.Store.ClearTasks(ctx, sessionID); err != nil {
			return Output{}, fmt.Errorf("failed to clear tasks: %w", err)
		}
		return Output{Content: "Successfully cleared all your scheduled tasks."}, nil

	default:
		if strings.TrimSpace(args.Desc) == "" {
			return Output{}, InvalidInput("task_description is required to schedule")
		}
		if args.Interval < 60 {
			return Output{}, InvalidInput("minimum interval is 60 seconds")
		}
		if err := c.Store.AddTask(ctx, sessionID, args.Desc, args.Interval); err != nil {
			return Output{}, fmt.Errorf("failed to schedule task: %w", err)
		}
		return Output{Content: fmt.Sprintf("Successfully scheduled task: '%s' every %d seconds.", args.Desc, args.Interval)}, nil
	}
}
