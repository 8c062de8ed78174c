package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// searcher is the slice of langchaingo's tool interface the web search needs.
type searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

type SearchTool struct {
	client searcher
}

func NewSearchTool(maxResults int) (*SearchTool, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{client: ddg}, nil
}

func (s *SearchTool) Name() string {
	return "web_search"
}

func (s *SearchTool) Description() string {
	return "Search the web using DuckDuckGo for real-time information."
}

func (s *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The search query to look up",
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

func (s *SearchTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	res, err := s.client.Call(ctx, strings.TrimSpace(args.Query))
	if err != nil {
		return Output{}, fmt.Errorf("search failed: %w", err)
	}
	return Output{Content: res}, nil
}
