package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rahul/vibe/internal/knowledge"
)

// IndexTool memorizes content in the knowledge index for other workers.
type IndexTool struct {
	Knowledge knowledge.Adapter
}

func NewIndexTool(k knowledge.Adapter) *IndexTool {
	return &IndexTool{Knowledge: k}
}

func (r *IndexTool) Name() string {
	return "index_content"
}

func (r *IndexTool) Description() string {
	return "Add content to the knowledge index so it can be found by similarity search later."
}

func (r *IndexTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The text to index",
			},
			"source": map[string]any{
				"type":        "string",
				"description": "Where the content came from, e.g. a URL",
			},
			"metadata": map[string]any{
				"type":        "object",
				"description": "Extra attributes stored with the content",
			},
		},
		"required":             []string{"content"},
		"additionalProperties": false,
	}
}

func (r *IndexTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Content  string         `json:"content"`
		Source   string         `json:"source"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	h, err := r.Knowledge.Ingest(ctx, knowledge.Document{Source: args.Source, Content: args.Content, Metadata: args.Metadata})
	if err != nil {
		return Output{}, fmt.Errorf("error indexing content: %w", err)
	}
	return Output{
		Content: fmt.Sprintf("Successfully indexed content into the knowledge index (ID: %s, %d chunks)", h.ID, h.Chunks),
		Data:    h,
	}, nil
}

// RAGTool retrieves the snippets most similar to a query.
type RAGTool struct {
	Knowledge knowledge.Adapter
}

func NewRAGTool(k knowledge.Adapter) *RAGTool {
	return &RAGTool{Knowledge: k}
}

func (r *RAGTool) Name() string {
	return "search_knowledge"
}

func (r *RAGTool) Description() string {
	return "Search and retrieve information from uploaded and indexed documents."
}

func (r *RAGTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The natural language query to search for",
			},
			"k": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     20,
				"description": "How many snippets to return (default 3)",
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

func (r *RAGTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}
	if args.K == 0 {
		args.K = 3
	}

	snippets, err := r.Knowledge.Query(ctx, args.Query, args.K)
	if err != nil {
		return Output{}, fmt.Errorf("error searching knowledge index: %w", err)
	}
	if len(snippets) == 0 {
		return Output{Content: "No relevant information found in the knowledge index."}, nil
	}

	parts := make([]string, 0, len(snippets))
	for i, s := range snippets {
		source, _ := s.Metadata["source"].(string)
		if source == "" {
			source = "unknown"
		}
		parts = append(parts, fmt.Sprintf("Result %d (score %.3f, source: %s):\n%s", i+1, s.Score, source, s.Content))
	}
	return Output{Content: strings.Join(parts, "\n\n"), Data: snippets}, nil
}
