package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/vibe/internal/artifact"
)

// SaveFileTool writes a report to the output directory as markdown or text.
type SaveFileTool struct {
	Renderer artifact.Renderer
}

func NewSaveFileTool(r artifact.Renderer) *SaveFileTool {
	return &SaveFileTool{Renderer: r}
}

func (f *SaveFileTool) Name() string {
	return "save_file"
}

func (f *SaveFileTool) Description() string {
	return "Save content to a file in the output directory. Use markdown for reports."
}

func (f *SaveFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filename": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The name of the file, e.g. report.md",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write",
			},
			"format": map[string]any{
				"type":        "string",
				"enum":        []string{"markdown", "text"},
				"description": "Output format, markdown by default",
			},
		},
		"required":             []string{"filename", "content"},
		"additionalProperties": false,
	}
}

func (f *SaveFileTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
		Format   string `json:"format"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	format := artifact.FormatMarkdown
	if args.Format == string(artifact.FormatText) {
		format = artifact.FormatText
	}
	art, err := f.Renderer.Render(ctx, artifact.Request{Name: args.Filename, Content: args.Content, Format: format})
	if err != nil {
		return Output{}, fmt.Errorf("failed to save file: %w", err)
	}
	return Output{
		Content:  fmt.Sprintf("File saved successfully to %s", art.Location),
		Artifact: &art,
	}, nil
}
