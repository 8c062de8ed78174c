package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rahul/vibe/internal/artifact"
)

// SavePDFTool renders a report to PDF through the headless browser renderer.
type SavePDFTool struct {
	Renderer artifact.Renderer
}

func NewSavePDFTool(r artifact.Renderer) *SavePDFTool {
	return &SavePDFTool{Renderer: r}
}

func (b *SavePDFTool) Name() string {
	return "save_as_pdf"
}

func (b *SavePDFTool) Description() string {
	return "Save markdown or plain text content as a PDF file in the output directory."
}

func (b *SavePDFTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filename": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The name of the PDF, e.g. report.pdf",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Optional document title",
			},
			"content": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The report body, markdown allowed",
			},
		},
		"required":             []string{"filename", "content"},
		"additionalProperties": false,
	}
}

func (b *SavePDFTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Filename string `json:"filename"`
		Title    string `json:"title"`
		Content  string `json:"content"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	art, err := b.Renderer.Render(ctx, artifact.Request{
		Name:    strings.TrimSuffix(args.Filename, ".pdf"),
		Title:   args.Title,
		Content: args.Content,
		Format:  artifact.FormatPDF,
	})
	if err != nil {
		return Output{}, fmt.Errorf("failed to generate pdf: %w", err)
	}
	return Output{
		Content:  fmt.Sprintf("PDF saved successfully to %s", art.Location),
		Artifact: &art,
	}, nil
}
