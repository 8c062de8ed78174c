package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileRenderer writes markdown or plain text reports into Root.
type FileRenderer struct {
	Root string
}

func NewFileRenderer(root string) (*FileRenderer, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileRenderer{Root: absRoot}, nil
}

func (f *FileRenderer) Render(ctx context.Context, req Request) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	var ext string
	switch req.Format {
	case FormatMarkdown, "":
		req.Format, ext = FormatMarkdown, ".md"
	case FormatText:
		ext = ".txt"
	default:
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	targetPath, err := resolve(f.Root, cleanName(req.Name, ext))
	if err != nil {
		return Artifact{}, err
	}

	body := req.Content
	if req.Title != "" && req.Format == FormatMarkdown {
		body = "# " + req.Title + "\n\n" + body
	}
	if err := os.WriteFile(targetPath, []byte(body), 0644); err != nil {
		return Artifact{}, fmt.Errorf("failed to write file: %w", err)
	}
	return Artifact{Location: targetPath, Format: req.Format, Bytes: int64(len(body))}, nil
}
