// Package artifact renders worker output into files the user can download.
// Callers treat the returned Location as opaque.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatPDF      Format = "pdf"
)

var ErrUnsupportedFormat = errors.New("artifact: unsupported format")

// Request is the structured content handed to a renderer.
type Request struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Format  Format `json:"format"`
}

// Artifact describes a rendered file.
type Artifact struct {
	Location string `json:"location"`
	Format   Format `json:"format"`
	Bytes    int64  `json:"bytes"`
}

type Renderer interface {
	Render(ctx context.Context, req Request) (Artifact, error)
}

// Router sends each request to the renderer registered for its format.
type Router map[Format]Renderer

func (r Router) Render(ctx context.Context, req Request) (Artifact, error) {
	renderer, ok := r[req.Format]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}
	return renderer.Render(ctx, req)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// cleanName reduces name to a safe base filename with the given extension.
func cleanName(name, ext string) string {
	base := strings.TrimSuffix(filepath.Base(strings.TrimSpace(name)), filepath.Ext(name))
	base = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "report"
	}
	return base + ext
}

// resolve joins name onto root and rejects anything that escapes it.
func resolve(root, name string) (string, error) {
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path attempt: %s", name)
	}
	return target, nil
}
