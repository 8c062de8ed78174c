package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

type ScraperTool struct {
	UserAgent string
	MaxChars  int
	client    *http.Client
	policy    *bluemonday.Policy
}

func NewScraperTool(maxChars int) *ScraperTool {
	if maxChars <= 0 {
		maxChars = 50000
	}
	return &ScraperTool{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		MaxChars:  maxChars,
		client:    &http.Client{Timeout: 30 * time.Second},
		policy:    bluemonday.StrictPolicy(),
	}
}

func (s *ScraperTool) Name() string {
	return "read_url"
}

func (s *ScraperTool) Description() string {
	return "Fetch a webpage URL and extract the main content as clean, sanitized text. arXiv links are read as full papers."
}

func (s *ScraperTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"pattern":     "^https?://",
				"description": "The full URL of the webpage to read (e.g., https://example.com/article)",
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}

// rewriteArxiv points arXiv abs and pdf links at the ar5iv HTML rendering.
func rewriteArxiv(u *url.URL) (*url.URL, bool) {
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host != "arxiv.org" && host != "export.arxiv.org" {
		return u, false
	}
	id := arxivID(u.String())
	if id == "" {
		return u, false
	}
	return &url.URL{Scheme: "https", Host: "ar5iv.org", Path: "/abs/" + id}, true
}

func (s *ScraperTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	parsedURL, err := url.Parse(args.URL)
	if err != nil || parsedURL.Host == "" {
		return Output{}, InvalidInput("failed to parse URL %q", args.URL)
	}
	target, viaAr5iv := rewriteArxiv(parsedURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Output{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, target)
	if err != nil {
		return Output{}, fmt.Errorf("failed to parse article: %w", err)
	}

	// Sanitize output (remove any remaining HTML tags or scripts)
	sanitized := s.policy.Sanitize(article.TextContent)

	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", article.Title)
	if viaAr5iv {
		b.WriteString("SOURCE: full paper via ar5iv\n")
	}
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", article.Excerpt)
	}
	b.WriteString("\n-- CONTENT --\n")

	content := strings.TrimSpace(sanitized)
	if len(content) > s.MaxChars {
		content = content[:s.MaxChars] + "\n... (content truncated) ..."
	}
	b.WriteString(content)

	return Output{
		Content: b.String(),
		Data:    map[string]string{"url": target.String(), "title": article.Title},
	}, nil
}
