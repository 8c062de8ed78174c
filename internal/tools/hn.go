package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const hnAPIBase = "https://hn.algolia.com/api/v1"

// HNStory is one Hacker News search hit.
type HNStory struct {
	ID     string `json:"objectID"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Points int    `json:"points"`
}

// HNSearchTool queries the Hacker News Algolia API for stories.
type HNSearchTool struct {
	BaseURL string
	Hits    int
	client  *http.Client
}

func NewHNSearchTool() *HNSearchTool {
	return &HNSearchTool{
		BaseURL: hnAPIBase,
		Hits:    5,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HNSearchTool) Name() string {
	return "hn_search"
}

func (h *HNSearchTool) Description() string {
	return "Search Hacker News for stories related to the query."
}

func (h *HNSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Keywords to search stories for",
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

func (h *HNSearchTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	q := url.Values{}
	q.Set("query", args.Query)
	q.Set("tags", "story")
	q.Set("hitsPerPage", strconv.Itoa(h.Hits))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return Output{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("hacker news request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("hacker news request failed: status code %d", resp.StatusCode)
	}

	var body struct {
		Hits []HNStory `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Output{}, fmt.Errorf("decode hacker news response: %w", err)
	}
	if len(body.Hits) == 0 {
		return Output{Content: "No results found on Hacker News."}, nil
	}

	lines := make([]string, 0, len(body.Hits))
	for _, s := range body.Hits {
		title, link := s.Title, s.URL
		if title == "" {
			title = "No Title"
		}
		if link == "" {
			link = "https://news.ycombinator.com/item?id=" + s.ID
		}
		lines = append(lines, fmt.Sprintf("- [HN] [%s] %s (%d pts): %s", s.ID, title, s.Points, link))
	}
	return Output{Content: strings.Join(lines, "\n"), Data: body.Hits}, nil
}
