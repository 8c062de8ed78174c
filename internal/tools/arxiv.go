package tools

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const arxivAPIBase = "https://export.arxiv.org/api/query"

// ArxivPaper is one entry of an arXiv Atom feed.
type ArxivPaper struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Published time.Time `json:"published"`
	PDFURL    string    `json:"pdf_url"`
}

type atomFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Links     []struct {
			Href  string `xml:"href,attr"`
			Title string `xml:"title,attr"`
			Type  string `xml:"type,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// arxivClient talks to the arXiv export API. Shared by the search and
// details tools.
type arxivClient struct {
	BaseURL string
	client  *http.Client
}

func newArxivClient() *arxivClient {
	return &arxivClient{BaseURL: arxivAPIBase, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *arxivClient) query(ctx context.Context, params url.Values) ([]ArxivPaper, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv request failed: status code %d", resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode arxiv feed: %w", err)
	}

	papers := make([]ArxivPaper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		p := ArxivPaper{
			ID:      arxivID(e.ID),
			Title:   collapseSpace(e.Title),
			Summary: collapseSpace(e.Summary),
		}
		p.Published, _ = time.Parse(time.RFC3339, e.Published)
		for _, l := range e.Links {
			if l.Title == "pdf" || l.Type == "application/pdf" {
				p.PDFURL = l.Href
			}
		}
		if p.PDFURL == "" && p.ID != "" {
			p.PDFURL = "https://arxiv.org/pdf/" + p.ID
		}
		papers = append(papers, p)
	}
	return papers, nil
}

// arxivID extracts the paper id from an abs or pdf link.
func arxivID(link string) string {
	link = strings.TrimSpace(link)
	link = strings.TrimSuffix(link, "/")
	if i := strings.LastIndex(link, "/abs/"); i >= 0 {
		return strings.TrimSuffix(link[i+len("/abs/"):], ".pdf")
	}
	if i := strings.LastIndex(link, "/pdf/"); i >= 0 {
		return strings.TrimSuffix(link[i+len("/pdf/"):], ".pdf")
	}
	if i := strings.LastIndex(link, "/"); i >= 0 {
		link = link[i+1:]
	}
	return strings.TrimSuffix(link, ".pdf")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type ArxivSearchTool struct {
	api        *arxivClient
	MaxResults int
}

func NewArxivSearchTool() *ArxivSearchTool {
	return &ArxivSearchTool{api: newArxivClient(), MaxResults: 5}
}

func (a *ArxivSearchTool) Name() string {
	return "arxiv_search"
}

func (a *ArxivSearchTool) Description() string {
	return "Search arXiv for research papers related to the query."
}

func (a *ArxivSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Search terms, e.g. 'multi-agent planning'",
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

func (a *ArxivSearchTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}

	params := url.Values{}
	params.Set("search_query", "all:"+args.Query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(a.MaxResults))
	params.Set("sortBy", "relevance")

	papers, err := a.api.query(ctx, params)
	if err != nil {
		return Output{}, err
	}
	if len(papers) == 0 {
		return Output{Content: "No results found on Arxiv."}, nil
	}

	lines := make([]string, 0, len(papers))
	for _, p := range papers {
		lines = append(lines, fmt.Sprintf("- [Arxiv] %s (Published: %d): %s", p.Title, p.Published.Year(), p.PDFURL))
	}
	return Output{Content: strings.Join(lines, "\n"), Data: papers}, nil
}

type ArxivDetailsTool struct {
	api *arxivClient
}

func NewArxivDetailsTool() *ArxivDetailsTool {
	return &ArxivDetailsTool{api: newArxivClient()}
}

func (a *ArxivDetailsTool) Name() string {
	return "arxiv_details"
}

func (a *ArxivDetailsTool) Description() string {
	return "Fetch the title and abstract of an arXiv paper given its abs or PDF URL."
}

func (a *ArxivDetailsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The paper's arXiv URL, e.g. https://arxiv.org/pdf/2410.09151v2",
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}

func (a *ArxivDetailsTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Output{}, err
	}
	id := arxivID(args.URL)
	if id == "" {
		return Output{}, InvalidInput("no arxiv id in %q", args.URL)
	}

	params := url.Values{}
	params.Set("id_list", id)
	papers, err := a.api.query(ctx, params)
	if err != nil {
		return Output{}, err
	}
	if len(papers) == 0 || papers[0].Title == "" {
		return Output{Content: "Paper not found."}, nil
	}
	p := papers[0]
	return Output{Content: fmt.Sprintf("Title: %s\n\nAbstract: %s", p.Title, p.Summary), Data: p}, nil
}
