package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rahul/vibe/internal/artifact"
	"github.com/rahul/vibe/internal/knowledge"
	"github.com/rahul/vibe/internal/store"
)

func TestSaveFileReturnsArtifact(t *testing.T) {
	dir := t.TempDir()
	r, err := artifact.NewFileRenderer(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(nil, nil)
	if err := reg.Register(NewSaveFileTool(r)); err != nil {
		t.Fatal(err)
	}

	res := reg.Invoke(context.Background(), "save_file", json.RawMessage(`{"filename":"summary.md","content":"findings"}`))
	if !res.OK() {
		t.Fatalf("save_file: %v", res.Err)
	}
	art := res.Output.Artifact
	if art == nil || art.Format != artifact.FormatMarkdown {
		t.Fatalf("expected markdown artifact, got %+v", art)
	}
	if art.Location != filepath.Join(dir, "summary.md") {
		t.Errorf("unexpected location %s", art.Location)
	}
	data, err := os.ReadFile(art.Location)
	if err != nil || string(data) != "findings" {
		t.Fatalf("file content %q, %v", data, err)
	}

	res = reg.Invoke(context.Background(), "save_file", json.RawMessage(`{"filename":"x","content":"y","format":"pdf"}`))
	if res.OK() || res.Err.Kind != ErrorKindInvalidInput {
		t.Fatalf("format outside the enum should be invalid-input, got %+v", res)
	}
}

func TestCronToolSchedulesForCaller(t *testing.T) {
	st := store.NewMemoryStore()
	cron := NewCronTool(st)
	ctx := WithCaller(context.Background(), "s-42", "chat")

	out, err := cron.Execute(ctx, json.RawMessage(`{"action":"schedule","task_description":"weekly arxiv digest","interval_seconds":3600}`))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !strings.Contains(out.Content, "every 3600 seconds") {
		t.Errorf("unexpected output %q", out.Content)
	}

	tasks, err := st.ListTasks(context.Background(), "s-42")
	if err != nil || len(tasks) != 1 || tasks[0].Description != "weekly arxiv digest" {
		t.Fatalf("tasks = %+v, %v", tasks, err)
	}

	if _, err := cron.Execute(ctx, json.RawMessage(`{"action":"schedule","interval_seconds":120}`)); err == nil {
		t.Fatal("expected error for missing description")
	} else if te, ok := err.(*ToolError); !ok || te.Kind != ErrorKindInvalidInput {
		t.Fatalf("expected invalid-input, got %v", err)
	}

	if _, err := cron.Execute(ctx, json.RawMessage(`{"action":"clear"}`)); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if tasks, _ := st.ListTasks(context.Background(), "s-42"); len(tasks) != 0 {
		t.Fatalf("expected tasks cleared, got %d", len(tasks))
	}

	if _, err := cron.Execute(context.Background(), json.RawMessage(`{"action":"clear"}`)); err == nil {
		t.Fatal("expected error without a caller session")
	}
}

type stubKnowledge struct {
	docs     []knowledge.Document
	snippets []knowledge.Snippet
	lastK    int
}

func (s *stubKnowledge) Ingest(_ context.Context, doc knowledge.Document) (knowledge.Handle, error) {
	s.docs = append(s.docs, doc)
	return knowledge.Handle{ID: "doc-1", Chunks: 2}, nil
}

func (s *stubKnowledge) Query(_ context.Context, _ string, k int) ([]knowledge.Snippet, error) {
	s.lastK = k
	return s.snippets, nil
}

func TestKnowledgeTools(t *testing.T) {
	kb := &stubKnowledge{}
	reg := NewRegistry(nil, nil)
	for _, tool := range []Tool{NewIndexTool(kb), NewRAGTool(kb)} {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()

	res := reg.Invoke(ctx, "index_content", json.RawMessage(`{"content":"transformers scale","source":"https://example.com"}`))
	if !res.OK() || !strings.Contains(res.Output.Content, "doc-1, 2 chunks") {
		t.Fatalf("index_content: %+v", res)
	}
	if len(kb.docs) != 1 || kb.docs[0].Source != "https://example.com" {
		t.Fatalf("unexpected ingested docs %+v", kb.docs)
	}

	res = reg.Invoke(ctx, "search_knowledge", json.RawMessage(`{"query":"scaling"}`))
	if !res.OK() || res.Output.Content != "No relevant information found in the knowledge index." {
		t.Fatalf("empty search: %+v", res)
	}
	if kb.lastK != 3 {
		t.Errorf("default k = %d, want 3", kb.lastK)
	}

	kb.snippets = []knowledge.Snippet{
		{Content: "transformers scale", Score: 0.9, Metadata: map[string]any{"source": "https://example.com"}},
		{Content: "orphan", Score: 0.4},
	}
	res = reg.Invoke(ctx, "search_knowledge", json.RawMessage(`{"query":"scaling","k":2}`))
	if !res.OK() {
		t.Fatal(res.Err)
	}
	want := "Result 1 (score 0.900, source: https://example.com):\ntransformers scale\n\n" +
		"Result 2 (score 0.400, source: unknown):\norphan"
	if res.Output.Content != want {
		t.Errorf("got %q\nwant %q", res.Output.Content, want)
	}

	res = reg.Invoke(ctx, "search_knowledge", json.RawMessage(`{"query":"scaling","k":50}`))
	if res.OK() || res.Err.Kind != ErrorKindInvalidInput {
		t.Fatalf("k above maximum should be rejected, got %+v", res)
	}
}
