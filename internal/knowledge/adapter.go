// Package knowledge ingests documents into a vector index and retrieves the
// snippets most relevant to a query.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"
)

var ErrEmptyDocument = errors.New("knowledge: document has no content")

// Document is a unit of ingestion.
type Document struct {
	Source   string
	Content  string
	Metadata map[string]any
}

// Handle identifies an ingested document and the chunks it was split into.
type Handle struct {
	ID     string `json:"id"`
	Chunks int    `json:"chunks"`
}

// Snippet is one query hit. Scores are comparable only within one query.
type Snippet struct {
	Content  string         `json:"content"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Adapter interface {
	Ingest(ctx context.Context, doc Document) (Handle, error)
	Query(ctx context.Context, text string, topK int) ([]Snippet, error)
}

// VectorAdapter chunks documents and stores them in a langchaingo vector store.
type VectorAdapter struct {
	store    vectorstores.VectorStore
	splitter textsplitter.TextSplitter
}

func NewVectorAdapter(store vectorstores.VectorStore, chunkSize, chunkOverlap int) *VectorAdapter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	return &VectorAdapter{
		store: store,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

func (a *VectorAdapter) Ingest(ctx context.Context, doc Document) (Handle, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return Handle{}, ErrEmptyDocument
	}
	chunks, err := a.splitter.SplitText(doc.Content)
	if err != nil {
		return Handle{}, fmt.Errorf("split document: %w", err)
	}

	id := uuid.NewString()
	docs := make([]schema.Document, 0, len(chunks))
	for i, chunk := range chunks {
		meta := map[string]any{"document_id": id, "chunk": i}
		if doc.Source != "" {
			meta["source"] = doc.Source
		}
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		docs = append(docs, schema.Document{PageContent: chunk, Metadata: meta})
	}

	if _, err := a.store.AddDocuments(ctx, docs); err != nil {
		return Handle{}, fmt.Errorf("index document: %w", err)
	}
	return Handle{ID: id, Chunks: len(docs)}, nil
}

func (a *VectorAdapter) Query(ctx context.Context, text string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		topK = 4
	}
	docs, err := a.store.SimilaritySearch(ctx, text, topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	out := make([]Snippet, 0, len(docs))
	for _, d := range docs {
		out = append(out, Snippet{Content: d.PageContent, Score: d.Score, Metadata: d.Metadata})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
