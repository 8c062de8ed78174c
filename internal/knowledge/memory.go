package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

var ErrNoEmbedder = errors.New("knowledge: no embedder configured")

type entry struct {
	id     string
	doc    schema.Document
	vector []float32
}

// MemoryVectorStore is an in-process vectorstores.VectorStore ranked by
// cosine similarity. Contents are lost on restart.
type MemoryVectorStore struct {
	embedder embeddings.Embedder

	mu      sync.RWMutex
	entries []entry
}

var _ vectorstores.VectorStore = (*MemoryVectorStore)(nil)

func NewMemoryVectorStore(embedder embeddings.Embedder) *MemoryVectorStore {
	return &MemoryVectorStore{embedder: embedder}
}

func (m *MemoryVectorStore) embedderFor(opts vectorstores.Options) (embeddings.Embedder, error) {
	if opts.Embedder != nil {
		return opts.Embedder, nil
	}
	if m.embedder == nil {
		return nil, ErrNoEmbedder
	}
	return m.embedder, nil
}

func parseOptions(options []vectorstores.Option) vectorstores.Options {
	var opts vectorstores.Options
	for _, o := range options {
		o(&opts)
	}
	return opts
}

func (m *MemoryVectorStore) AddDocuments(ctx context.Context, docs []schema.Document, options ...vectorstores.Option) ([]string, error) {
	embedder, err := m.embedderFor(parseOptions(options))
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	ids := make([]string, len(docs))
	added := make([]entry, len(docs))
	for i, d := range docs {
		ids[i] = uuid.NewString()
		added[i] = entry{id: ids[i], doc: d, vector: vectors[i]}
	}

	m.mu.Lock()
	m.entries = append(m.entries, added...)
	m.mu.Unlock()
	return ids, nil
}

func (m *MemoryVectorStore) SimilaritySearch(ctx context.Context, query string, numDocuments int, options ...vectorstores.Option) ([]schema.Document, error) {
	opts := parseOptions(options)
	embedder, err := m.embedderFor(opts)
	if err != nil {
		return nil, err
	}
	qv, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	m.mu.RLock()
	scored := make([]schema.Document, 0, len(m.entries))
	for _, e := range m.entries {
		score := cosineSimilarity(qv, e.vector)
		if opts.ScoreThreshold > 0 && score < opts.ScoreThreshold {
			continue
		}
		d := e.doc
		d.Score = score
		scored = append(scored, d)
	}
	m.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if numDocuments > 0 && len(scored) > numDocuments {
		scored = scored[:numDocuments]
	}
	return scored, nil
}

// Len reports the number of stored chunks.
func (m *MemoryVectorStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
