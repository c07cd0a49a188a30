// Package knowledge is the optional per-tenant context store: documents
// embedded once at load and retrieved by similarity at generation time.
// Retrieval failures are advisory; the pipeline proceeds without context.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clara-labs/clara/pkg/llm"
	"github.com/clara-labs/clara/pkg/semcache"
)

// ErrUnavailable wraps any retrieval failure so callers can treat the whole
// subsystem as degraded rather than branching on causes.
var ErrUnavailable = errors.New("knowledge store unavailable")

// Document is one unit of tenant context.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Result is a retrieved document with its similarity to the query.
type Result struct {
	Document  Document
	Relevance float64
}

// Query bounds a retrieval.
type Query struct {
	Text string

	// MaxResults caps the returned documents; zero means 5.
	MaxResults int

	// MinRelevance drops results below this cosine similarity.
	MinRelevance float64

	// Metadata, when non-empty, keeps only documents matching every
	// key-value pair.
	Metadata map[string]string
}

type stored struct {
	doc       Document
	embedding []float32
}

// Store holds documents grouped by handle (one handle per tenant knowledge
// base). Safe for concurrent use.
type Store struct {
	embedder llm.Embedder
	logger   *slog.Logger

	mu      sync.RWMutex
	handles map[string][]stored
}

// NewStore creates an empty store backed by the given embedder.
func NewStore(embedder llm.Embedder) *Store {
	return &Store{
		embedder: embedder,
		logger:   slog.With("component", "knowledge"),
		handles:  make(map[string][]stored),
	}
}

// Add embeds and stores a document under the handle. A missing ID gets a
// generated one; the assigned ID is returned.
func (s *Store) Add(ctx context.Context, handle string, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	embedding, err := s.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return "", fmt.Errorf("failed to embed document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle] = append(s.handles[handle], stored{doc: doc, embedding: embedding})
	return doc.ID, nil
}

// Search returns the query's nearest documents under the handle, relevance
// descending. An unknown handle yields no results, not an error; embedding
// failures surface as ErrUnavailable.
func (s *Store) Search(ctx context.Context, handle string, q Query) ([]Result, error) {
	s.mu.RLock()
	docs := s.handles[handle]
	s.mu.RUnlock()
	if len(docs) == 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	max := q.MaxResults
	if max <= 0 {
		max = 5
	}

	var results []Result
	for _, d := range docs {
		if !matchesMetadata(d.doc.Metadata, q.Metadata) {
			continue
		}
		rel := semcache.CosineSimilarity(queryVec, d.embedding)
		if rel < q.MinRelevance {
			continue
		}
		results = append(results, Result{Document: d.doc, Relevance: rel})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	if len(results) > max {
		results = results[:max]
	}
	return results, nil
}

// Count returns how many documents the handle holds.
func (s *Store) Count(handle string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles[handle])
}

func matchesMetadata(doc, want map[string]string) bool {
	for k, v := range want {
		if doc[k] != v {
			return false
		}
	}
	return true
}
