package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/llm"
)

// KnowledgeSearcher is the similarity search half of the repository.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, workspaceID string, vector []float32, limit int, minScore float64) ([]domain.ScoredSnippet, error)
}

// Retrieval is the outcome of a knowledge lookup.
type Retrieval struct {
	Snippets []domain.ScoredSnippet
	// NoContext is set when a RAG_ONLY agent found nothing to answer from.
	NoContext bool
}

// IDs returns the snippet ids.
func (r Retrieval) IDs() []string {
	ids := make([]string, len(r.Snippets))
	for i, s := range r.Snippets {
		ids[i] = s.ID
	}
	return ids
}

// Text joins snippet contents for fallback records.
func (r Retrieval) Text() string {
	parts := make([]string, len(r.Snippets))
	for i, s := range r.Snippets {
		parts[i] = s.Content
	}
	return strings.Join(parts, "\n---\n")
}

// Retriever embeds a question and searches workspace knowledge.
type Retriever struct {
	embedder llm.Embedder
	search   KnowledgeSearcher
	limit    int
	minScore float64
}

// NewRetriever creates a retriever. A nil embedder disables retrieval.
func NewRetriever(embedder llm.Embedder, search KnowledgeSearcher, limit int, minScore float64) *Retriever {
	return &Retriever{embedder: embedder, search: search, limit: limit, minScore: minScore}
}

// Retrieve looks up context for question on behalf of a.
func (r *Retriever) Retrieve(ctx context.Context, a *domain.Agent, question string) (Retrieval, error) {
	var res Retrieval
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, question)
		if err != nil {
			return Retrieval{NoContext: a.RAGOnly()}, fmt.Errorf("embed question: %w", err)
		}
		res.Snippets, err = r.search.SearchKnowledge(ctx, a.WorkspaceID, vec, r.limit, r.minScore)
		if err != nil {
			return Retrieval{NoContext: a.RAGOnly()}, fmt.Errorf("search knowledge: %w", err)
		}
	}
	res.NoContext = a.RAGOnly() && len(res.Snippets) == 0
	return res, nil
}
