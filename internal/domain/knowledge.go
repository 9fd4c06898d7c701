package domain

import "time"

// KnowledgeSnippet is a stored piece of workspace knowledge with its embedding.
type KnowledgeSnippet struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Identifier  string    `json:"identifier"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScoredSnippet is a similarity search hit.
type ScoredSnippet struct {
	ID         string  `json:"id"`
	Identifier string  `json:"identifier"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}
