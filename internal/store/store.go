// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/chatflow/internal/domain"
)

// ErrNotFound is returned by write paths that target a missing record.
var ErrNotFound = errors.New("record not found")

// Repository is the system of record for agents, turns, intents and knowledge.
// Lookups return (nil, nil) when a record does not exist.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetAgent retrieves an agent by id.
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)

	// ListDefaultAgents returns active default agents of a type in a workspace.
	ListDefaultAgents(ctx context.Context, workspaceID string, agentType domain.AgentType) ([]*domain.Agent, error)

	// UpsertAgent creates or updates an agent. Marking an agent default clears
	// the flag on every other agent sharing its (workspace, type, bot) tuple.
	UpsertAgent(ctx context.Context, agent *domain.Agent) error

	// ListAgentSkills returns the skills bound to an agent.
	ListAgentSkills(ctx context.Context, agentID string) ([]*domain.AgentSkill, error)

	// UpsertAgentSkill binds a skill to an agent.
	UpsertAgentSkill(ctx context.Context, skill *domain.AgentSkill) error

	// ListIntents returns an agent's non-deleted intents with their actions.
	ListIntents(ctx context.Context, agentID string) ([]*domain.Intent, error)

	// GetIntent retrieves an intent by id, including tombstoned ones.
	GetIntent(ctx context.Context, intentID string) (*domain.Intent, error)

	// UpsertIntent creates or updates an intent and replaces its actions.
	UpsertIntent(ctx context.Context, intent *domain.Intent) error

	// SoftDeleteIntent tombstones an intent.
	SoftDeleteIntent(ctx context.Context, intentID string) error

	// CreateMessage persists a conversation turn.
	CreateMessage(ctx context.Context, msg *domain.ContextMessage) error

	// ListRecentMessages returns up to limit most recent turns, oldest first.
	ListRecentMessages(ctx context.Context, contextID string, limit int) ([]*domain.ContextMessage, error)

	// CreateFallbackQuestion records an unanswered question for curation.
	CreateFallbackQuestion(ctx context.Context, q *domain.FallbackQuestion) error

	// ListFallbackQuestions returns the most recent fallback records of a workspace.
	ListFallbackQuestions(ctx context.Context, workspaceID string, limit int) ([]*domain.FallbackQuestion, error)

	// CreateIntentHistory appends an intent detection audit row.
	CreateIntentHistory(ctx context.Context, entry *domain.IntentHistoryEntry) error

	// ListIntentHistory returns the most recent detection attempts of a workspace.
	ListIntentHistory(ctx context.Context, workspaceID string, limit int) ([]*domain.IntentHistoryEntry, error)

	// GetFallbackMessages returns workspace overrides for fallback sentences.
	GetFallbackMessages(ctx context.Context, workspaceID string) (map[domain.ErrorCode]string, error)

	// SetFallbackMessage stores a workspace override for a fallback sentence.
	SetFallbackMessage(ctx context.Context, workspaceID string, code domain.ErrorCode, message string) error

	// UpsertKnowledge stores a knowledge snippet with its embedding.
	UpsertKnowledge(ctx context.Context, snippet *domain.KnowledgeSnippet) error

	// SearchKnowledge returns up to limit workspace snippets whose cosine
	// similarity to vector is at least minScore, best first.
	SearchKnowledge(ctx context.Context, workspaceID string, vector []float32, limit int, minScore float64) ([]domain.ScoredSnippet, error)
}
