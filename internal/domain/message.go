package domain

import "time"

// Role identifies the author of a persisted conversation turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// MessageType classifies how a turn was produced.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
)

// PendingMessage is an inbound message waiting in the aggregation buffer.
// It is never mutated once created.
type PendingMessage struct {
	MessageID         string            `json:"message_id"`
	Text              string            `json:"text"`
	WorkspaceID       string            `json:"workspace_id"`
	ContextID         string            `json:"context_id"`
	FromAudio         bool              `json:"from_audio"`
	FromInteractionID string            `json:"from_interaction_id,omitempty"`
	BotID             string            `json:"bot_id,omitempty"`
	AgentID           string            `json:"agent_id,omitempty"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	// Aggregated is set on the merged message when a batch held more than one.
	Aggregated bool `json:"aggregated,omitempty"`
}

// ContextMessage is one persisted conversation turn. Turns are immutable.
type ContextMessage struct {
	ID               string      `json:"id"`
	ContextID        string      `json:"context_id"`
	WorkspaceID      string      `json:"workspace_id"`
	AgentID          string      `json:"agent_id,omitempty"`
	Role             Role        `json:"role"`
	Content          string      `json:"content"`
	NextStep         string      `json:"next_step,omitempty"`
	CompletionTokens int64       `json:"completion_tokens"`
	PromptTokens     int64       `json:"prompt_tokens"`
	IsFallback       bool        `json:"is_fallback"`
	IsAggregated     bool        `json:"is_aggregated"`
	ModelName        string      `json:"model_name,omitempty"`
	Type             MessageType `json:"type"`
	CreatedAt        time.Time   `json:"created_at"`
}

// FallbackQuestion records a question the system could not answer from context.
type FallbackQuestion struct {
	ID                string    `json:"id"`
	WorkspaceID       string    `json:"workspace_id"`
	AgentID           string    `json:"agent_id"`
	ContextID         string    `json:"context_id"`
	Question          string    `json:"question"`
	RewrittenQuestion string    `json:"rewritten_question"`
	Context           string    `json:"context"`
	TrainingIDs       []string  `json:"training_ids"`
	ErrorCode         ErrorCode `json:"error_code"`
	CreatedAt         time.Time `json:"created_at"`
}
