// Package domain contains core domain types for the chatflow service.
package domain

import "time"

// AgentMode controls whether an agent may answer without retrieved context.
type AgentMode string

const (
	// AgentModeFree lets the model answer from its own knowledge when no context matches.
	AgentModeFree AgentMode = "FREE"
	// AgentModeRAGOnly restricts answers to retrieved knowledge.
	AgentModeRAGOnly AgentMode = "RAG_ONLY"
)

// AgentType distinguishes the role an agent plays in a workspace.
type AgentType string

const (
	// AgentTypeConversational answers end-user questions.
	AgentTypeConversational AgentType = "CONVERSATIONAL"
	// AgentTypeIntentClassifier classifies text against an intent catalog.
	AgentTypeIntentClassifier AgentType = "INTENT_CLASSIFIER"
)

// Agent is a configured logical responder. It is read-only to the orchestration core.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt"`
	Personality string    `json:"personality"`
	WorkspaceID string    `json:"workspace_id"`
	BotID       string    `json:"bot_id,omitempty"`
	Context     string    `json:"context,omitempty"`
	IsDefault   bool      `json:"is_default"`
	IsActive    bool      `json:"is_active"`
	Mode        AgentMode `json:"agent_mode"`
	ModelName   string    `json:"model_name"`
	Provider    string    `json:"provider,omitempty"`
	Type        AgentType `json:"agent_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RAGOnly reports whether the agent must refuse to answer without context.
func (a *Agent) RAGOnly() bool {
	return a.Mode == AgentModeRAGOnly
}

// AgentSkill binds a code-backed skill to an agent.
type AgentSkill struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	SkillName   string            `json:"skill_name"`
	Description string            `json:"description"`
	Examples    []string          `json:"examples"`
	Config      map[string]string `json:"config,omitempty"`
}
