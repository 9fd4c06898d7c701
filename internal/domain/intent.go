package domain

import "time"

// ActionType describes what happens when an intent is detected.
type ActionType string

const (
	// ActionTree queues a decision-tree jump for the caller as the next step.
	ActionTree ActionType = "TREE"
	// ActionTreeImmediately jumps to the tree without waiting for another turn.
	ActionTreeImmediately ActionType = "TREE_IMMEDIATELY"
	// ActionMessage replies with a fixed message.
	ActionMessage ActionType = "MESSAGE"
	// ActionHandoff routes the conversation to a human.
	ActionHandoff ActionType = "HANDOFF"
)

// Intent is a named classification target. Intents are tombstoned, never removed.
type Intent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Examples    []string       `json:"examples"`
	AgentID     string         `json:"agent_id"`
	WorkspaceID string         `json:"workspace_id"`
	Actions     []IntentAction `json:"actions"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Deleted reports whether the intent has been tombstoned.
func (i *Intent) Deleted() bool {
	return i.DeletedAt != nil
}

// Immediate reports whether any action completes without deferring to a next step.
func (i *Intent) Immediate() bool {
	for _, a := range i.Actions {
		if a.Type == ActionTreeImmediately {
			return true
		}
	}
	return false
}

// IntentAction is an effect bound to an intent.
type IntentAction struct {
	ID          string     `json:"id"`
	IntentID    string     `json:"intent_id"`
	Type        ActionType `json:"action_type"`
	TargetValue string     `json:"target_value"`
}

// IntentHistoryEntry is the write-once audit row for one classification attempt.
type IntentHistoryEntry struct {
	ID               string         `json:"id"`
	WorkspaceID      string         `json:"workspace_id"`
	AgentID          string         `json:"agent_id"`
	ContextID        string         `json:"context_id,omitempty"`
	Text             string         `json:"text"`
	IntentID         *string        `json:"intent_id"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	Actions          []IntentAction `json:"actions"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
