// Package tools exposes an agent's skills and intents behind one Tool type.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/chatflow/internal/domain"
)

// Kind tags which variant a Tool holds.
type Kind string

const (
	KindSkill  Kind = "skill"
	KindIntent Kind = "intent"
)

var errUnknownAction = errors.New("unknown intent action")

// Invocation is the input to Tool.Execute.
type Invocation struct {
	WorkspaceID string
	ContextID   string
	Text        string
	Parameters  map[string]string
}

// Outcome is the effect of executing a tool. When Completed is false the
// caller stores NextStep and acts on it in a later turn.
type Outcome struct {
	Completed bool   `json:"completed"`
	NextStep  string `json:"next_step,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Skill is a code-bound capability that an agent enables by name.
type Skill interface {
	Name() string
	Execute(ctx context.Context, binding *domain.AgentSkill, in Invocation) (Outcome, error)
}

// PromptContributor is implemented by skills that add instructions to the prompt.
type PromptContributor interface {
	GeneratePrompt(binding *domain.AgentSkill) string
}

// Tool is either a skill bound to an agent or an intent.
type Tool struct {
	Kind    Kind
	skill   Skill
	binding *domain.AgentSkill
	intent  *domain.Intent
}

// SkillTool wraps a bound skill.
func SkillTool(s Skill, binding *domain.AgentSkill) Tool {
	return Tool{Kind: KindSkill, skill: s, binding: binding}
}

// IntentTool wraps an intent.
func IntentTool(in *domain.Intent) Tool {
	return Tool{Kind: KindIntent, intent: in}
}

// ID returns the skill binding id or the intent id.
func (t Tool) ID() string {
	if t.Kind == KindIntent {
		return t.intent.ID
	}
	return t.binding.ID
}

// Name returns the tool name.
func (t Tool) Name() string {
	if t.Kind == KindIntent {
		return t.intent.Name
	}
	return t.binding.SkillName
}

// Type returns the variant tag.
func (t Tool) Type() Kind { return t.Kind }

// Description returns the tool description.
func (t Tool) Description() string {
	if t.Kind == KindIntent {
		return t.intent.Description
	}
	return t.binding.Description
}

// Examples returns sample user utterances.
func (t Tool) Examples() []string {
	if t.Kind == KindIntent {
		return t.intent.Examples
	}
	return t.binding.Examples
}

// Intent returns the wrapped intent, or nil for skills.
func (t Tool) Intent() *domain.Intent { return t.intent }

// Execute runs the tool.
func (t Tool) Execute(ctx context.Context, in Invocation) (Outcome, error) {
	if t.Kind == KindSkill {
		return t.skill.Execute(ctx, t.binding, in)
	}
	return executeIntent(t.intent)
}

// GeneratePrompt returns the tool's prompt contribution, if any.
func (t Tool) GeneratePrompt() (string, bool) {
	if t.Kind != KindSkill {
		return "", false
	}
	pc, ok := t.skill.(PromptContributor)
	if !ok {
		return "", false
	}
	p := pc.GeneratePrompt(t.binding)
	return p, p != ""
}

func executeIntent(in *domain.Intent) (Outcome, error) {
	if in.Immediate() {
		for _, a := range in.Actions {
			if a.Type == domain.ActionTreeImmediately {
				return Outcome{Completed: true, NextStep: a.TargetValue}, nil
			}
		}
	}
	if len(in.Actions) == 0 {
		return Outcome{Completed: true}, nil
	}
	a := in.Actions[0]
	switch a.Type {
	case domain.ActionTree:
		return Outcome{NextStep: a.TargetValue}, nil
	case domain.ActionMessage:
		return Outcome{Completed: true, Message: a.TargetValue}, nil
	case domain.ActionHandoff:
		return Outcome{NextStep: HandoffStep + ":" + a.TargetValue}, nil
	default:
		return Outcome{}, fmt.Errorf("%w %q on intent %s", errUnknownAction, a.Type, in.ID)
	}
}
