package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashureev/chatflow/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Lookup is the subset of the repository the registry reads.
type Lookup interface {
	ListAgentSkills(ctx context.Context, agentID string) ([]*domain.AgentSkill, error)
	ListIntents(ctx context.Context, agentID string) ([]*domain.Intent, error)
}

// Registry assembles an agent's tools from code-bound skills and stored intents.
type Registry struct {
	repo   Lookup
	skills map[string]Skill
}

// NewRegistry creates a registry with the given skill implementations.
func NewRegistry(repo Lookup, skills ...Skill) *Registry {
	r := &Registry{repo: repo, skills: make(map[string]Skill, len(skills))}
	for _, s := range skills {
		r.skills[s.Name()] = s
	}
	return r
}

// Load returns every tool available to agentID, skills first. A failing
// sub-lookup is logged and contributes nothing; it never fails the load.
func (r *Registry) Load(ctx context.Context, agentID string) ([]Tool, error) {
	var skillTools, intentTools []Tool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bindings, err := r.repo.ListAgentSkills(gctx, agentID)
		if err != nil {
			slog.Warn("failed to load agent skills", "agent_id", agentID, "error", err)
			return nil
		}
		for _, b := range bindings {
			s, ok := r.skills[b.SkillName]
			if !ok {
				slog.Warn("agent skill has no implementation", "agent_id", agentID, "skill", b.SkillName)
				continue
			}
			skillTools = append(skillTools, SkillTool(s, b))
		}
		return nil
	})
	g.Go(func() error {
		intents, err := r.repo.ListIntents(gctx, agentID)
		if err != nil {
			slog.Warn("failed to load intents", "agent_id", agentID, "error", err)
			return nil
		}
		for _, in := range intents {
			if in.Deleted() {
				continue
			}
			intentTools = append(intentTools, IntentTool(in))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}

	sort.SliceStable(skillTools, func(i, j int) bool { return skillTools[i].Name() < skillTools[j].Name() })
	return append(skillTools, intentTools...), nil
}

// Intents returns the intent tools of a loaded set.
func Intents(ts []Tool) []Tool {
	var out []Tool
	for _, t := range ts {
		if t.Kind == KindIntent {
			out = append(out, t)
		}
	}
	return out
}

// Prompts collects prompt contributions of a loaded set, in order.
func Prompts(ts []Tool) []string {
	var out []string
	for _, t := range ts {
		if p, ok := t.GeneratePrompt(); ok {
			out = append(out, p)
		}
	}
	return out
}

// Find returns the tool with id.
func Find(ts []Tool, id string) (Tool, bool) {
	for _, t := range ts {
		if t.ID() == id {
			return t, true
		}
	}
	return Tool{}, false
}
