// Package seed loads workspace fixtures (agents, skills, intents, fallback
// overrides and knowledge) from YAML into the repository.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/llm"
	"gopkg.in/yaml.v3"
)

// Repository is the write side used by the loader.
type Repository interface {
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	UpsertAgentSkill(ctx context.Context, skill *domain.AgentSkill) error
	UpsertIntent(ctx context.Context, intent *domain.Intent) error
	SoftDeleteIntent(ctx context.Context, intentID string) error
	SetFallbackMessage(ctx context.Context, workspaceID string, code domain.ErrorCode, message string) error
	UpsertKnowledge(ctx context.Context, snippet *domain.KnowledgeSnippet) error
}

// File is the fixture document.
type File struct {
	Workspaces []Workspace `yaml:"workspaces"`
}

// Workspace groups everything seeded for one tenant.
type Workspace struct {
	ID               string            `yaml:"id"`
	FallbackMessages map[string]string `yaml:"fallback_messages"`
	Knowledge        []Snippet         `yaml:"knowledge"`
	Agents           []Agent           `yaml:"agents"`
}

// Snippet is a knowledge entry. It is embedded at load time.
type Snippet struct {
	ID         string `yaml:"id"`
	Identifier string `yaml:"identifier"`
	Content    string `yaml:"content"`
}

// Agent is an agent fixture.
type Agent struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	Personality string   `yaml:"personality"`
	BotID       string   `yaml:"bot_id"`
	Context     string   `yaml:"context"`
	Default     bool     `yaml:"default"`
	Active      *bool    `yaml:"active"`
	Mode        string   `yaml:"mode"`
	Model       string   `yaml:"model"`
	Provider    string   `yaml:"provider"`
	Type        string   `yaml:"type"`
	Skills      []Skill  `yaml:"skills"`
	Intents     []Intent `yaml:"intents"`
}

// Skill binds a built-in skill to the agent.
type Skill struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Examples    []string          `yaml:"examples"`
	Config      map[string]string `yaml:"config"`
}

// Intent is an intent fixture.
type Intent struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Examples    []string `yaml:"examples"`
	Deleted     bool     `yaml:"deleted"`
	Actions     []Action `yaml:"actions"`
}

// Action is an intent action fixture.
type Action struct {
	Type   string `yaml:"type"`
	Target string `yaml:"target"`
}

// Stats counts what a load wrote.
type Stats struct {
	Agents    int
	Skills    int
	Intents   int
	Overrides int
	Snippets  int
	Skipped   int
}

var fallbackCodes = map[domain.ErrorCode]bool{
	domain.CodeInvalidQuestion:   true,
	domain.CodeContextNotFound:   true,
	domain.CodeContextIrrelevant: true,
}

var actionTypes = map[domain.ActionType]bool{
	domain.ActionTree:            true,
	domain.ActionTreeImmediately: true,
	domain.ActionMessage:         true,
	domain.ActionHandoff:         true,
}

// Parse decodes a fixture, rejecting unknown fields and multiple documents.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	var extra interface{}
	if err := dec.Decode(&extra); err == nil {
		return nil, errors.New("multiple YAML documents are not supported")
	} else if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed after first YAML document: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for _, ws := range f.Workspaces {
		if ws.ID == "" {
			return errors.New("workspace id is required")
		}
		for code := range ws.FallbackMessages {
			if !fallbackCodes[domain.ErrorCode(code)] {
				return fmt.Errorf("workspace %s: unknown fallback code %q", ws.ID, code)
			}
		}
		for _, a := range ws.Agents {
			if a.Name == "" {
				return fmt.Errorf("workspace %s: agent name is required", ws.ID)
			}
			switch domain.AgentType(a.Type) {
			case "", domain.AgentTypeConversational, domain.AgentTypeIntentClassifier:
			default:
				return fmt.Errorf("agent %s: unknown type %q", a.Name, a.Type)
			}
			switch domain.AgentMode(a.Mode) {
			case "", domain.AgentModeFree, domain.AgentModeRAGOnly:
			default:
				return fmt.Errorf("agent %s: unknown mode %q", a.Name, a.Mode)
			}
			for _, in := range a.Intents {
				for _, act := range in.Actions {
					if !actionTypes[domain.ActionType(act.Type)] {
						return fmt.Errorf("intent %s: unknown action %q", in.Name, act.Type)
					}
				}
			}
		}
	}
	return nil
}

// LoadFile reads and applies a fixture file.
func LoadFile(ctx context.Context, path string, repo Repository, embedder llm.Embedder) (Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stats{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return Stats{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return Apply(ctx, f, repo, embedder)
}

// Apply writes f to repo. Knowledge is skipped when embedder is nil since
// unembedded snippets can never be retrieved.
func Apply(ctx context.Context, f *File, repo Repository, embedder llm.Embedder) (Stats, error) {
	var st Stats
	for _, ws := range f.Workspaces {
		for code, msg := range ws.FallbackMessages {
			if err := repo.SetFallbackMessage(ctx, ws.ID, domain.ErrorCode(code), msg); err != nil {
				return st, fmt.Errorf("workspace %s: set fallback %s: %w", ws.ID, code, err)
			}
			st.Overrides++
		}

		for _, a := range ws.Agents {
			if err := applyAgent(ctx, repo, ws.ID, a, &st); err != nil {
				return st, err
			}
		}

		for _, sn := range ws.Knowledge {
			if embedder == nil {
				st.Skipped++
				continue
			}
			vec, err := embedder.Embed(ctx, sn.Content)
			if err != nil {
				return st, fmt.Errorf("embed snippet %s: %w", sn.Identifier, err)
			}
			if err := repo.UpsertKnowledge(ctx, &domain.KnowledgeSnippet{
				ID:          sn.ID,
				WorkspaceID: ws.ID,
				Identifier:  sn.Identifier,
				Content:     sn.Content,
				Embedding:   vec,
			}); err != nil {
				return st, fmt.Errorf("store snippet %s: %w", sn.Identifier, err)
			}
			st.Snippets++
		}
	}
	if st.Skipped > 0 {
		slog.Warn("Knowledge snippets skipped, no embedder configured", "count", st.Skipped)
	}
	return st, nil
}

func applyAgent(ctx context.Context, repo Repository, workspaceID string, a Agent, st *Stats) error {
	active := true
	if a.Active != nil {
		active = *a.Active
	}
	agentType := domain.AgentType(a.Type)
	if agentType == "" {
		agentType = domain.AgentTypeConversational
	}
	ag := &domain.Agent{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Prompt:      a.Prompt,
		Personality: a.Personality,
		WorkspaceID: workspaceID,
		BotID:       a.BotID,
		Context:     a.Context,
		IsDefault:   a.Default,
		IsActive:    active,
		Mode:        domain.AgentMode(a.Mode),
		ModelName:   a.Model,
		Provider:    a.Provider,
		Type:        agentType,
	}
	if err := repo.UpsertAgent(ctx, ag); err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.Name, err)
	}
	st.Agents++

	for _, s := range a.Skills {
		if err := repo.UpsertAgentSkill(ctx, &domain.AgentSkill{
			AgentID:     ag.ID,
			SkillName:   s.Name,
			Description: s.Description,
			Examples:    s.Examples,
			Config:      s.Config,
		}); err != nil {
			return fmt.Errorf("bind skill %s to %s: %w", s.Name, a.Name, err)
		}
		st.Skills++
	}

	for _, in := range a.Intents {
		intent := &domain.Intent{
			ID:          in.ID,
			Name:        in.Name,
			Description: in.Description,
			Examples:    in.Examples,
			AgentID:     ag.ID,
			WorkspaceID: workspaceID,
		}
		for _, act := range in.Actions {
			intent.Actions = append(intent.Actions, domain.IntentAction{
				Type:        domain.ActionType(act.Type),
				TargetValue: act.Target,
			})
		}
		if err := repo.UpsertIntent(ctx, intent); err != nil {
			return fmt.Errorf("upsert intent %s: %w", in.Name, err)
		}
		if in.Deleted {
			if err := repo.SoftDeleteIntent(ctx, intent.ID); err != nil {
				return fmt.Errorf("delete intent %s: %w", in.Name, err)
			}
		}
		st.Intents++
	}
	return nil
}
