// Package agent resolves which configured agent answers a request.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/chatflow/internal/domain"
)

// Lookup is the subset of the repository the resolver reads.
type Lookup interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListDefaultAgents(ctx context.Context, workspaceID string, agentType domain.AgentType) ([]*domain.Agent, error)
}

// Query describes the agent a caller is looking for.
type Query struct {
	WorkspaceID   string
	AgentID       string
	BotID         string
	PreferredType domain.AgentType
	AgentContext  string
}

// Resolver picks the agent for a request.
type Resolver struct {
	repo Lookup
}

// NewResolver creates a resolver over repo.
func NewResolver(repo Lookup) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the explicit agent when it is active and belongs to the
// workspace, otherwise the workspace default for the preferred type. A nil
// agent with a nil error means nothing is configured.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*domain.Agent, error) {
	if q.AgentID != "" {
		a, err := r.repo.GetAgent(ctx, q.AgentID)
		if err != nil {
			return nil, fmt.Errorf("get agent %s: %w", q.AgentID, err)
		}
		if a != nil && a.IsActive && a.WorkspaceID == q.WorkspaceID {
			return a, nil
		}
		slog.Debug("explicit agent unusable, falling back to default",
			"agent_id", q.AgentID,
			"workspace_id", q.WorkspaceID,
		)
	}

	agentType := q.PreferredType
	if agentType == "" {
		agentType = domain.AgentTypeConversational
	}
	defaults, err := r.repo.ListDefaultAgents(ctx, q.WorkspaceID, agentType)
	if err != nil {
		return nil, fmt.Errorf("list default agents: %w", err)
	}

	var best *domain.Agent
	bestRank := -1
	for _, a := range defaults {
		if rank := rankDefault(a, q); rank > bestRank {
			best, bestRank = a, rank
		}
	}
	return best, nil
}

// MustResolve is Resolve with a missing agent reported as AgentNotConfigured.
func (r *Resolver) MustResolve(ctx context.Context, q Query) (*domain.Agent, error) {
	a, err := r.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, domain.NewError(domain.CodeAgentNotConfigured, q.WorkspaceID, nil)
	}
	return a, nil
}

// rankDefault scores a default agent against the query; -1 means ineligible.
// A bot match outranks a context match.
func rankDefault(a *domain.Agent, q Query) int {
	if !a.IsActive || !a.IsDefault {
		return -1
	}
	rank := 0
	switch {
	case a.BotID == "":
	case q.BotID != "" && a.BotID == q.BotID:
		rank += 2
	default:
		return -1
	}
	switch {
	case a.Context == "":
	case q.AgentContext != "" && a.Context == q.AgentContext:
		rank++
	default:
		return -1
	}
	return rank
}
