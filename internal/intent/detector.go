// Package intent classifies free text against an agent's intent catalog.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/chatflow/internal/agent"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/llm"
	"github.com/ashureev/chatflow/internal/tools"
	"github.com/ashureev/chatflow/internal/validator"
	"github.com/google/uuid"
)

// NoneToken is what the model answers when no intent applies.
const NoneToken = "NONE"

const tokenTrim = "`\"'*_.,;:()[]{}<> \t\r\n"

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{12}`)

// HistoryWriter persists detection attempts.
type HistoryWriter interface {
	CreateIntentHistory(ctx context.Context, entry *domain.IntentHistoryEntry) error
}

// Config holds detector defaults.
type Config struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
}

// DefaultConfig returns default detector configuration.
func DefaultConfig() Config {
	return Config{MaxTokens: 40, Temperature: 0}
}

// Request is one classification attempt.
type Request struct {
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	ContextID   string `json:"context_id,omitempty"`
	Text        string `json:"text"`
}

// Result is the classification outcome. Intent is nil when nothing matched.
type Result struct {
	AgentID          string         `json:"agent_id"`
	Intent           *domain.Intent `json:"intent,omitempty"`
	Outcome          *tools.Outcome `json:"outcome,omitempty"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
}

// Detector maps text to an intent with a single model call.
type Detector struct {
	resolver *agent.Resolver
	registry *tools.Registry
	gateway  llm.Gateway
	history  HistoryWriter
	cfg      Config
}

// NewDetector creates a detector.
func NewDetector(resolver *agent.Resolver, registry *tools.Registry, gateway llm.Gateway, history HistoryWriter, cfg Config) *Detector {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	return &Detector{resolver: resolver, registry: registry, gateway: gateway, history: history, cfg: cfg}
}

// Detect classifies req.Text. Invalid text returns an InvalidMessageContext
// error without calling the model. Every attempt is recorded, failures included.
func (d *Detector) Detect(ctx context.Context, req Request) (*Result, error) {
	entry := &domain.IntentHistoryEntry{
		WorkspaceID: req.WorkspaceID,
		AgentID:     req.AgentID,
		ContextID:   req.ContextID,
		Text:        req.Text,
		CreatedAt:   time.Now(),
	}
	defer d.record(ctx, entry)

	if err := validator.Validate(req.Text); err != nil {
		entry.Error = err.Error()
		return nil, err
	}

	a, err := d.resolver.MustResolve(ctx, agent.Query{
		WorkspaceID:   req.WorkspaceID,
		AgentID:       req.AgentID,
		BotID:         req.BotID,
		PreferredType: domain.AgentTypeIntentClassifier,
	})
	if err != nil {
		entry.Error = err.Error()
		return nil, err
	}
	entry.AgentID = a.ID
	res := &Result{AgentID: a.ID}

	loaded, err := d.registry.Load(ctx, a.ID)
	if err != nil {
		entry.Error = err.Error()
		return nil, err
	}
	catalog := tools.Intents(loaded)
	if len(catalog) == 0 {
		entry.Error = "no intents configured"
		return res, nil
	}

	resp, err := d.gateway.Execute(ctx, llm.Request{
		Provider:    firstNonEmpty(a.Provider, d.cfg.Provider),
		Model:       firstNonEmpty(a.ModelName, d.cfg.Model),
		Prompt:      BuildPrompt(catalog),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: req.Text}},
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
	})
	if err != nil {
		entry.Error = err.Error()
		return nil, domain.NewError(domain.CodeProviderFailure, req.Text, err)
	}
	res.PromptTokens, res.CompletionTokens = resp.PromptTokens, resp.CompletionTokens
	entry.PromptTokens, entry.CompletionTokens = resp.PromptTokens, resp.CompletionTokens

	tool, ok := match(catalog, ExtractToken(resp.Message))
	if !ok {
		return res, nil
	}
	in := tool.Intent()
	res.Intent = in
	entry.IntentID = &in.ID
	entry.Actions = in.Actions

	out, err := tool.Execute(ctx, tools.Invocation{WorkspaceID: req.WorkspaceID, ContextID: req.ContextID, Text: req.Text})
	if err != nil {
		entry.Error = err.Error()
		slog.Warn("intent action failed", "intent_id", in.ID, "error", err)
		return res, nil
	}
	res.Outcome = &out
	return res, nil
}

func (d *Detector) record(ctx context.Context, entry *domain.IntentHistoryEntry) {
	if d.history == nil {
		return
	}
	if err := d.history.CreateIntentHistory(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("failed to record intent history", "workspace_id", entry.WorkspaceID, "error", err)
	}
}

// BuildPrompt renders the single-shot classification instruction.
func BuildPrompt(catalog []tools.Tool) string {
	var b strings.Builder
	b.WriteString("You classify a user message into exactly one of the intents below.\n")
	b.WriteString("Answer with the intent id only, nothing else. If no intent applies, answer " + NoneToken + ".\n\nIntents:\n")
	for _, t := range catalog {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n", t.ID(), t.Name())
		if desc := t.Description(); desc != "" {
			fmt.Fprintf(&b, "  description: %s\n", desc)
		}
		if ex := t.Examples(); len(ex) > 0 {
			fmt.Fprintf(&b, "  examples: %s\n", strings.Join(ex, " | "))
		}
	}
	return b.String()
}

// ExtractToken pulls the intent id out of a model reply, tolerating markdown
// fences, quotes and surrounding prose. UUIDs are returned in canonical form.
func ExtractToken(reply string) string {
	if m := uuidPattern.FindString(reply); m != "" {
		return CanonicalID(m)
	}
	reply = strings.ReplaceAll(reply, "```", " ")
	for _, f := range strings.Fields(reply) {
		if tok := strings.Trim(f, tokenTrim); tok != "" {
			return tok
		}
	}
	return ""
}

// CanonicalID lowercases and hyphenates a UUID; other ids are returned trimmed.
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

func match(catalog []tools.Tool, token string) (tools.Tool, bool) {
	if token == "" || strings.EqualFold(token, NoneToken) {
		return tools.Tool{}, false
	}
	for _, t := range catalog {
		if CanonicalID(t.ID()) == token {
			return t, true
		}
	}
	return tools.Tool{}, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
