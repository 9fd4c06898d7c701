package orchestrator

import (
	"context"
	"strings"

	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/llm"
)

const rewritePrompt = `Rewrite the user's last message as a single standalone question that can be
understood without the conversation. Keep the user's language. Reply with the
question only.`

// Rewriter turns a follow-up message into a standalone question.
type Rewriter struct {
	gateway     llm.Gateway
	maxTokens   int
	temperature float64
}

// NewRewriter creates a rewriter.
func NewRewriter(gateway llm.Gateway, maxTokens int, temperature float64) *Rewriter {
	return &Rewriter{gateway: gateway, maxTokens: maxTokens, temperature: temperature}
}

// Rewrite returns question unchanged when there is no history. A gateway
// failure is reported as InvalidQuestion.
func (r *Rewriter) Rewrite(ctx context.Context, a *domain.Agent, history []*domain.ContextMessage, question string) (string, *llm.Response, error) {
	if len(history) == 0 {
		return question, nil, nil
	}

	var transcript strings.Builder
	for _, m := range history {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteByte('\n')
	}
	transcript.WriteString("user: ")
	transcript.WriteString(question)

	resp, err := r.gateway.Execute(ctx, llm.Request{
		Provider:    a.Provider,
		Model:       a.ModelName,
		Prompt:      rewritePrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: transcript.String()}},
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return "", nil, domain.NewError(domain.CodeInvalidQuestion, question, err)
	}
	rewritten := strings.TrimSpace(resp.Message)
	if rewritten == "" {
		return question, resp, nil
	}
	return rewritten, resp, nil
}
