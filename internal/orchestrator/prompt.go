package orchestrator

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/ashureev/chatflow/internal/domain"
)

// PromptData is everything the answer prompt is rendered from.
type PromptData struct {
	AgentName     string
	Personality   string
	Customization string
	SkillPrompts  []string
	Snippets      []domain.ScoredSnippet
	RAGOnly       bool
	Question      string
}

var answerTemplate = template.Must(template.New("answer").Funcs(template.FuncMap{
	"trim": strings.TrimSpace,
}).Parse(`You are {{if .AgentName}}{{.AgentName}}, {{end}}a customer support assistant.
{{- with trim .Personality}}

Personality:
{{.}}
{{- end}}
{{- with trim .Customization}}

Instructions:
{{.}}
{{- end}}
{{- if .SkillPrompts}}

Capabilities:
{{- range .SkillPrompts}}
- {{.}}
{{- end}}
{{- end}}

Context:
{{- if .Snippets}}
{{- range .Snippets}}
[{{.Identifier}}] {{trim .Content}}
{{- end}}
{{- else}}
(none)
{{- end}}

Rules:
- Answer in the language of the question.
{{- if .RAGOnly}}
- Answer only from the context above. If it does not contain the answer, set "error" to "ERR_02".
{{- else}}
- Prefer the context above. Use general knowledge only when the context is silent.
{{- end}}
- If the question is unrelated to this business, set "error" to "ERR_01".
- If the question cannot be understood, set "error" to "ERR_03".
- Never write codes starting with "ERR_" inside result.response.

Output contract {{.Version}}: reply with a single JSON object and nothing else:
{"result": {"response": "<answer>", "next_step_map": {"intent": "<intent or empty>", "entities": ["<at most 3>"]}}, "error": null}
When "error" is set, "result" must be null.

Question: {{trim .Question}}`))

// RenderPrompt renders the answer prompt. It is a pure function of data.
func RenderPrompt(data PromptData) (string, error) {
	var buf bytes.Buffer
	err := answerTemplate.Execute(&buf, struct {
		PromptData
		Version string
	}{data, ContractVersion})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
