package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/chatflow/internal/domain"
)

// ContractVersion identifies the JSON shape the prompt asks the model to emit
// and ParseOutput accepts. Bump both together.
const ContractVersion = "2024-06.v1"

// ReservedErrorPrefix marks model error codes. It must never reach an end user.
const ReservedErrorPrefix = "ERR_"

// Model error codes defined by the output contract.
const (
	ModelErrIrrelevant = "ERR_01"
	ModelErrNoContext  = "ERR_02"
	ModelErrInvalid    = "ERR_03"
)

// maxEntities bounds result.next_step_map.entities.
const maxEntities = 3

// Output is the model reply under the output contract.
type Output struct {
	Result *OutputResult `json:"result"`
	Error  *string       `json:"error"`
}

// OutputResult is the success half of Output.
type OutputResult struct {
	Response    string       `json:"response"`
	NextStepMap *NextStepMap `json:"next_step_map,omitempty"`
}

// NextStepMap names a follow-up intent and up to three extracted entities.
type NextStepMap struct {
	Intent   string   `json:"intent"`
	Entities []string `json:"entities,omitempty"`
}

// ParseOutput decodes a model reply. Markdown fences and text around the
// outermost JSON object are ignored. ok is false when no object decodes.
func ParseOutput(raw string) (out Output, ok bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Output{}, false
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return Output{}, false
	}
	if out.Result != nil && out.Result.NextStepMap != nil && len(out.Result.NextStepMap.Entities) > maxEntities {
		out.Result.NextStepMap.Entities = out.Result.NextStepMap.Entities[:maxEntities]
	}
	return out, true
}

// errorCode maps a contract error string to the taxonomy.
func errorCode(modelErr string) domain.ErrorCode {
	switch strings.TrimSpace(strings.ToUpper(modelErr)) {
	case ModelErrIrrelevant:
		return domain.CodeContextIrrelevant
	case ModelErrNoContext:
		return domain.CodeContextNotFound
	default:
		return domain.CodeInvalidQuestion
	}
}
