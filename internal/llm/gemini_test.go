package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiExecute(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Claro"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 1, "totalTokenCount": 10}
		}`)
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), "test", srv.URL)
	require.NoError(t, err)

	resp, err := g.Execute(context.Background(), Request{
		Model:    "gemini-2.0-flash",
		Prompt:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "pode me ajudar?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Claro", resp.Message)
	assert.EqualValues(t, 9, resp.PromptTokens)
	assert.EqualValues(t, 1, resp.CompletionTokens)
	assert.Contains(t, body, "systemInstruction")
}
