package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/chatflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ctl.db")
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("CONVERSATION_LOG_DIR", filepath.Join(dir, "logs"))

	fixture := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(fixture, []byte(`
workspaces:
  - id: ws-1
    agents:
      - id: support
        name: Suporte
        default: true
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"seed", fixture})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer repo.Close()
	a, err := repo.GetAgent(context.Background(), "support")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "ws-1", a.WorkspaceID)
}

func TestWorkspaceRequired(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "ctl.db"))
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEFAULT_WORKSPACE_ID", "")
	t.Setenv("CONVERSATION_LOG_DIR", filepath.Join(dir, "logs"))
	workspaceFlag = ""

	rootCmd.SetArgs([]string{"fallbacks"})
	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace")
}
