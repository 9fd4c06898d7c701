package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		bot_id TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		agent_mode TEXT NOT NULL DEFAULT 'FREE',
		model_name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_default ON agents(workspace_id, agent_type) WHERE is_default = 1;

	CREATE TABLE IF NOT EXISTS agent_skills (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		skill_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		examples_json TEXT NOT NULL DEFAULT '[]',
		config_json TEXT NOT NULL DEFAULT '{}',
		UNIQUE(agent_id, skill_name)
	);

	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		examples_json TEXT NOT NULL DEFAULT '[]',
		deleted_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intents_agent ON intents(agent_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS intent_actions (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL REFERENCES intents(id),
		action_type TEXT NOT NULL,
		target_value TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_intent_actions_intent ON intent_actions(intent_id);

	CREATE TABLE IF NOT EXISTS context_messages (
		id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		next_step TEXT NOT NULL DEFAULT '',
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		is_fallback INTEGER NOT NULL DEFAULT 0,
		is_aggregated INTEGER NOT NULL DEFAULT 0,
		model_name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_context_messages_context ON context_messages(context_id, created_at);

	CREATE TABLE IF NOT EXISTS fallback_questions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		context_id TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL,
		rewritten_question TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		training_ids_json TEXT NOT NULL DEFAULT '[]',
		error_code TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fallback_questions_workspace ON fallback_questions(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS intent_history (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		context_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		intent_id TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		actions_json TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intent_history_workspace ON intent_history(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS workspace_fallback_messages (
		workspace_id TEXT NOT NULL,
		code TEXT NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (workspace_id, code)
	);

	CREATE TABLE IF NOT EXISTS knowledge_snippets (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		identifier TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_workspace ON knowledge_snippets(workspace_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...interface{}) error {
	return shared.RetryOnConflict(ctx, op, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// --- agents ---

const agentColumns = `id, workspace_id, bot_id, context, name, description, prompt, personality,
	is_default, is_active, agent_mode, model_name, provider, agent_type, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var mode, agentType string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.BotID, &a.Context, &a.Name, &a.Description, &a.Prompt, &a.Personality,
		&a.IsDefault, &a.IsActive, &mode, &a.ModelName, &a.Provider, &agentType, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	a.Mode = domain.AgentMode(mode)
	a.Type = domain.AgentType(agentType)
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	return agent, nil
}

// ListDefaultAgents returns active default agents of a type in a workspace.
func (s *SQLiteStore) ListDefaultAgents(ctx context.Context, workspaceID string, agentType domain.AgentType) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE workspace_id = ? AND agent_type = ? AND is_default = 1 AND is_active = 1
		ORDER BY updated_at DESC`, workspaceID, string(agentType))
	if err != nil {
		return nil, fmt.Errorf("query default agents: %w", err)
	}
	defer closeRows(rows, "default agents")

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan default agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate default agents: %w", err)
	}
	return agents, nil
}

// UpsertAgent creates or updates an agent.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Mode == "" {
		agent.Mode = domain.AgentModeFree
	}

	return shared.RetryOnConflict(ctx, "upsert agent", writeRetries, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if agent.IsDefault {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents SET is_default = 0, updated_at = ?
				WHERE workspace_id = ? AND agent_type = ? AND bot_id = ? AND id <> ? AND is_default = 1`,
				now.Unix(), agent.WorkspaceID, string(agent.Type), agent.BotID, agent.ID,
			); err != nil {
				return fmt.Errorf("clear previous default agent: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				workspace_id = excluded.workspace_id,
				bot_id = excluded.bot_id,
				context = excluded.context,
				name = excluded.name,
				description = excluded.description,
				prompt = excluded.prompt,
				personality = excluded.personality,
				is_default = excluded.is_default,
				is_active = excluded.is_active,
				agent_mode = excluded.agent_mode,
				model_name = excluded.model_name,
				provider = excluded.provider,
				agent_type = excluded.agent_type,
				updated_at = excluded.updated_at`,
			agent.ID, agent.WorkspaceID, agent.BotID, agent.Context, agent.Name, agent.Description,
			agent.Prompt, agent.Personality, agent.IsDefault, agent.IsActive, string(agent.Mode),
			agent.ModelName, agent.Provider, string(agent.Type), agent.CreatedAt.Unix(), agent.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return tx.Commit()
	})
}

// --- skills ---

// ListAgentSkills returns the skills bound to an agent.
func (s *SQLiteStore) ListAgentSkills(ctx context.Context, agentID string) ([]*domain.AgentSkill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, skill_name, description, examples_json, config_json
		FROM agent_skills WHERE agent_id = ? ORDER BY skill_name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent skills: %w", err)
	}
	defer closeRows(rows, "agent skills")

	var skills []*domain.AgentSkill
	for rows.Next() {
		var sk domain.AgentSkill
		var examplesJSON, configJSON string
		if err := rows.Scan(&sk.ID, &sk.AgentID, &sk.SkillName, &sk.Description, &examplesJSON, &configJSON); err != nil {
			return nil, fmt.Errorf("scan agent skill row: %w", err)
		}
		if err := json.Unmarshal([]byte(examplesJSON), &sk.Examples); err != nil {
			return nil, fmt.Errorf("decode skill examples: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &sk.Config); err != nil {
			return nil, fmt.Errorf("decode skill config: %w", err)
		}
		skills = append(skills, &sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent skills: %w", err)
	}
	return skills, nil
}

// UpsertAgentSkill binds a skill to an agent.
func (s *SQLiteStore) UpsertAgentSkill(ctx context.Context, skill *domain.AgentSkill) error {
	if skill.ID == "" {
		skill.ID = uuid.NewString()
	}
	examples, err := marshalList(skill.Examples)
	if err != nil {
		return err
	}
	config := skill.Config
	if config == nil {
		config = map[string]string{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode skill config: %w", err)
	}
	return s.exec(ctx, "upsert agent skill", `
		INSERT INTO agent_skills (id, agent_id, skill_name, description, examples_json, config_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, skill_name) DO UPDATE SET
			description = excluded.description,
			examples_json = excluded.examples_json,
			config_json = excluded.config_json`,
		skill.ID, skill.AgentID, skill.SkillName, skill.Description, examples, string(configJSON))
}

// --- intents ---

func scanIntent(row rowScanner) (*domain.Intent, error) {
	var in domain.Intent
	var examplesJSON string
	var deletedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&in.ID, &in.WorkspaceID, &in.AgentID, &in.Name, &in.Description, &examplesJSON, &deletedAt, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(examplesJSON), &in.Examples); err != nil {
		return nil, fmt.Errorf("decode intent examples: %w", err)
	}
	if deletedAt.Valid {
		ts := time.Unix(deletedAt.Int64, 0)
		in.DeletedAt = &ts
	}
	in.CreatedAt = time.Unix(createdAt, 0)
	return &in, nil
}

// ListIntents returns an agent's non-deleted intents with their actions.
func (s *SQLiteStore) ListIntents(ctx context.Context, agentID string) ([]*domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, agent_id, name, description, examples_json, deleted_at, created_at
		FROM intents WHERE agent_id = ? AND deleted_at IS NULL ORDER BY created_at, name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}

	var intents []*domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			closeRows(rows, "intents")
			return nil, fmt.Errorf("scan intent row: %w", err)
		}
		intents = append(intents, in)
	}
	iterErr := rows.Err()
	closeRows(rows, "intents")
	if iterErr != nil {
		return nil, fmt.Errorf("iterate intents: %w", iterErr)
	}

	for _, in := range intents {
		if in.Actions, err = s.listIntentActions(ctx, in.ID); err != nil {
			return nil, err
		}
	}
	return intents, nil
}

// GetIntent retrieves an intent by id, including tombstoned ones.
func (s *SQLiteStore) GetIntent(ctx context.Context, intentID string) (*domain.Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, agent_id, name, description, examples_json, deleted_at, created_at
		FROM intents WHERE id = ?`, intentID)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan intent row: %w", err)
	}
	if in.Actions, err = s.listIntentActions(ctx, in.ID); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *SQLiteStore) listIntentActions(ctx context.Context, intentID string) ([]domain.IntentAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, action_type, target_value FROM intent_actions
		WHERE intent_id = ? ORDER BY rowid`, intentID)
	if err != nil {
		return nil, fmt.Errorf("query intent actions: %w", err)
	}
	defer closeRows(rows, "intent actions")

	var actions []domain.IntentAction
	for rows.Next() {
		var a domain.IntentAction
		var actionType string
		if err := rows.Scan(&a.ID, &a.IntentID, &actionType, &a.TargetValue); err != nil {
			return nil, fmt.Errorf("scan intent action row: %w", err)
		}
		a.Type = domain.ActionType(actionType)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intent actions: %w", err)
	}
	return actions, nil
}

// UpsertIntent creates or updates an intent and replaces its actions.
func (s *SQLiteStore) UpsertIntent(ctx context.Context, intent *domain.Intent) error {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	examples, err := marshalList(intent.Examples)
	if err != nil {
		return err
	}
	for i := range intent.Actions {
		if intent.Actions[i].ID == "" {
			intent.Actions[i].ID = uuid.NewString()
		}
		intent.Actions[i].IntentID = intent.ID
	}

	return shared.RetryOnConflict(ctx, "upsert intent", writeRetries, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin intent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intents (id, workspace_id, agent_id, name, description, examples_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				workspace_id = excluded.workspace_id,
				agent_id = excluded.agent_id,
				name = excluded.name,
				description = excluded.description,
				examples_json = excluded.examples_json`,
			intent.ID, intent.WorkspaceID, intent.AgentID, intent.Name, intent.Description, examples, intent.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("upsert intent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM intent_actions WHERE intent_id = ?`, intent.ID); err != nil {
			return fmt.Errorf("clear intent actions: %w", err)
		}
		for _, a := range intent.Actions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO intent_actions (id, intent_id, action_type, target_value) VALUES (?, ?, ?, ?)`,
				a.ID, a.IntentID, string(a.Type), a.TargetValue,
			); err != nil {
				return fmt.Errorf("insert intent action: %w", err)
			}
		}
		return tx.Commit()
	})
}

// SoftDeleteIntent tombstones an intent.
func (s *SQLiteStore) SoftDeleteIntent(ctx context.Context, intentID string) error {
	var rows int64
	err := shared.RetryOnConflict(ctx, "soft delete intent", writeRetries, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE intents SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().Unix(), intentID)
		if err != nil {
			return fmt.Errorf("soft delete intent: %w", err)
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("SoftDeleteIntent affected 0 rows", "intent_id", intentID)
		return ErrNotFound
	}
	return nil
}

// --- messages ---

// CreateMessage persists a conversation turn.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.ContextMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}
	return s.exec(ctx, "create message", `
		INSERT INTO context_messages (
			id, context_id, workspace_id, agent_id, role, content, next_step,
			completion_tokens, prompt_tokens, is_fallback, is_aggregated, model_name, type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ContextID, msg.WorkspaceID, msg.AgentID, string(msg.Role), msg.Content, msg.NextStep,
		msg.CompletionTokens, msg.PromptTokens, msg.IsFallback, msg.IsAggregated, msg.ModelName, string(msg.Type),
		msg.CreatedAt.UnixNano(),
	)
}

// ListRecentMessages returns up to limit most recent turns, oldest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, contextID string, limit int) ([]*domain.ContextMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, context_id, workspace_id, agent_id, role, content, next_step,
		       completion_tokens, prompt_tokens, is_fallback, is_aggregated, model_name, type, created_at
		FROM context_messages WHERE context_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer closeRows(rows, "recent messages")

	var msgs []*domain.ContextMessage
	for rows.Next() {
		var m domain.ContextMessage
		var role, msgType string
		var createdAt int64
		if err := rows.Scan(
			&m.ID, &m.ContextID, &m.WorkspaceID, &m.AgentID, &role, &m.Content, &m.NextStep,
			&m.CompletionTokens, &m.PromptTokens, &m.IsFallback, &m.IsAggregated, &m.ModelName, &msgType, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.Type = domain.MessageType(msgType)
		m.CreatedAt = time.Unix(0, createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- audit trails ---

// CreateFallbackQuestion records an unanswered question for curation.
func (s *SQLiteStore) CreateFallbackQuestion(ctx context.Context, q *domain.FallbackQuestion) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	ids, err := marshalList(q.TrainingIDs)
	if err != nil {
		return err
	}
	return s.exec(ctx, "create fallback question", `
		INSERT INTO fallback_questions (
			id, workspace_id, agent_id, context_id, question, rewritten_question,
			context, training_ids_json, error_code, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.WorkspaceID, q.AgentID, q.ContextID, q.Question, q.RewrittenQuestion,
		q.Context, ids, string(q.ErrorCode), q.CreatedAt.UnixNano(),
	)
}

// ListFallbackQuestions returns the most recent fallback records of a workspace.
func (s *SQLiteStore) ListFallbackQuestions(ctx context.Context, workspaceID string, limit int) ([]*domain.FallbackQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, agent_id, context_id, question, rewritten_question,
		       context, training_ids_json, error_code, created_at
		FROM fallback_questions WHERE workspace_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fallback questions: %w", err)
	}
	defer closeRows(rows, "fallback questions")

	var out []*domain.FallbackQuestion
	for rows.Next() {
		var q domain.FallbackQuestion
		var idsJSON, code string
		var createdAt int64
		if err := rows.Scan(
			&q.ID, &q.WorkspaceID, &q.AgentID, &q.ContextID, &q.Question, &q.RewrittenQuestion,
			&q.Context, &idsJSON, &code, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan fallback question row: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &q.TrainingIDs); err != nil {
			return nil, fmt.Errorf("decode training ids: %w", err)
		}
		q.ErrorCode = domain.ErrorCode(code)
		q.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fallback questions: %w", err)
	}
	return out, nil
}

// CreateIntentHistory appends an intent detection audit row.
func (s *SQLiteStore) CreateIntentHistory(ctx context.Context, entry *domain.IntentHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	actions := entry.Actions
	if actions == nil {
		actions = []domain.IntentAction{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode history actions: %w", err)
	}
	var intentID interface{}
	if entry.IntentID != nil {
		intentID = *entry.IntentID
	}
	return s.exec(ctx, "create intent history", `
		INSERT INTO intent_history (
			id, workspace_id, agent_id, context_id, text, intent_id,
			prompt_tokens, completion_tokens, actions_json, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkspaceID, entry.AgentID, entry.ContextID, entry.Text, intentID,
		entry.PromptTokens, entry.CompletionTokens, string(actionsJSON), entry.Error, entry.CreatedAt.UnixNano(),
	)
}

// ListIntentHistory returns the most recent detection attempts of a workspace.
func (s *SQLiteStore) ListIntentHistory(ctx context.Context, workspaceID string, limit int) ([]*domain.IntentHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, agent_id, context_id, text, intent_id,
		       prompt_tokens, completion_tokens, actions_json, error, created_at
		FROM intent_history WHERE workspace_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query intent history: %w", err)
	}
	defer closeRows(rows, "intent history")

	var out []*domain.IntentHistoryEntry
	for rows.Next() {
		var e domain.IntentHistoryEntry
		var intentID sql.NullString
		var actionsJSON string
		var createdAt int64
		if err := rows.Scan(
			&e.ID, &e.WorkspaceID, &e.AgentID, &e.ContextID, &e.Text, &intentID,
			&e.PromptTokens, &e.CompletionTokens, &actionsJSON, &e.Error, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan intent history row: %w", err)
		}
		if intentID.Valid {
			id := intentID.String
			e.IntentID = &id
		}
		if err := json.Unmarshal([]byte(actionsJSON), &e.Actions); err != nil {
			return nil, fmt.Errorf("decode history actions: %w", err)
		}
		e.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intent history: %w", err)
	}
	return out, nil
}

// --- workspace settings ---

// GetFallbackMessages returns workspace overrides for fallback sentences.
func (s *SQLiteStore) GetFallbackMessages(ctx context.Context, workspaceID string) (map[domain.ErrorCode]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, message FROM workspace_fallback_messages WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query fallback messages: %w", err)
	}
	defer closeRows(rows, "fallback messages")

	out := make(map[domain.ErrorCode]string)
	for rows.Next() {
		var code, message string
		if err := rows.Scan(&code, &message); err != nil {
			return nil, fmt.Errorf("scan fallback message row: %w", err)
		}
		if strings.TrimSpace(message) != "" {
			out[domain.ErrorCode(code)] = message
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fallback messages: %w", err)
	}
	return out, nil
}

// SetFallbackMessage stores a workspace override for a fallback sentence.
func (s *SQLiteStore) SetFallbackMessage(ctx context.Context, workspaceID string, code domain.ErrorCode, message string) error {
	return s.exec(ctx, "set fallback message", `
		INSERT INTO workspace_fallback_messages (workspace_id, code, message) VALUES (?, ?, ?)
		ON CONFLICT(workspace_id, code) DO UPDATE SET message = excluded.message`,
		workspaceID, string(code), message)
}

// --- knowledge ---

// UpsertKnowledge stores a knowledge snippet with its embedding.
func (s *SQLiteStore) UpsertKnowledge(ctx context.Context, snippet *domain.KnowledgeSnippet) error {
	if snippet.ID == "" {
		snippet.ID = uuid.NewString()
	}
	if snippet.CreatedAt.IsZero() {
		snippet.CreatedAt = time.Now()
	}
	return s.exec(ctx, "upsert knowledge", `
		INSERT INTO knowledge_snippets (id, workspace_id, identifier, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			content = excluded.content,
			embedding = excluded.embedding`,
		snippet.ID, snippet.WorkspaceID, snippet.Identifier, snippet.Content,
		encodeVector(snippet.Embedding), snippet.CreatedAt.Unix(),
	)
}

// SearchKnowledge ranks the workspace's snippets by cosine similarity.
func (s *SQLiteStore) SearchKnowledge(ctx context.Context, workspaceID string, vector []float32, limit int, minScore float64) ([]domain.ScoredSnippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identifier, content, embedding FROM knowledge_snippets WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer closeRows(rows, "knowledge")

	var snippets []*domain.KnowledgeSnippet
	for rows.Next() {
		var sn domain.KnowledgeSnippet
		var blob []byte
		if err := rows.Scan(&sn.ID, &sn.Identifier, &sn.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan knowledge row: %w", err)
		}
		if sn.Embedding, err = decodeVector(blob); err != nil {
			slog.Warn("skipping knowledge snippet with corrupt embedding", "snippet_id", sn.ID, "error", err)
			continue
		}
		snippets = append(snippets, &sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge: %w", err)
	}
	return topK(vector, snippets, limit, minScore), nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
