// Package aggregator folds bursts of messages on one conversation into a
// single orchestration pass, coordinated through a shared store.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/chatflow/internal/coordination"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/orchestrator"
)

// Status of an aggregation call.
type Status string

const (
	// StatusProcessed means this call drove an orchestration pass.
	StatusProcessed Status = "processed"
	// StatusQueued means another call owns the batch this message joined.
	StatusQueued Status = "queued"
)

// Processor runs one orchestration pass.
type Processor interface {
	DoQuestion(ctx context.Context, msg domain.PendingMessage) (*orchestrator.Result, error)
}

// Config holds aggregation timing.
type Config struct {
	Window     time.Duration
	LockBuffer time.Duration
	BufferTTL  time.Duration

	// PassTimeout bounds a driven batch after the window closes. The batch is
	// detached from the driver's context once the lock is won.
	PassTimeout time.Duration
	KeyPrefix   string
}

// DefaultConfig returns default aggregation configuration.
func DefaultConfig() Config {
	return Config{
		Window:      600 * time.Millisecond,
		LockBuffer:  5 * time.Second,
		BufferTTL:   30 * time.Second,
		PassTimeout: 45 * time.Second,
		KeyPrefix:   "chatflow",
	}
}

// Result is the outcome of ProcessQuestionWithAggregation. Pass is nil when
// the message was queued.
type Result struct {
	Status       Status               `json:"status"`
	Code         domain.ErrorCode     `json:"code,omitempty"`
	IsAggregated bool                 `json:"is_aggregated"`
	MessageCount int                  `json:"message_count"`
	MessageIDs   []string             `json:"message_ids,omitempty"`
	Pass         *orchestrator.Result `json:"result,omitempty"`
}

// Aggregator coordinates message batching per conversation.
type Aggregator struct {
	store     coordination.Store
	processor Processor
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an aggregator.
func New(store coordination.Store, processor Processor, cfg Config) *Aggregator {
	def := DefaultConfig()
	if cfg.Window < 0 {
		cfg.Window = def.Window
	}
	if cfg.LockBuffer <= 0 {
		cfg.LockBuffer = def.LockBuffer
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = def.BufferTTL
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	return &Aggregator{store: store, processor: processor, cfg: cfg, sleep: sleepCtx}
}

func (a *Aggregator) lockKey(contextID string) string {
	return a.cfg.KeyPrefix + ":lock:" + contextID
}

func (a *Aggregator) bufferKey(contextID string) string {
	return a.cfg.KeyPrefix + ":buffer:" + contextID
}

// ProcessQuestionWithAggregation buffers msg and, if this call wins the
// conversation lock, waits out the window and processes the whole batch once.
// Coordination store failures degrade to processing msg alone.
func (a *Aggregator) ProcessQuestionWithAggregation(ctx context.Context, msg domain.PendingMessage) (*Result, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	window := a.cfg.Window
	if msg.FromAudio {
		window = 0
	}
	lockKey, bufKey := a.lockKey(msg.ContextID), a.bufferKey(msg.ContextID)

	won, err := a.store.SetIfNotExists(ctx, lockKey, msg.MessageID, window+a.cfg.LockBuffer)
	if err != nil {
		slog.Warn("aggregation lock failed, processing alone", "context_id", msg.ContextID, "error", err)
		return a.processSingle(ctx, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode pending message: %w", err)
	}
	if err := a.store.ListAppend(ctx, bufKey, string(payload)); err != nil {
		slog.Warn("aggregation buffer append failed", "context_id", msg.ContextID, "error", err)
		if !won {
			return a.processSingle(ctx, msg)
		}
	}
	if err := a.store.Expire(ctx, bufKey, a.cfg.BufferTTL); err != nil {
		slog.Warn("aggregation buffer expire failed", "context_id", msg.ContextID, "error", err)
	}

	if !won {
		slog.Debug("message queued behind active batch", "context_id", msg.ContextID, "message_id", msg.MessageID)
		return &Result{
			Status:       StatusQueued,
			Code:         domain.CodeAggregationConflict,
			MessageCount: 1,
			MessageIDs:   []string{msg.MessageID},
		}, nil
	}

	// Queued callers were told the driver will answer them, so the driven
	// batch must not die with the driver's own request.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), window+a.cfg.PassTimeout)
	defer cancel()
	return a.drive(pctx, msg, window, lockKey, bufKey)
}

func (a *Aggregator) drive(ctx context.Context, msg domain.PendingMessage, window time.Duration, lockKey, bufKey string) (*Result, error) {
	if err := a.sleep(ctx, window); err != nil {
		a.releaseLock(ctx, lockKey)
		return nil, err
	}

	entries, err := a.store.Drain(ctx, bufKey)
	a.releaseLock(ctx, lockKey)
	if err != nil {
		slog.Warn("aggregation drain failed, processing alone", "context_id", msg.ContextID, "error", err)
		return a.processSingle(ctx, msg)
	}

	batch := decodeBatch(entries, msg)
	merged := merge(batch)
	pass, err := a.processor.DoQuestion(ctx, merged)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.MessageID
	}
	if len(batch) > 1 {
		slog.Info("aggregated messages", "context_id", msg.ContextID, "count", len(batch))
	}
	return &Result{
		Status:       StatusProcessed,
		IsAggregated: len(batch) > 1,
		MessageCount: len(batch),
		MessageIDs:   ids,
		Pass:         pass,
	}, nil
}

func (a *Aggregator) processSingle(ctx context.Context, msg domain.PendingMessage) (*Result, error) {
	pass, err := a.processor.DoQuestion(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:       StatusProcessed,
		MessageCount: 1,
		MessageIDs:   []string{msg.MessageID},
		Pass:         pass,
	}, nil
}

func (a *Aggregator) releaseLock(ctx context.Context, key string) {
	if err := a.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Warn("failed to release aggregation lock", "key", key, "error", err)
	}
}

// decodeBatch parses buffered entries, always including own, ordered by
// submission timestamp.
func decodeBatch(entries []string, own domain.PendingMessage) []domain.PendingMessage {
	batch := make([]domain.PendingMessage, 0, len(entries)+1)
	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		var m domain.PendingMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("dropping malformed buffered message", "error", err)
			continue
		}
		if m.MessageID != "" && seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		batch = append(batch, m)
	}
	if !seen[own.MessageID] {
		batch = append(batch, own)
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
	return batch
}

// merge joins batch texts with newlines under the earliest message's metadata.
func merge(batch []domain.PendingMessage) domain.PendingMessage {
	merged := batch[0]
	if len(batch) == 1 {
		return merged
	}
	texts := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = m.Text
	}
	merged.Text = strings.Join(texts, "\n")
	merged.Aggregated = true
	return merged
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
