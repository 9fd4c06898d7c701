package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatflow/internal/coordination"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingProcessor struct {
	mu    sync.Mutex
	calls []domain.PendingMessage
}

func (p *countingProcessor) DoQuestion(_ context.Context, msg domain.PendingMessage) (*orchestrator.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	return &orchestrator.Result{Turn: &domain.ContextMessage{Role: domain.RoleSystem, Content: "ok"}}, nil
}

func (p *countingProcessor) snapshot() []domain.PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PendingMessage(nil), p.calls...)
}

var errStoreDown = errors.New("store down")

type brokenStore struct{}

func (brokenStore) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) Expire(context.Context, string, time.Duration) error  { return errStoreDown }
func (brokenStore) ListAppend(context.Context, string, string) error      { return errStoreDown }
func (brokenStore) ListRange(context.Context, string) ([]string, error)   { return nil, errStoreDown }
func (brokenStore) Drain(context.Context, string) ([]string, error)       { return nil, errStoreDown }
func (brokenStore) Delete(context.Context, string) error                  { return errStoreDown }

func pending(id, text string, ts time.Time) domain.PendingMessage {
	return domain.PendingMessage{MessageID: id, Text: text, WorkspaceID: "ws", ContextID: "ctx-1", Timestamp: ts}
}

func testConfig(window time.Duration) Config {
	return Config{Window: window, LockBuffer: time.Second, BufferTTL: 5 * time.Second, KeyPrefix: "test"}
}

func TestConcurrentMessagesProduceSinglePass(t *testing.T) {
	proc := &countingProcessor{}
	agg := New(coordination.NewMemoryStore(), proc, testConfig(200*time.Millisecond))

	const n = 8
	base := time.Now()
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := agg.ProcessQuestionWithAggregation(context.Background(),
				pending(fmt.Sprintf("m%d", i), fmt.Sprintf("part %d", i), base.Add(time.Duration(i)*time.Millisecond)))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	calls := proc.snapshot()
	require.Len(t, calls, 1)

	processed, queued := 0, 0
	for _, r := range results {
		require.NotNil(t, r)
		switch r.Status {
		case StatusProcessed:
			processed++
			assert.True(t, r.IsAggregated)
			assert.Equal(t, n, r.MessageCount)
		case StatusQueued:
			queued++
			assert.Equal(t, domain.CodeAggregationConflict, r.Code)
			assert.Nil(t, r.Pass)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, n-1, queued)
	assert.Equal(t, "part 0\npart 1\npart 2\npart 3\npart 4\npart 5\npart 6\npart 7", calls[0].Text)
}

func TestBatchOrderedBySubmissionTimestamp(t *testing.T) {
	proc := &countingProcessor{}
	store := coordination.NewMemoryStore()
	agg := New(store, proc, testConfig(150*time.Millisecond))
	base := time.Now()

	done := make(chan *Result, 1)
	go func() {
		res, err := agg.ProcessQuestionWithAggregation(context.Background(), pending("late", "segundo", base.Add(50*time.Millisecond)))
		assert.NoError(t, err)
		done <- res
	}()
	time.Sleep(30 * time.Millisecond)
	res, err := agg.ProcessQuestionWithAggregation(context.Background(), pending("early", "primeiro", base))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)

	driver := <-done
	assert.Equal(t, StatusProcessed, driver.Status)
	assert.Equal(t, []string{"early", "late"}, driver.MessageIDs)

	calls := proc.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "primeiro\nsegundo", calls[0].Text)
	assert.Equal(t, "early", calls[0].MessageID)
}

func TestQueroAgendarScenario(t *testing.T) {
	proc := &countingProcessor{}
	agg := New(coordination.NewMemoryStore(), proc, testConfig(600*time.Millisecond))
	start := time.Now()

	done := make(chan *Result, 1)
	go func() {
		res, err := agg.ProcessQuestionWithAggregation(context.Background(), pending("m1", "Quero", start))
		assert.NoError(t, err)
		done <- res
	}()
	time.Sleep(100 * time.Millisecond)
	second, err := agg.ProcessQuestionWithAggregation(context.Background(), pending("m2", "agendar uma consulta", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)

	first := <-done
	assert.Equal(t, StatusProcessed, first.Status)
	assert.True(t, first.IsAggregated)
	assert.Equal(t, 2, first.MessageCount)
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)

	calls := proc.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "Quero\nagendar uma consulta", calls[0].Text)
}

func TestAudioBypassesWindow(t *testing.T) {
	proc := &countingProcessor{}
	agg := New(coordination.NewMemoryStore(), proc, testConfig(time.Hour))

	msg := pending("a1", "transcrição do áudio", time.Now())
	msg.FromAudio = true

	start := time.Now()
	res, err := agg.ProcessQuestionWithAggregation(context.Background(), msg)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.False(t, res.IsAggregated)
	require.Len(t, proc.snapshot(), 1)
}

func TestLockReleasedAfterPass(t *testing.T) {
	proc := &countingProcessor{}
	agg := New(coordination.NewMemoryStore(), proc, testConfig(10*time.Millisecond))

	for i := range 2 {
		res, err := agg.ProcessQuestionWithAggregation(context.Background(), pending(fmt.Sprintf("m%d", i), "oi", time.Now()))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.False(t, res.IsAggregated)
	}
	assert.Len(t, proc.snapshot(), 2)
}

func TestStoreFailureDegradesToSingleMessage(t *testing.T) {
	proc := &countingProcessor{}
	agg := New(brokenStore{}, proc, testConfig(time.Hour))

	for i := range 3 {
		res, err := agg.ProcessQuestionWithAggregation(context.Background(), pending(fmt.Sprintf("m%d", i), "texto", time.Now()))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, 1, res.MessageCount)
	}
	assert.Len(t, proc.snapshot(), 3)
}

func TestCancelledDriverStillProcessesQueuedMessages(t *testing.T) {
	proc := &countingProcessor{}
	store := coordination.NewMemoryStore()
	agg := New(store, proc, testConfig(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan *Result, 1)
	go func() {
		res, err := agg.ProcessQuestionWithAggregation(ctx, pending("m1", "Quero", time.Now()))
		assert.NoError(t, err)
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)
	queued, err := agg.ProcessQuestionWithAggregation(context.Background(), pending("m2", "agendar uma consulta", time.Now()))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, queued.Status)
	cancel()

	driver := <-done
	require.NotNil(t, driver)
	assert.Equal(t, StatusProcessed, driver.Status)
	assert.Equal(t, []string{"m1", "m2"}, driver.MessageIDs)

	calls := proc.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "Quero\nagendar uma consulta", calls[0].Text)
	assert.True(t, calls[0].Aggregated)

	left, err := store.ListRange(context.Background(), agg.bufferKey("ctx-1"))
	require.NoError(t, err)
	assert.Empty(t, left)
	won, err := store.SetIfNotExists(context.Background(), agg.lockKey("ctx-1"), "next", time.Second)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestSingleMessageIsNotMarkedAggregated(t *testing.T) {
	proc := &countingProcessor{}
	agg := New(coordination.NewMemoryStore(), proc, testConfig(10*time.Millisecond))

	_, err := agg.ProcessQuestionWithAggregation(context.Background(), pending("m1", "oi", time.Now()))
	require.NoError(t, err)
	calls := proc.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Aggregated)
}
