package livechat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/goleak"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed websocket.StatusCode
	fail   bool
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, p)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = code
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func TestSessionManager_RegisterUnregister(t *testing.T) {
	sm := NewSessionManager()
	conn1, conn2 := &fakeConn{}, &fakeConn{}

	sm.Register("ws", "ctx-1", conn1)
	sm.Register("ws", "ctx-1", conn2)
	if got := sm.Count("ctx-1"); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	sm.Unregister("ctx-1", conn1)
	if got := sm.Count("ctx-1"); got != 1 {
		t.Fatalf("Count after unregister = %d, want 1", got)
	}

	// Stale unregister on another context is a no-op.
	sm.Unregister("ctx-2", conn2)
	if got := sm.Count("ctx-1"); got != 1 {
		t.Fatalf("Count after stale unregister = %d, want 1", got)
	}
}

func TestSessionManager_BroadcastScopesWorkspace(t *testing.T) {
	sm := NewSessionManager()
	mine, other, broken := &fakeConn{}, &fakeConn{}, &fakeConn{fail: true}
	sm.Register("ws-1", "ctx", mine)
	sm.Register("ws-2", "ctx", other)
	sm.Register("ws-1", "ctx", broken)

	if sent := sm.Broadcast(context.Background(), "ws-1", "ctx", []byte(`{}`)); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if mine.count() != 1 || other.count() != 0 {
		t.Fatalf("writes mine=%d other=%d", mine.count(), other.count())
	}
}

func TestSessionManager_CloseIdle(t *testing.T) {
	sm := NewSessionManager()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }

	stale, fresh := &fakeConn{}, &fakeConn{}
	sm.Register("ws", "ctx", stale)
	sm.Register("ws", "ctx", fresh)

	now = now.Add(10 * time.Minute)
	sm.Touch("ctx", fresh)
	now = now.Add(time.Minute)

	if n := sm.CloseIdle(5 * time.Minute); n != 1 {
		t.Fatalf("closed = %d, want 1", n)
	}
	if stale.closed != websocket.StatusGoingAway {
		t.Errorf("stale close code = %v", stale.closed)
	}
	if fresh.closed != 0 {
		t.Errorf("fresh connection was closed")
	}
	if got := sm.Count("ctx"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestSessionManager_CloseContext(t *testing.T) {
	sm := NewSessionManager()
	conn := &fakeConn{}
	sm.Register("ws", "ctx", conn)

	sm.CloseContext("ctx")
	if conn.closed != websocket.StatusNormalClosure {
		t.Errorf("close code = %v", conn.closed)
	}
	if sm.Count("ctx") != 0 {
		t.Error("context still registered")
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	sm := NewSessionManager()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.Register("ws", "ctx-"+strconv.Itoa(i%10), &fakeConn{})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.Broadcast(context.Background(), "ws", "ctx-"+strconv.Itoa(i%10), []byte(`{}`))
		}
	}()

	wg.Wait()
}

func TestStartIdleReaperStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	sm := NewSessionManager()
	conn := &fakeConn{}
	sm.Register("ws", "ctx", conn)
	sm.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := StartIdleReaper(ctx, sm, time.Minute, 5*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for sm.Count("ctx") != 0 {
		select {
		case <-deadline:
			t.Fatal("idle session was not reaped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
