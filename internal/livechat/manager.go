// Package livechat pushes conversation turns to websocket clients.
package livechat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Conn is the subset of *websocket.Conn the session manager needs.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type session struct {
	workspaceID string
	lastSeen    time.Time
}

// SessionManager tracks the sockets attached to each conversation.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[Conn]*session // contextID -> conn -> session
	now    func() time.Time
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[Conn]*session),
		now:    time.Now,
	}
}

// Register attaches conn to a conversation.
func (m *SessionManager) Register(workspaceID, contextID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[contextID]; !exists {
		m.active[contextID] = make(map[Conn]*session)
	}
	m.active[contextID][conn] = &session{workspaceID: workspaceID, lastSeen: m.now()}
	slog.Info("Live chat session registered", "workspace_id", workspaceID, "context_id", contextID)
}

// Unregister detaches conn. Unknown connections are ignored.
func (m *SessionManager) Unregister(contextID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[contextID]; ok {
		if _, exists := sessions[conn]; exists {
			delete(sessions, conn)
			if len(sessions) == 0 {
				delete(m.active, contextID)
			}
			slog.Info("Live chat session unregistered", "context_id", contextID)
		}
	}
}

// Touch records activity on conn.
func (m *SessionManager) Touch(contextID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[contextID][conn]; ok {
		s.lastSeen = m.now()
	}
}

// Count returns the number of sockets attached to a conversation.
func (m *SessionManager) Count(contextID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[contextID])
}

// Broadcast writes payload to every socket of the conversation that belongs
// to workspaceID and returns how many writes succeeded.
func (m *SessionManager) Broadcast(ctx context.Context, workspaceID, contextID string, payload []byte) int {
	m.mu.RLock()
	var targets []Conn
	for conn, s := range m.active[contextID] {
		if s.workspaceID == workspaceID {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			slog.Debug("Live chat broadcast failed", "context_id", contextID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// CloseIdle closes every socket silent for longer than ttl and returns how
// many were closed.
func (m *SessionManager) CloseIdle(ttl time.Duration) int {
	m.mu.Lock()
	cutoff := m.now().Add(-ttl)
	var idle []Conn
	for contextID, sessions := range m.active {
		for conn, s := range sessions {
			if s.lastSeen.Before(cutoff) {
				idle = append(idle, conn)
				delete(sessions, conn)
			}
		}
		if len(sessions) == 0 {
			delete(m.active, contextID)
		}
	}
	m.mu.Unlock()

	for _, conn := range idle {
		_ = conn.Close(websocket.StatusGoingAway, "idle timeout")
	}
	return len(idle)
}

// CloseContext terminates every socket attached to a conversation.
func (m *SessionManager) CloseContext(contextID string) {
	m.mu.Lock()
	sessions := m.active[contextID]
	delete(m.active, contextID)
	m.mu.Unlock()

	for conn := range sessions {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if len(sessions) > 0 {
		slog.Info("Live chat context closed", "context_id", contextID, "sessions", len(sessions))
	}
}
