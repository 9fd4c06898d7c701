package livechat

import (
	"context"
	"log/slog"
	"time"
)

// StartIdleReaper periodically closes sockets idle for longer than ttl. The
// returned channel is closed once the worker has stopped after ctx ends.
func StartIdleReaper(ctx context.Context, sm *SessionManager, ttl, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Idle reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := sm.CloseIdle(ttl); n > 0 {
					slog.Info("Idle live chat sessions closed", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Idle reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}
