// Package identity scopes requests to a workspace. It is not authentication.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	WorkspaceHeaderName = "X-Workspace-ID"
	BotHeaderName       = "X-Bot-ID"
	workspaceQueryParam = "workspace_id"
)

type contextKey int

const (
	workspaceIDKey contextKey = iota
	botIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// WorkspaceIDFromContext extracts the workspace ID from the request context.
func WorkspaceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceIDKey).(string); ok {
		return v
	}
	return ""
}

// BotIDFromContext extracts the optional bot/channel ID from the request context.
func BotIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(botIDKey).(string); ok {
		return v
	}
	return ""
}

// WithWorkspace returns ctx scoped to workspaceID.
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, workspaceID)
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return ""
	}
	return id
}

func workspaceIDFromRequest(r *http.Request) string {
	ws := r.Header.Get(WorkspaceHeaderName)
	if ws == "" {
		ws = r.URL.Query().Get(workspaceQueryParam)
	}
	return sanitizeID(ws)
}

// Middleware injects the workspace scope from the X-Workspace-ID header (or
// workspace_id query parameter, for websocket clients). Requests without a
// valid workspace use defaultWorkspace, or are rejected when it is empty.
func Middleware(defaultWorkspace string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws := workspaceIDFromRequest(r)
			if ws == "" {
				ws = defaultWorkspace
			}
			if ws == "" {
				http.Error(w, `{"error":"workspace id required"}`, http.StatusBadRequest)
				return
			}

			ctx := WithWorkspace(r.Context(), ws)
			if bot := sanitizeID(r.Header.Get(BotHeaderName)); bot != "" {
				ctx = context.WithValue(ctx, botIDKey, bot)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
