// logging.go -- request-scoped slog helpers. Every line carries the client
// address, route and chi request id, plus the user id once authenticated.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func reqAttrs(r *http.Request) []any {
	attrs := make([]any, 0, 12)
	attrs = append(attrs,
		"ip", clientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
		"user_agent", r.UserAgent(),
	)
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if p, ok := PrincipalFromContext(r.Context()); ok {
		attrs = append(attrs, "user_id", p.User.ID)
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	ctx := r.Context()
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	// The request context may already be cancelled; logging must not depend on it.
	slog.Default().Log(context.WithoutCancel(ctx), level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args) }
func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }
