// health.go -- Health check handler for GET /health.
package api

import (
	"errors"
	"net/http"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
)

// CheckHealth handles GET /health -- pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy (or Redis is disabled), 503 if either is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus := status(r, "postgres", h.postgres)
	redisStatus := status(r, "redis", h.redis)

	code := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}

func status(r *http.Request, name string, c HealthChecker) string {
	if c == nil {
		return "disabled"
	}
	if err := c.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			return "disabled"
		}
		logError(r, name+" health check failed", "error", err)
		return "error"
	}
	return "ok"
}
