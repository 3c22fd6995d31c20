package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/reportforge/internal/api/response"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck is one dependency probed by the health endpoint.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health that
// reports every check as "ok" or "degraded".
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		services := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			services[c.Name] = "ok"
			if err := c.Ping(ctx); err != nil {
				services[c.Name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
