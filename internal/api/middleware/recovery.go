package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/reportforge/internal/api/response"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
)

// Recovery turns a handler panic into a 500 and logs it with the matched
// route and, on per-job routes, the job id.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				route := routePattern(r)
				attrs := []any{
					"error", err,
					"method", r.Method,
					"route", route,
					"path", r.URL.Path,
				}
				if jobID := chi.URLParam(r, "jobID"); jobID != "" {
					attrs = append(attrs, "job_id", jobID)
				}
				attrs = append(attrs, "stack", string(debug.Stack()))
				slog.Error("panic recovered", attrs...)
				metrics.HTTPPanics.WithLabelValues(route).Inc()

				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
