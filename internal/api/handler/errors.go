package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/reportforge/internal/analysis"
	"github.com/kiranshivaraju/reportforge/internal/api/response"
	"github.com/kiranshivaraju/reportforge/internal/store"
)

type apiError struct {
	status  int
	code    string
	message string
}

// classifyError maps pipeline and store errors onto an HTTP status and error code.
func classifyError(r *http.Request, err error) apiError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apiError{http.StatusNotFound, "JOB_NOT_FOUND", "Job not found"}
	case errors.Is(err, analysis.ErrPreconditionFailed):
		return apiError{http.StatusConflict, "PRECONDITION_FAILED", err.Error()}
	case errors.Is(err, analysis.ErrReportNotReady):
		return apiError{http.StatusConflict, "REPORT_NOT_READY", err.Error()}
	case errors.Is(err, store.ErrStatusConflict):
		return apiError{http.StatusConflict, "STATUS_CONFLICT", "Job changed status concurrently"}
	case errors.Is(err, analysis.ErrIngestion):
		return apiError{http.StatusBadRequest, "INVALID_PAYLOAD", err.Error()}
	case errors.Is(err, analysis.ErrInvalidJob):
		return apiError{http.StatusBadRequest, "INVALID_REQUEST", err.Error()}
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		return apiError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}
	}
}

// writeError writes err in the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classifyError(r, err)
	response.Error(w, e.status, e.code, e.message, nil)
}
