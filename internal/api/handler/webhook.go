package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/analysis"
	"github.com/kiranshivaraju/reportforge/internal/api/response"
)

// maxIngestBytes bounds one webhook delivery.
const maxIngestBytes = 32 << 20

// Ingester accepts crawler results. *analysis.Pipeline implements it.
type Ingester interface {
	Ingest(ctx context.Context, jobID uuid.UUID, body []byte) (analysis.IngestResult, error)
}

// NewIngestHandler returns an http.HandlerFunc for
// POST /api/v1/webhooks/ingest?jobId=<id>. It answers once the analysis is
// scheduled, without waiting for it.
func NewIngestHandler(svc Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("jobId")
		if raw == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobId query parameter is required", nil)
			return
		}
		// No job can carry an id that does not parse.
		jobID, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook body exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Could not read request body", nil)
			return
		}

		res, err := svc.Ingest(r.Context(), jobID, body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}
