package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kiranshivaraju/reportforge/internal/api/response"
	"github.com/kiranshivaraju/reportforge/internal/validator"
)

const (
	maxValidateURLs  = 200
	maxValidateProbe = 30 * time.Second
)

// SourceValidator probes URLs. *validator.Validator implements it.
type SourceValidator interface {
	Validate(ctx context.Context, urls []string, timeout time.Duration) (validator.Result, error)
}

// NewValidateHandler returns an http.HandlerFunc for POST /api/v1/validate.
func NewValidateHandler(v SourceValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URLs      []string `json:"urls"`
			TimeoutMS int      `json:"timeout_ms"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.URLs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "urls is required", nil)
			return
		}
		if len(req.URLs) > maxValidateURLs {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "too many urls",
				map[string]int{"max": maxValidateURLs})
			return
		}
		if req.TimeoutMS < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "timeout_ms must not be negative", nil)
			return
		}
		timeout := min(time.Duration(req.TimeoutMS)*time.Millisecond, maxValidateProbe)

		res, err := v.Validate(r.Context(), req.URLs, timeout)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}
