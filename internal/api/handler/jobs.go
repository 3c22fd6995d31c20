// Package handler implements the HTTP endpoints of the report API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/analysis"
	mw "github.com/kiranshivaraju/reportforge/internal/api/middleware"
	"github.com/kiranshivaraju/reportforge/internal/api/response"
	"github.com/kiranshivaraju/reportforge/internal/payload"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxRequestBytes  = 64 * 1024
)

// JobService is the part of *analysis.Pipeline the job endpoints use.
type JobService interface {
	CreateJob(ctx context.Context, ownerID uuid.UUID, in analysis.CreateJobInput) (*models.Job, error)
	RetryAnalysisOnly(ctx context.Context, ownerID, jobID uuid.UUID) error
	View(ctx context.Context, ownerID, jobID uuid.UUID) (*analysis.JobView, error)
	Report(ctx context.Context, ownerID, jobID uuid.UUID) (payload.View, error)
	Status(ctx context.Context, ownerID, jobID uuid.UUID) (models.JobStatus, error)
	List(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]*models.Job, error)
	SoftDelete(ctx context.Context, ownerID, jobID uuid.UUID) error
}

// jobSummary is the list representation of a job: no results or logs.
type jobSummary struct {
	ID          uuid.UUID             `json:"id"`
	Title       string                `json:"title"`
	Kind        models.ReportKind     `json:"kind"`
	Status      models.JobStatus      `json:"status"`
	Error       *string               `json:"error,omitempty"`
	Documents   int                   `json:"documents"`
	Report      *models.ReportSummary `json:"report,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

func summarizeJob(j *models.Job) jobSummary {
	s := jobSummary{
		ID:          j.ID,
		Title:       j.Title,
		Kind:        j.Kind,
		Status:      j.Status,
		Error:       j.Error,
		Documents:   len(j.Results),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Report != nil {
		rs := j.Report.Summary
		s.Report = &rs
	}
	return s
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var in analysis.CreateJobInput
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&in); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		job, err := svc.CreateJob(r.Context(), tenantID, in)
		if errors.Is(err, analysis.ErrCrawler) && job != nil {
			response.Error(w, http.StatusBadGateway, "CRAWLER_UNAVAILABLE",
				"The crawler could not be started", map[string]any{"id": job.ID, "status": job.Status})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Created(w, map[string]any{"id": job.ID, "status": job.Status})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxListLimit)
		}
		query := r.URL.Query().Get("q")

		jobs, err := svc.List(r.Context(), tenantID, query, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		out := make([]jobSummary, len(jobs))
		for i, j := range jobs {
			out[i] = summarizeJob(j)
		}
		response.Collection(w, out, response.Meta{Count: len(out), Limit: limit, Query: query})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobRequest(w, r)
		if !ok {
			return
		}
		view, err := svc.View(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobRequest(w, r)
		if !ok {
			return
		}
		status, err := svc.Status(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"id": jobID, "status": status})
	}
}

// NewJobReportHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/report.
func NewJobReportHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobRequest(w, r)
		if !ok {
			return
		}
		view, err := svc.Report(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewRetryJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
// The analysis runs in the background; the response only confirms scheduling.
func NewRetryJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobRequest(w, r)
		if !ok {
			return
		}
		if err := svc.RetryAnalysisOnly(r.Context(), tenantID, jobID); err != nil {
			e := classifyError(r, err)
			response.Status(w, e.status, map[string]any{"ok": false, "error": e.message, "code": e.code})
			return
		}
		response.Accepted(w, map[string]any{"ok": true, "message": "analysis retry scheduled"})
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/delete.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		jobID, err := uuid.Parse(req.ID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
			return
		}

		if err := svc.SoftDelete(r.Context(), tenantID, jobID); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]bool{"ok": true})
	}
}

// jobRequest resolves the tenant and the {jobID} URL parameter, writing the
// error response itself when either is missing.
func jobRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, jobID, true
}
