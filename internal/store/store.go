package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStatusConflict is returned by PatchJob when an IfStatusIn guard does not
// match the job's current status. Nothing is written.
var ErrStatusConflict = errors.New("job status changed concurrently")

// SearchWindow is how many of the most recent records SearchJobs scans.
const SearchWindow = 100

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	KeyStore
}

// JobStore persists report job records. It does not enforce cross-field
// invariants; callers combine options so each patch is self-consistent.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	PatchJob(ctx context.Context, id uuid.UUID, opts ...JobPatchOption) error
	ListRecentJobs(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error)
	SearchJobs(ctx context.Context, ownerID uuid.UUID, needle string, limit int) ([]*models.Job, error)
	SoftDeleteJob(ctx context.Context, id uuid.UUID) error
	AppendJobLog(ctx context.Context, id uuid.UUID, message string, level models.LogLevel) error
	ListJobsByStatus(ctx context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error)
}

type KeyStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// JobPatch is the set of field changes a PatchJob call applies. Nil pointers
// leave the field untouched.
type JobPatch struct {
	Status           *models.JobStatus
	Results          []json.RawMessage
	SetResults       bool
	AnalysisPrompt   *string
	Report           *models.PayloadRef
	ClearReport      bool
	Error            *string
	ClearError       bool
	CompletedAt      *time.Time
	ClearCompletedAt bool
	Archived         *bool

	// ExpectStatus, when non-empty, makes the patch conditional on the
	// current status being one of these values.
	ExpectStatus []models.JobStatus
}

type JobPatchOption func(*JobPatch)

func WithStatus(s models.JobStatus) JobPatchOption {
	return func(p *JobPatch) { p.Status = &s }
}

func WithResults(results []json.RawMessage) JobPatchOption {
	return func(p *JobPatch) {
		p.Results = results
		p.SetResults = true
	}
}

func WithAnalysisPrompt(prompt string) JobPatchOption {
	return func(p *JobPatch) { p.AnalysisPrompt = &prompt }
}

func WithReport(ref models.PayloadRef) JobPatchOption {
	return func(p *JobPatch) {
		p.Report = &ref
		p.ClearReport = false
	}
}

func ClearReport() JobPatchOption {
	return func(p *JobPatch) {
		p.Report = nil
		p.ClearReport = true
	}
}

func WithError(msg string) JobPatchOption {
	return func(p *JobPatch) {
		p.Error = &msg
		p.ClearError = false
	}
}

func ClearError() JobPatchOption {
	return func(p *JobPatch) {
		p.Error = nil
		p.ClearError = true
	}
}

func WithCompletedAt(t time.Time) JobPatchOption {
	return func(p *JobPatch) {
		p.CompletedAt = &t
		p.ClearCompletedAt = false
	}
}

func ClearCompletedAt() JobPatchOption {
	return func(p *JobPatch) {
		p.CompletedAt = nil
		p.ClearCompletedAt = true
	}
}

func WithArchived(archived bool) JobPatchOption {
	return func(p *JobPatch) { p.Archived = &archived }
}

// IfStatusIn turns the patch into a compare-and-set on the job's status.
func IfStatusIn(statuses ...models.JobStatus) JobPatchOption {
	return func(p *JobPatch) { p.ExpectStatus = append(p.ExpectStatus, statuses...) }
}

// BuildPatch folds opts into a JobPatch.
func BuildPatch(opts ...JobPatchOption) JobPatch {
	var p JobPatch
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Allows reports whether the guard, if any, admits status.
func (p JobPatch) Allows(status models.JobStatus) bool {
	return len(p.ExpectStatus) == 0 || slices.Contains(p.ExpectStatus, status)
}

// Apply writes the patch onto j in memory.
func (p JobPatch) Apply(j *models.Job, now time.Time) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.SetResults {
		j.Results = cloneResults(p.Results)
	}
	if p.AnalysisPrompt != nil {
		s := *p.AnalysisPrompt
		j.AnalysisPrompt = &s
	}
	if p.Report != nil {
		ref := *p.Report
		j.Report = &ref
	} else if p.ClearReport {
		j.Report = nil
	}
	if p.Error != nil {
		s := *p.Error
		j.Error = &s
	} else if p.ClearError {
		j.Error = nil
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		j.CompletedAt = &t
	} else if p.ClearCompletedAt {
		j.CompletedAt = nil
	}
	if p.Archived != nil {
		j.Archived = *p.Archived
	}
	j.UpdatedAt = now
}

// MatchesNeedle is the search predicate shared by every JobStore: a
// case-insensitive substring match over prompt, title, the report summary's
// title and text, and the report's metric keys.
func MatchesNeedle(j *models.Job, needle string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	if needle == "" {
		return true
	}
	fields := []string{j.Prompt, j.Title}
	if j.Report != nil {
		fields = append(fields, j.Report.Summary.Title, j.Report.Summary.Summary)
		fields = append(fields, j.Report.Summary.MetricKeys()...)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

func cloneResults(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return []json.RawMessage{}
	}
	out := make([]json.RawMessage, len(in))
	for i, r := range in {
		out[i] = append(json.RawMessage(nil), r...)
	}
	return out
}
