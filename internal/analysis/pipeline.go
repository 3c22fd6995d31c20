// Package analysis runs the report job pipeline: job creation, webhook
// ingestion, background AI analysis, citation validation, and retry.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/cache"
	"github.com/kiranshivaraju/reportforge/internal/crawler"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
	"github.com/kiranshivaraju/reportforge/internal/payload"
	"github.com/kiranshivaraju/reportforge/internal/queue"
	"github.com/kiranshivaraju/reportforge/internal/store"
	"github.com/kiranshivaraju/reportforge/internal/validator"
	"github.com/kiranshivaraju/reportforge/pkg/models"
	"github.com/kiranshivaraju/reportforge/pkg/prompt"
)

const (
	defaultTitle      = "Untitled report"
	titleMaxBytes     = 120
	recoveryLimit     = 1000
	activeStatusTTL   = 5 * time.Second
	terminalStatusTTL = time.Minute
)

// Analyzer is the AI capability. *ai.Service implements it.
type Analyzer interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (models.Report, error)
	Provider() string
}

// SourceValidator checks citation URLs. *validator.Validator implements it.
type SourceValidator interface {
	Validate(ctx context.Context, urls []string, timeout time.Duration) (validator.Result, error)
}

// Pipeline owns every job status transition.
type Pipeline struct {
	store     store.JobStore
	payloads  *payload.Store
	analyzer  Analyzer
	validator SourceValidator
	queue     queue.Queue

	cache         cache.Cache
	crawler       crawler.Client
	publicBaseURL string
	probeTimeout  time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache enables the job status fast path.
func WithCache(c cache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithCrawler makes CreateJob start a crawler run whose results are posted
// back to the ingest webhook under publicBaseURL.
func WithCrawler(c crawler.Client, publicBaseURL string) Option {
	return func(p *Pipeline) {
		p.crawler = c
		p.publicBaseURL = strings.TrimRight(publicBaseURL, "/")
	}
}

// WithProbeTimeout sets the per-URL timeout used when validating citations.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.probeTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(st store.JobStore, payloads *payload.Store, analyzer Analyzer, v SourceValidator, q queue.Queue, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     st,
		payloads:  payloads,
		analyzer:  analyzer,
		validator: v,
		queue:     q,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// --- Creation ---

// CreateJobInput is the body of a create request. Every field is optional.
type CreateJobInput struct {
	Title  string            `json:"title"`
	Prompt string            `json:"prompt"`
	Kind   models.ReportKind `json:"kind"`
}

// CreateJob inserts a pending job owned by ownerID. When a crawler is
// configured a run is started for it; if that fails the job is marked failed
// and ErrCrawler is returned together with the job.
func (p *Pipeline) CreateJob(ctx context.Context, ownerID uuid.UUID, in CreateJobInput) (*models.Job, error) {
	kind := in.Kind
	if kind == "" {
		kind = models.ReportKindSEO
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown report kind %q", ErrInvalidJob, kind)
	}

	now := p.now()
	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Kind:      kind,
		Title:     deriveTitle(in.Title, in.Prompt),
		Prompt:    strings.TrimSpace(in.Prompt),
		Status:    models.JobStatusPending,
		Results:   []json.RawMessage{},
		Logs:      []models.LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(models.JobStatusPending)).Inc()
	p.appendLog(ctx, job.ID, models.LogLevelInfo, "job created")

	if p.crawler == nil {
		return job, nil
	}

	run, err := p.crawler.StartRun(ctx, crawler.RunRequest{
		JobID:      job.ID,
		Prompt:     job.Prompt,
		WebhookURL: p.webhookURL(job.ID),
	})
	if err != nil {
		msg := fmt.Sprintf("start crawler run: %v", err)
		if ferr := p.fail(ctx, job.ID, msg); ferr != nil {
			p.logger.Error("failed to record crawler failure", "job_id", job.ID, "error", ferr)
		}
		job.Status = models.JobStatusFailed
		job.Error = &msg
		return job, fmt.Errorf("%w: %v", ErrCrawler, err)
	}
	p.appendLog(ctx, job.ID, models.LogLevelInfo, fmt.Sprintf("crawler run %s started", run.ID))
	return job, nil
}

func (p *Pipeline) webhookURL(jobID uuid.UUID) string {
	q := url.Values{"jobId": {jobID.String()}}
	return p.publicBaseURL + "/api/v1/webhooks/ingest?" + q.Encode()
}

// --- Ingestion ---

// IngestResult describes an accepted webhook delivery.
type IngestResult struct {
	JobID     uuid.UUID        `json:"job_id"`
	Documents int              `json:"documents"`
	Status    models.JobStatus `json:"status"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// Ingest stores the documents pushed for a pending job and schedules its
// analysis. It returns once the task is enqueued. A delivery for a job that
// already left pending is acknowledged without changes.
func (p *Pipeline) Ingest(ctx context.Context, jobID uuid.UUID, body []byte) (IngestResult, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("resolve job: %w", err)
	}

	if job.Status != models.JobStatusPending {
		p.logger.Info("duplicate ingestion ignored", "job_id", jobID, "status", job.Status)
		return IngestResult{JobID: jobID, Documents: len(job.Results), Status: job.Status, Duplicate: true}, nil
	}

	docs, err := decodeDocuments(body)
	if err != nil {
		msg := err.Error()
		if ferr := p.fail(ctx, jobID, msg); ferr != nil {
			p.logger.Error("failed to record ingestion failure", "job_id", jobID, "error", ferr)
		}
		return IngestResult{}, err
	}

	err = p.store.PatchJob(ctx, jobID, ingestPatch(docs)...)
	if errors.Is(err, store.ErrStatusConflict) {
		p.logger.Info("concurrent ingestion ignored", "job_id", jobID)
		current, gerr := p.store.GetJob(ctx, jobID)
		if gerr != nil {
			return IngestResult{}, fmt.Errorf("resolve job: %w", gerr)
		}
		return IngestResult{JobID: jobID, Documents: len(current.Results), Status: current.Status, Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, p.failWith(ctx, jobID, fmt.Errorf("persist results: %w", err))
	}
	p.committed(ctx, jobID, models.JobStatusRunning)
	p.appendLog(ctx, jobID, models.LogLevelInfo, fmt.Sprintf("received %d document(s)", len(docs)))

	if _, err := p.Schedule(ctx, jobID); err != nil {
		if !errors.Is(err, store.ErrStatusConflict) {
			return IngestResult{}, err
		}
		// A concurrent retry may have scheduled the analysis already.
		current, gerr := p.store.GetJob(ctx, jobID)
		if gerr != nil {
			return IngestResult{}, fmt.Errorf("resolve job: %w", gerr)
		}
		if current.Status != models.JobStatusAnalyzing {
			return IngestResult{}, fmt.Errorf("schedule analysis: job moved to %s before scheduling", current.Status)
		}
		p.logger.Info("analysis already scheduled", "job_id", jobID)
		return IngestResult{JobID: jobID, Documents: len(current.Results), Status: current.Status, Duplicate: true}, nil
	}
	return IngestResult{JobID: jobID, Documents: len(docs), Status: models.JobStatusAnalyzing}, nil
}

// decodeDocuments accepts one JSON object or a non-empty array of documents.
func decodeDocuments(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrIngestion)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrIngestion)
	}

	var docs []json.RawMessage
	switch body[0] {
	case '{':
		docs = []json.RawMessage{body}
	case '[':
		if err := json.Unmarshal(body, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIngestion, err)
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("%w: no documents", ErrIngestion)
		}
	default:
		return nil, fmt.Errorf("%w: body must be a JSON object or array", ErrIngestion)
	}

	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		var buf bytes.Buffer
		if err := json.Compact(&buf, d); err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrIngestion, i, err)
		}
		out[i] = buf.Bytes()
	}
	return out, nil
}

// --- Scheduling ---

// Schedule moves a freshly ingested job to analyzing and enqueues its
// analysis. The caller does not wait for the task; if it cannot be enqueued
// the job is marked failed.
func (p *Pipeline) Schedule(ctx context.Context, jobID uuid.UUID) (queue.Task, error) {
	if err := p.store.PatchJob(ctx, jobID, schedulePatch()...); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return queue.Task{}, fmt.Errorf("schedule analysis: %w", err)
		}
		return queue.Task{}, p.failWith(ctx, jobID, fmt.Errorf("schedule analysis: %w", err))
	}
	p.committed(ctx, jobID, models.JobStatusAnalyzing)
	return p.enqueue(ctx, jobID)
}

func (p *Pipeline) enqueue(ctx context.Context, jobID uuid.UUID) (queue.Task, error) {
	task, err := p.queue.Enqueue(ctx, jobID)
	if err != nil {
		return queue.Task{}, p.failWith(ctx, jobID, fmt.Errorf("enqueue analysis: %w", err))
	}
	p.logger.Info("analysis scheduled", "job_id", jobID, "task_id", task.ID)
	p.appendLog(ctx, jobID, models.LogLevelInfo, "analysis scheduled")
	return task, nil
}

// Process is the queue handler. It returns an error only when no outcome
// could be recorded on the job, which asks the queue to deliver it again.
func (p *Pipeline) Process(ctx context.Context, task queue.Task) (err error) {
	job, err := p.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("task for unknown job dropped", "job_id", task.JobID, "task_id", task.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job.Status != models.JobStatusAnalyzing {
		p.logger.Info("task skipped, job not analyzing", "job_id", job.ID, "status", job.Status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during analysis", "job_id", job.ID, "panic", r)
			err = p.fail(ctx, job.ID, fmt.Sprintf("analysis panicked: %v", r))
		}
	}()

	if runErr := p.analyze(ctx, job); runErr != nil {
		p.logger.Warn("analysis failed", "job_id", job.ID, "error", runErr)
		return p.fail(ctx, job.ID, runErr.Error())
	}
	return nil
}

// analyze runs one analysis for job and commits the completed report.
func (p *Pipeline) analyze(ctx context.Context, job *models.Job) error {
	analysisPrompt := p.analysisPromptFor(job)
	if job.AnalysisPrompt == nil {
		if err := p.store.PatchJob(ctx, job.ID, store.WithAnalysisPrompt(analysisPrompt)); err != nil {
			return fmt.Errorf("persist analysis prompt: %w", err)
		}
	}

	provider := p.analyzer.Provider()
	p.appendLog(ctx, job.ID, models.LogLevelInfo, fmt.Sprintf("analysis started (provider %s, %d document(s))", provider, len(job.Results)))

	start := time.Now()
	report, err := p.analyzer.Analyze(ctx, models.AnalysisRequest{
		JobID:   job.ID,
		Kind:    job.Kind,
		Prompt:  analysisPrompt,
		Results: job.Results,
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.AnalysisDuration.WithLabelValues(provider, outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	p.validateCitations(ctx, job.ID, &report)

	ref, err := p.payloads.Save(ctx, job.ID, report)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	err = p.store.PatchJob(ctx, job.ID, completePatch(ref, p.now())...)
	if errors.Is(err, store.ErrStatusConflict) {
		// The job was reset or failed while this run was in flight.
		p.logger.Info("stale analysis result discarded", "job_id", job.ID)
		if derr := p.payloads.Delete(ctx, ref); derr != nil {
			p.logger.Warn("failed to delete stale report blob", "job_id", job.ID, "blob_key", ref.BlobKey, "error", derr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	p.committed(ctx, job.ID, models.JobStatusCompleted)
	p.appendLog(ctx, job.ID, models.LogLevelInfo, fmt.Sprintf("analysis completed (%s, %d bytes)", ref.Mode, ref.Size))
	return nil
}

// validateCitations annotates report with probe results. Validation is
// best-effort and never fails the job.
func (p *Pipeline) validateCitations(ctx context.Context, jobID uuid.UUID, report *models.Report) {
	urls := ExtractCitations(*report)
	if len(urls) == 0 {
		return
	}
	res, err := p.validator.Validate(ctx, urls, p.probeTimeout)
	if err != nil {
		p.logger.Warn("citation validation skipped", "job_id", jobID, "error", err)
		p.appendLog(ctx, jobID, models.LogLevelWarn, fmt.Sprintf("citation validation skipped: %v", err))
		return
	}
	AnnotateCitations(report, res.Results)
	level := models.LogLevelInfo
	if len(res.Invalid) > 0 {
		level = models.LogLevelWarn
	}
	p.appendLog(ctx, jobID, level, fmt.Sprintf("validated %d source(s): %d ok, %d failed", len(res.Results), len(res.Valid), len(res.Invalid)))
}

func (p *Pipeline) analysisPromptFor(job *models.Job) string {
	if job.AnalysisPrompt != nil && *job.AnalysisPrompt != "" {
		return *job.AnalysisPrompt
	}
	return prompt.BuildAnalysisPrompt(prompt.Params{
		Kind:          job.Kind,
		Title:         job.Title,
		UserPrompt:    job.Prompt,
		DocumentCount: len(job.Results),
	})
}

// --- Retry ---

// RetryAnalysisOnly re-runs analysis over the results already collected for a
// job, without contacting the crawler. A job without results or without any
// prompt yields ErrPreconditionFailed and is left untouched.
func (p *Pipeline) RetryAnalysisOnly(ctx context.Context, ownerID, jobID uuid.UUID) error {
	job, err := p.Get(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if len(job.Results) == 0 {
		return fmt.Errorf("%w: job has no collected results", ErrPreconditionFailed)
	}
	if !hasPrompt(job) {
		return fmt.Errorf("%w: job has no prompt to analyze with", ErrPreconditionFailed)
	}

	err = p.store.PatchJob(ctx, jobID, retryPatch()...)
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: job cannot be retried from its current status", ErrPreconditionFailed)
	}
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	p.committed(ctx, jobID, models.JobStatusAnalyzing)
	p.appendLog(ctx, jobID, models.LogLevelInfo, "analysis retry requested")

	if job.Report != nil {
		if err := p.payloads.Delete(ctx, *job.Report); err != nil {
			p.logger.Warn("previous report blob not removed", "job_id", jobID, "key", job.Report.BlobKey, "error", err)
		}
	}

	_, err = p.enqueue(ctx, jobID)
	return err
}

func hasPrompt(job *models.Job) bool {
	if job.AnalysisPrompt != nil && strings.TrimSpace(*job.AnalysisPrompt) != "" {
		return true
	}
	return strings.TrimSpace(job.Prompt) != "" || strings.TrimSpace(job.Title) != ""
}

// --- Recovery ---

// Recover re-enqueues jobs left analyzing and schedules jobs left running by
// a previous process. It is meant for queues that do not persist tasks.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	jobs, err := p.store.ListJobsByStatus(ctx, []models.JobStatus{models.JobStatusRunning, models.JobStatusAnalyzing}, recoveryLimit)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		switch {
		case job.Status == models.JobStatusAnalyzing:
			_, err = p.enqueue(ctx, job.ID)
		case len(job.Results) > 0:
			_, err = p.Schedule(ctx, job.ID)
		default:
			err = p.fail(ctx, job.ID, "interrupted before results were persisted")
		}
		if err != nil {
			p.logger.Error("job recovery failed", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		p.logger.Info("recovered unfinished jobs", "count", recovered)
	}
	return recovered, nil
}

// --- Reads ---

// Get returns a job owned by ownerID. Jobs of other owners are reported as
// store.ErrNotFound.
func (p *Pipeline) Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// JobView is a job with its report resolved as far as a metadata read allows:
// inline reports in full, blob reports as their summary.
type JobView struct {
	*models.Job
	ReportView *payload.View `json:"report_view,omitempty"`
}

func (p *Pipeline) View(ctx context.Context, ownerID, jobID uuid.UUID) (*JobView, error) {
	job, err := p.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: job}
	if job.Report != nil {
		var v payload.View
		if job.Report.Mode == models.PayloadInline {
			v = p.payloads.Resolve(ctx, *job.Report)
		} else {
			v = payload.View{Summary: job.Report.Summary}
		}
		view.ReportView = &v
	}
	return view, nil
}

// Report resolves the full report of a completed job, degrading to the
// stored summary when the blob cannot be read.
func (p *Pipeline) Report(ctx context.Context, ownerID, jobID uuid.UUID) (payload.View, error) {
	job, err := p.Get(ctx, ownerID, jobID)
	if err != nil {
		return payload.View{}, err
	}
	if job.Report == nil {
		return payload.View{}, fmt.Errorf("%w: job is %s", ErrReportNotReady, job.Status)
	}
	return p.payloads.Resolve(ctx, *job.Report), nil
}

// Status returns a job's status, served from the cache when possible.
func (p *Pipeline) Status(ctx context.Context, ownerID, jobID uuid.UUID) (models.JobStatus, error) {
	if p.cache != nil {
		entry, found, err := p.cache.GetJobStatus(ctx, jobID)
		if err != nil {
			p.logger.Warn("status cache read failed", "job_id", jobID, "error", err)
		} else if found {
			if entry.OwnerID != ownerID {
				return "", store.ErrNotFound
			}
			return entry.Status, nil
		}
	}

	job, err := p.Get(ctx, ownerID, jobID)
	if err != nil {
		return "", err
	}
	if p.cache != nil {
		ttl := activeStatusTTL
		if job.Status.IsTerminal() {
			ttl = terminalStatusTTL
		}
		entry := cache.JobStatusEntry{OwnerID: job.OwnerID, Status: job.Status}
		if err := p.cache.SetJobStatus(ctx, jobID, entry, ttl); err != nil {
			p.logger.Warn("status cache write failed", "job_id", jobID, "error", err)
		}
	}
	return job.Status, nil
}

// List returns recent jobs, or the jobs matching query when it is non-empty.
func (p *Pipeline) List(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]*models.Job, error) {
	if strings.TrimSpace(query) != "" {
		return p.store.SearchJobs(ctx, ownerID, query, limit)
	}
	return p.store.ListRecentJobs(ctx, ownerID, limit)
}

// SoftDelete archives a job. Archiving an archived job succeeds.
func (p *Pipeline) SoftDelete(ctx context.Context, ownerID, jobID uuid.UUID) error {
	if _, err := p.Get(ctx, ownerID, jobID); err != nil {
		return err
	}
	if err := p.store.SoftDeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	return nil
}

// --- Helpers ---

// fail records msg on the job and moves it to failed. A job that already left
// the non-terminal statuses is left alone. The returned error is non-nil
// only when the store could not be written.
func (p *Pipeline) fail(ctx context.Context, jobID uuid.UUID, msg string) error {
	err := p.store.PatchJob(ctx, jobID, failPatch(msg, p.now())...)
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	p.committed(ctx, jobID, models.JobStatusFailed)
	p.appendLog(ctx, jobID, models.LogLevelError, msg)
	return nil
}

// failWith marks the job failed with cause and returns cause.
func (p *Pipeline) failWith(ctx context.Context, jobID uuid.UUID, cause error) error {
	if err := p.fail(ctx, jobID, cause.Error()); err != nil {
		p.logger.Error("failed to record job failure", "job_id", jobID, "cause", cause, "error", err)
	}
	return cause
}

// committed runs the bookkeeping that follows a successful transition.
func (p *Pipeline) committed(ctx context.Context, jobID uuid.UUID, status models.JobStatus) {
	metrics.JobTransitions.WithLabelValues(string(status)).Inc()
	p.logger.Info("job transitioned", "job_id", jobID, "status", status)
	if p.cache != nil {
		if err := p.cache.DeleteJobStatus(ctx, jobID); err != nil {
			p.logger.Warn("status cache invalidation failed", "job_id", jobID, "error", err)
		}
	}
}

func (p *Pipeline) appendLog(ctx context.Context, jobID uuid.UUID, level models.LogLevel, msg string) {
	if err := p.store.AppendJobLog(ctx, jobID, msg, level); err != nil {
		p.logger.Warn("job log append failed", "job_id", jobID, "error", err)
	}
}

func deriveTitle(title, userPrompt string) string {
	if t := strings.TrimSpace(title); t != "" {
		return truncate(t, titleMaxBytes)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(userPrompt), "\n")
	if line = strings.TrimSpace(line); line != "" {
		return truncate(line, titleMaxBytes)
	}
	return defaultTitle
}

// truncate shortens s to at most maxBytes without splitting a rune.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
