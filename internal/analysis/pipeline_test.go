package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/ai"
	"github.com/kiranshivaraju/reportforge/internal/ai/mock"
	"github.com/kiranshivaraju/reportforge/internal/cache"
	"github.com/kiranshivaraju/reportforge/internal/crawler"
	"github.com/kiranshivaraju/reportforge/internal/payload"
	"github.com/kiranshivaraju/reportforge/internal/queue"
	"github.com/kiranshivaraju/reportforge/internal/store"
	"github.com/kiranshivaraju/reportforge/internal/validator"
	"github.com/kiranshivaraju/reportforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles ---

// recordingQueue keeps enqueued tasks for the test to run by hand.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID uuid.UUID) (queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Task{}, q.err
	}
	t := queue.NewTask(jobID)
	q.tasks = append(q.tasks, t)
	return t, nil
}

func (q *recordingQueue) Run(context.Context, queue.Handler) error { return nil }
func (q *recordingQueue) Close() error                             { return nil }

func (q *recordingQueue) drain() []queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

// stubValidator marks every URL ok unless listed in bad.
type stubValidator struct {
	bad   map[string]bool
	err   error
	calls int
}

func (v *stubValidator) Validate(_ context.Context, urls []string, _ time.Duration) (validator.Result, error) {
	v.calls++
	if v.err != nil {
		return validator.Result{}, v.err
	}
	var res validator.Result
	for _, u := range urls {
		c := validator.Check{URL: u, OK: !v.bad[u], StatusCode: 200}
		if !c.OK {
			c.StatusCode = 404
			c.Error = "http 404"
			res.Invalid = append(res.Invalid, u)
		} else {
			res.Valid = append(res.Valid, u)
		}
		res.Results = append(res.Results, c)
	}
	return res, nil
}

type stubCrawler struct {
	err  error
	reqs []crawler.RunRequest
}

func (c *stubCrawler) StartRun(_ context.Context, req crawler.RunRequest) (crawler.Run, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return crawler.Run{}, c.err
	}
	return crawler.Run{ID: "run-1"}, nil
}

func (c *stubCrawler) Ready(context.Context) error { return nil }

// mapCache is an in-memory cache.Cache.
type mapCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]cache.JobStatusEntry
}

func newMapCache() *mapCache { return &mapCache{entries: map[uuid.UUID]cache.JobStatusEntry{}} }

func (c *mapCache) Ping(context.Context) error { return nil }
func (c *mapCache) SetJobStatus(_ context.Context, id uuid.UUID, e cache.JobStatusEntry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = e
	return nil
}
func (c *mapCache) GetJobStatus(_ context.Context, id uuid.UUID) (cache.JobStatusEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok, nil
}
func (c *mapCache) DeleteJobStatus(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}
func (c *mapCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

// hookStore runs beforePatch ahead of the n-th PatchJob call (1-based), to
// interleave a competing writer between two steps of the pipeline.
type hookStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	calls       int
	at          int
	beforePatch func()
}

func (s *hookStore) PatchJob(ctx context.Context, id uuid.UUID, opts ...store.JobPatchOption) error {
	s.mu.Lock()
	s.calls++
	fire := s.calls == s.at
	s.mu.Unlock()
	if fire && s.beforePatch != nil {
		s.beforePatch()
	}
	return s.MemoryStore.PatchJob(ctx, id, opts...)
}

// hookAnalyzer runs during before delegating to the wrapped analyzer.
type hookAnalyzer struct {
	Analyzer
	during func()
}

func (a *hookAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (models.Report, error) {
	if a.during != nil {
		a.during()
	}
	return a.Analyzer.Analyze(ctx, req)
}

// --- harness ---

type harness struct {
	p         *Pipeline
	store     *store.MemoryStore
	blobs     *payload.MemoryBlobStore
	queue     *recordingQueue
	validator *stubValidator
	provider  *mock.MockProvider
	owner     uuid.UUID
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		blobs:     payload.NewMemoryBlobStore(),
		queue:     &recordingQueue{},
		validator: &stubValidator{bad: map[string]bool{}},
		provider:  mock.NewMockProvider(),
		owner:     uuid.New(),
	}
	payloads := payload.New(h.blobs, payload.Options{Threshold: 64 * 1024, CacheSize: 16})
	h.p = New(h.store, payloads, ai.NewService(h.provider, time.Second), h.validator, h.queue, opts...)
	return h
}

func (h *harness) create(t *testing.T) *models.Job {
	t.Helper()
	job, err := h.p.CreateJob(context.Background(), h.owner, CreateJobInput{Prompt: "Bakeries in Porto"})
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// runTasks processes every queued task once.
func (h *harness) runTasks(t *testing.T) {
	t.Helper()
	for _, task := range h.queue.drain() {
		require.NoError(t, h.p.Process(context.Background(), task))
	}
}

func assertLifecycleInvariants(t *testing.T, job *models.Job) {
	t.Helper()
	assert.Equal(t, job.Status.IsTerminal(), job.CompletedAt != nil,
		"completedAt must be set iff terminal (status %s)", job.Status)
	if job.Report != nil {
		assert.Equal(t, models.JobStatusCompleted, job.Status, "report present on %s job", job.Status)
	}
	if job.Error != nil {
		assert.Equal(t, models.JobStatusFailed, job.Status, "error present on %s job", job.Status)
	}
}

// --- CreateJob ---

func TestCreateJob_Defaults(t *testing.T) {
	h := newHarness(t)
	job, err := h.p.CreateJob(context.Background(), h.owner, CreateJobInput{})
	require.NoError(t, err)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, models.ReportKindSEO, stored.Kind)
	assert.Equal(t, "Untitled report", stored.Title)
	assert.Empty(t, stored.Results)
	assert.False(t, stored.Archived)
	assert.Nil(t, stored.CompletedAt)
	assert.Equal(t, h.owner, stored.OwnerID)
	require.Len(t, stored.Logs, 1)
	assert.Equal(t, "job created", stored.Logs[0].Message)
}

func TestCreateJob_TitleFromPrompt(t *testing.T) {
	h := newHarness(t)
	job, err := h.p.CreateJob(context.Background(), h.owner, CreateJobInput{
		Prompt: "  Churn drivers for Q3\nuse the survey exports",
		Kind:   models.ReportKindInsight,
	})
	require.NoError(t, err)
	assert.Equal(t, "Churn drivers for Q3", job.Title)
	assert.Equal(t, models.ReportKindInsight, job.Kind)
}

func TestCreateJob_InvalidKind(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.CreateJob(context.Background(), h.owner, CreateJobInput{Kind: models.ReportKindOpaque})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestCreateJob_StartsCrawler(t *testing.T) {
	c := &stubCrawler{}
	h := newHarness(t, WithCrawler(c, "https://rf.example/"))

	job := h.create(t)
	require.Len(t, c.reqs, 1)
	assert.Equal(t, job.ID, c.reqs[0].JobID)
	assert.Equal(t, "https://rf.example/api/v1/webhooks/ingest?jobId="+job.ID.String(), c.reqs[0].WebhookURL)
	assert.Equal(t, models.JobStatusPending, h.job(t, job.ID).Status)
}

func TestCreateJob_CrawlerFailureFailsJob(t *testing.T) {
	c := &stubCrawler{err: crawler.ErrCrawlerUnreachable}
	h := newHarness(t, WithCrawler(c, "https://rf.example"))

	job, err := h.p.CreateJob(context.Background(), h.owner, CreateJobInput{Prompt: "x"})
	assert.ErrorIs(t, err, ErrCrawler)
	require.NotNil(t, job)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "crawler unreachable")
	assertLifecycleInvariants(t, stored)
}

// --- Ingestion ---

func TestIngest_ObjectBodySchedulesAnalysis(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	res, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, models.JobStatusAnalyzing, res.Status)
	assert.False(t, res.Duplicate)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusAnalyzing, stored.Status)
	require.Len(t, stored.Results, 1)
	assert.JSONEq(t, `{"a":1}`, string(stored.Results[0]))
	assertLifecycleInvariants(t, stored)

	tasks := h.queue.drain()
	require.Len(t, tasks, 1)
	assert.Equal(t, job.ID, tasks[0].JobID)
}

func TestIngest_ArrayBody(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	res, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"url":"https://a.example"}, {"url":"https://b.example"}, "plain"]`))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Documents)
	assert.Len(t, h.job(t, job.ID).Results, 3)
}

func TestIngest_UnknownJob(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.Ingest(context.Background(), uuid.New(), []byte(`{"a":1}`))
	assert.ErrorIs(t, err, store.ErrNotFound)

	jobs, err := h.store.ListRecentJobs(context.Background(), h.owner, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.queue.drain())
}

func TestIngest_MalformedBodyFailsJob(t *testing.T) {
	bodies := map[string]string{
		"not json":    `{"a":`,
		"scalar":      `42`,
		"string":      `"hello"`,
		"empty array": `[]`,
		"empty":       ``,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			job := h.create(t)

			_, err := h.p.Ingest(context.Background(), job.ID, []byte(body))
			assert.ErrorIs(t, err, ErrIngestion)

			stored := h.job(t, job.ID)
			assert.Equal(t, models.JobStatusFailed, stored.Status)
			assert.Empty(t, stored.Results)
			assertLifecycleInvariants(t, stored)
			assert.Empty(t, h.queue.drain())
		})
	}
}

func TestIngest_DuplicateDeliveryIsIgnored(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)
	h.queue.drain()

	res, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"b":2},{"c":3}]`))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, res.Documents)

	stored := h.job(t, job.ID)
	require.Len(t, stored.Results, 1)
	assert.JSONEq(t, `{"a":1}`, string(stored.Results[0]))
	assert.Empty(t, h.queue.drain())
}

func TestIngest_EnqueueFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.queue.err = queue.ErrClosed
	job := h.create(t)

	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	assert.ErrorIs(t, err, queue.ErrClosed)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.Len(t, stored.Results, 1, "results persisted before scheduling are kept")
	assertLifecycleInvariants(t, stored)
}

// --- Analysis ---

func TestProcess_CompletesJob(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"url":"https://a.example","title":"A"},{"url":"https://b.example"}]`))
	require.NoError(t, err)

	h.runTasks(t)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.Report)
	assert.Nil(t, stored.Error)
	require.NotNil(t, stored.AnalysisPrompt)
	assert.Contains(t, *stored.AnalysisPrompt, "Bakeries in Porto")
	assertLifecycleInvariants(t, stored)

	view, err := h.p.Report(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Report)
	assert.False(t, view.Degraded)
	assert.Len(t, view.Report.Citations, 2)
	assert.Equal(t, 1, h.validator.calls)
}

func TestProcess_InvalidCitationsDoNotFailJob(t *testing.T) {
	h := newHarness(t)
	h.validator.bad["https://dead.example"] = true
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"url":"https://dead.example"}]`))
	require.NoError(t, err)

	h.runTasks(t)

	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
	view, err := h.p.Report(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	require.Len(t, view.Report.Citations, 1)
	assert.False(t, view.Report.Citations[0].OK)
	assert.Equal(t, 1, view.Summary.MetricCounts["citations"])
	assert.Equal(t, 0, view.Summary.MetricCounts["valid_citations"])
}

func TestProcess_ValidatorErrorIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.validator.err = context.Canceled
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"url":"https://a.example"}]`))
	require.NoError(t, err)

	h.runTasks(t)

	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
	view, err := h.p.Report(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Report.Citations)
}

func TestProcess_AnalysisErrorRecordedVerbatim(t *testing.T) {
	h := newHarness(t)
	h.provider.AnalyzeFunc = func(context.Context, models.AnalysisRequest) (models.Report, error) {
		return models.Report{}, errors.New("model exploded: context window exceeded")
	}
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)

	h.runTasks(t)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "model exploded: context window exceeded", *stored.Error)
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.Report)
	assert.Equal(t, 0, h.blobs.Len())
	assertLifecycleInvariants(t, stored)
}

func TestProcess_InferenceDeadlineFailsJob(t *testing.T) {
	h := newHarness(t)
	h.p.analyzer = ai.NewService(mock.NewTimeoutProvider(), 20*time.Millisecond)
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)

	h.runTasks(t)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, ai.ErrInferenceTimeout.Error())
}

func TestProcess_PanicFailsJob(t *testing.T) {
	h := newHarness(t)
	h.provider.AnalyzeFunc = func(context.Context, models.AnalysisRequest) (models.Report, error) {
		panic("nil map write")
	}
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)

	h.runTasks(t)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "analysis panicked: nil map write", *stored.Error)
}

func TestProcess_SkipsJobsNotAnalyzing(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	called := false
	h.provider.AnalyzeFunc = func(context.Context, models.AnalysisRequest) (models.Report, error) {
		called = true
		return models.Report{}, nil
	}

	require.NoError(t, h.p.Process(context.Background(), queue.NewTask(job.ID)))
	require.NoError(t, h.p.Process(context.Background(), queue.NewTask(uuid.New())))
	assert.False(t, called)
	assert.Equal(t, models.JobStatusPending, h.job(t, job.ID).Status)
}

func TestProcess_LargeReportSpillsToBlob(t *testing.T) {
	h := newHarness(t)
	h.p.payloads = payload.New(h.blobs, payload.Options{Threshold: 256})
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"url":"https://a.example"},{"url":"https://b.example"},{"url":"https://c.example"}]`))
	require.NoError(t, err)

	h.runTasks(t)

	stored := h.job(t, job.ID)
	require.NotNil(t, stored.Report)
	assert.Equal(t, models.PayloadBlob, stored.Report.Mode)
	assert.Equal(t, 1, h.blobs.Len())

	// Losing the blob degrades the read to the stored summary.
	require.NoError(t, h.blobs.Delete(context.Background(), stored.Report.BlobKey))
	view, err := h.p.Report(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	assert.Nil(t, view.Report)
	assert.Equal(t, stored.Report.Summary, view.Summary)
	assert.NotEmpty(t, view.Summary.Title)
}

// --- Races ---

func TestIngest_ScheduleRaceWithRetryIsDuplicate(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	hs := &hookStore{MemoryStore: h.store, at: 2}
	hs.beforePatch = func() {
		// A retry moved the job to analyzing between the results patch and scheduling.
		require.NoError(t, h.store.PatchJob(context.Background(), job.ID, store.WithStatus(models.JobStatusAnalyzing)))
	}
	h.p.store = hs

	res, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, models.JobStatusAnalyzing, res.Status)
	assert.Equal(t, 1, res.Documents)
	assert.Empty(t, h.queue.drain(), "the retry owns the enqueue")
}

func TestIngest_ScheduleRaceWithFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	hs := &hookStore{MemoryStore: h.store, at: 2}
	hs.beforePatch = func() {
		require.NoError(t, h.p.fail(context.Background(), job.ID, "operator aborted"))
	}
	h.p.store = hs

	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrStatusConflict)
	assert.NotErrorIs(t, err, ErrIngestion)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, models.JobStatusFailed, h.job(t, job.ID).Status)
}

func TestProcess_StaleResultDeletesSpilledBlob(t *testing.T) {
	h := newHarness(t)
	h.p.payloads = payload.New(h.blobs, payload.Options{Threshold: 1})
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"url":"https://a.example"}`))
	require.NoError(t, err)

	h.p.analyzer = &hookAnalyzer{Analyzer: h.p.analyzer, during: func() {
		require.NoError(t, h.p.fail(context.Background(), job.ID, "operator aborted"))
	}}
	h.runTasks(t)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Nil(t, stored.Report)
	assert.Equal(t, 0, h.blobs.Len(), "the discarded report must not leave a blob behind")
}

// --- Retry ---

func TestRetry_EmptyResultsIsPreconditionFailure(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	err := h.p.RetryAnalysisOnly(context.Background(), h.owner, job.ID)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Empty(t, h.queue.drain())
}

func TestRetry_UnknownOrForeignJob(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	assert.ErrorIs(t, h.p.RetryAnalysisOnly(context.Background(), h.owner, uuid.New()), store.ErrNotFound)
	assert.ErrorIs(t, h.p.RetryAnalysisOnly(context.Background(), uuid.New(), job.ID), store.ErrNotFound)
}

func TestRetry_ReanalyzesWithSameResultsAndPrompt(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`[{"url":"https://a.example"},{"n":2}]`))
	require.NoError(t, err)

	failures := 1
	h.provider.AnalyzeFunc = func(_ context.Context, req models.AnalysisRequest) (models.Report, error) {
		if failures > 0 {
			failures--
			return models.Report{}, ai.ErrProviderUnavailable
		}
		return mock.Report(req), nil
	}
	h.runTasks(t)

	failed := h.job(t, job.ID)
	require.Equal(t, models.JobStatusFailed, failed.Status)

	require.NoError(t, h.p.RetryAnalysisOnly(context.Background(), h.owner, job.ID))

	reset := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusAnalyzing, reset.Status)
	assert.Nil(t, reset.Error)
	assert.Nil(t, reset.Report)
	assert.Nil(t, reset.CompletedAt)
	assert.Equal(t, failed.Results, reset.Results)
	assert.Equal(t, failed.AnalysisPrompt, reset.AnalysisPrompt)
	assertLifecycleInvariants(t, reset)

	h.runTasks(t)

	done := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, failed.Results, done.Results)
	assert.Equal(t, failed.AnalysisPrompt, done.AnalysisPrompt)
}

func TestRetry_EnqueueFailureDoesNotLeaveJobAnalyzing(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)
	h.runTasks(t)
	require.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)

	h.queue.err = errors.New("broker down")
	err = h.p.RetryAnalysisOnly(context.Background(), h.owner, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, *stored.Error, "broker down")
	assertLifecycleInvariants(t, stored)
}

func TestRetry_StaleResultDiscarded(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)
	first := h.queue.drain()
	require.Len(t, first, 1)

	// Fail the job while the first task is still queued, then run the task.
	require.NoError(t, h.p.fail(context.Background(), job.ID, "operator aborted"))
	require.NoError(t, h.p.Process(context.Background(), first[0]))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "operator aborted", *stored.Error)
}

// --- Lifecycle property ---

// TestLifecycleInvariants drives random operation sequences through the
// pipeline and checks the record invariants after every step.
func TestLifecycleInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		h := newHarness(t)
		fail := false
		h.provider.AnalyzeFunc = func(_ context.Context, req models.AnalysisRequest) (models.Report, error) {
			if fail {
				return models.Report{}, errors.New("provider failed")
			}
			return mock.Report(req), nil
		}
		job := h.create(t)
		var results []json.RawMessage

		for step := 0; step < 12; step++ {
			ctx := context.Background()
			switch rng.Intn(6) {
			case 0:
				_, _ = h.p.Ingest(ctx, job.ID, []byte(`[{"step":1},{"step":2}]`))
			case 1:
				fail = false
				for _, task := range h.queue.drain() {
					_ = h.p.Process(ctx, task)
				}
			case 2:
				fail = true
				for _, task := range h.queue.drain() {
					_ = h.p.Process(ctx, task)
				}
			case 3:
				_ = h.p.RetryAnalysisOnly(ctx, h.owner, job.ID)
			case 4:
				_ = h.p.fail(ctx, job.ID, "random failure")
			case 5:
				_ = h.p.SoftDelete(ctx, h.owner, job.ID)
			}

			stored := h.job(t, job.ID)
			assertLifecycleInvariants(t, stored)
			if results != nil {
				assert.Equal(t, results, stored.Results, "results changed after ingestion")
			} else if len(stored.Results) > 0 {
				results = stored.Results
			}
		}
	}
}

// --- Reads ---

func TestGet_OwnerIsolation(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	_, err := h.p.Get(context.Background(), uuid.New(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := h.p.Get(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestReport_NotReady(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	_, err := h.p.Report(context.Background(), h.owner, job.ID)
	assert.ErrorIs(t, err, ErrReportNotReady)
}

func TestView_InlineReportResolved(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	_, err := h.p.Ingest(context.Background(), job.ID, []byte(`{"url":"https://a.example"}`))
	require.NoError(t, err)
	h.runTasks(t)

	view, err := h.p.View(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	require.NotNil(t, view.ReportView)
	require.NotNil(t, view.ReportView.Report)
	assert.Equal(t, models.ReportKindSEO, view.ReportView.Report.Kind)
}

func TestStatus_UsesCache(t *testing.T) {
	c := newMapCache()
	h := newHarness(t, WithCache(c))
	job := h.create(t)

	status, err := h.p.Status(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status)

	entry, found, _ := c.GetJobStatus(context.Background(), job.ID)
	require.True(t, found)
	assert.Equal(t, h.owner, entry.OwnerID)

	// A foreign owner is rejected even on a cache hit.
	_, err = h.p.Status(context.Background(), uuid.New(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Transitions invalidate the cached entry.
	_, err = h.p.Ingest(context.Background(), job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)
	_, found, _ = c.GetJobStatus(context.Background(), job.ID)
	assert.False(t, found)

	status, err = h.p.Status(context.Background(), h.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAnalyzing, status)
}

func TestList_RecentAndSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.CreateJob(ctx, h.owner, CreateJobInput{Prompt: "Coffee shops in Lisbon"})
	require.NoError(t, err)
	_, err = h.p.CreateJob(ctx, h.owner, CreateJobInput{Prompt: "Bike rentals in Porto"})
	require.NoError(t, err)

	all, err := h.p.List(ctx, h.owner, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := h.p.List(ctx, h.owner, "LISBON", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Coffee shops in Lisbon", found[0].Prompt)
}

func TestSoftDelete_Idempotent(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	require.NoError(t, h.p.SoftDelete(context.Background(), h.owner, job.ID))
	require.NoError(t, h.p.SoftDelete(context.Background(), h.owner, job.ID))
	assert.True(t, h.job(t, job.ID).Archived)

	jobs, err := h.p.List(context.Background(), h.owner, "", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.ErrorIs(t, h.p.SoftDelete(context.Background(), uuid.New(), job.ID), store.ErrNotFound)
}

// --- Recovery ---

func TestRecover_RequeuesUnfinishedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	analyzing := h.create(t)
	_, err := h.p.Ingest(ctx, analyzing.ID, []byte(`{"a":1}`))
	require.NoError(t, err)

	running := h.create(t)
	require.NoError(t, h.store.PatchJob(ctx, running.ID,
		store.WithStatus(models.JobStatusRunning),
		store.WithResults([]json.RawMessage{json.RawMessage(`{"b":2}`)})))

	empty := h.create(t)
	require.NoError(t, h.store.PatchJob(ctx, empty.ID, store.WithStatus(models.JobStatusRunning)))

	h.queue.drain() // tasks lost with the previous process

	n, err := h.p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tasks := h.queue.drain()
	ids := map[uuid.UUID]bool{}
	for _, task := range tasks {
		ids[task.JobID] = true
	}
	assert.True(t, ids[analyzing.ID])
	assert.True(t, ids[running.ID])
	assert.False(t, ids[empty.ID])

	assert.Equal(t, models.JobStatusAnalyzing, h.job(t, running.ID).Status)
	assert.Equal(t, models.JobStatusFailed, h.job(t, empty.ID).Status)
}

// --- End to end with a worker pool ---

func TestPipeline_WithMemoryQueue(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(2, 8, 3)
	p := New(st, payload.New(payload.NewMemoryBlobStore(), payload.Options{}),
		ai.NewService(mock.NewMockProvider(), time.Second), &stubValidator{}, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx, p.Process) }()
	defer q.Close()

	owner := uuid.New()
	job, err := p.CreateJob(ctx, owner, CreateJobInput{Prompt: "Trail running shoes"})
	require.NoError(t, err)

	res, err := p.Ingest(ctx, job.ID, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAnalyzing, res.Status)

	// Analysis runs in the background; poll for the outcome.
	assert.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}
