package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/store"
	"github.com/kiranshivaraju/reportforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(owner uuid.UUID, prompt string, created time.Time) *models.Job {
	return &models.Job{
		ID:        uuid.New(),
		OwnerID:   owner,
		Kind:      models.ReportKindSEO,
		Title:     prompt,
		Prompt:    prompt,
		Status:    models.JobStatusPending,
		Results:   []json.RawMessage{},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "coffee shops in Lisbon", time.Now().UTC())

	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicateKey)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Empty(t, got.Results)
	assert.NotNil(t, got.Logs)
	assert.False(t, got.Archived)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed
	got.Results = append(got.Results, json.RawMessage(`{}`))

	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
	assert.Empty(t, again.Results)
}

func TestMemoryStore_PatchMergesFields(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	results := []json.RawMessage{json.RawMessage(`{"url":"https://a.example"}`)}
	require.NoError(t, s.PatchJob(ctx, job.ID,
		store.WithStatus(models.JobStatusRunning),
		store.WithResults(results),
	))
	require.NoError(t, s.PatchJob(ctx, job.ID, store.WithAnalysisPrompt("analyze this")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.Len(t, got.Results, 1)
	assert.JSONEq(t, `{"url":"https://a.example"}`, string(got.Results[0]))
	require.NotNil(t, got.AnalysisPrompt)
	assert.Equal(t, "analyze this", *got.AnalysisPrompt)
	assert.Equal(t, "p", got.Prompt)
}

func TestMemoryStore_PatchClearsFields(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	now := time.Now().UTC()
	require.NoError(t, s.PatchJob(ctx, job.ID,
		store.WithStatus(models.JobStatusFailed),
		store.WithError("boom"),
		store.WithCompletedAt(now),
	))
	require.NoError(t, s.PatchJob(ctx, job.ID,
		store.WithStatus(models.JobStatusAnalyzing),
		store.ClearError(),
		store.ClearReport(),
		store.ClearCompletedAt(),
	))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.Report)
	assert.Nil(t, got.CompletedAt)
}

func TestMemoryStore_PatchGuard(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.PatchJob(ctx, job.ID,
		store.IfStatusIn(models.JobStatusRunning),
		store.WithStatus(models.JobStatusAnalyzing),
	)
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)

	assert.ErrorIs(t, s.PatchJob(ctx, uuid.New(), store.WithStatus(models.JobStatusRunning)), store.ErrNotFound)
}

func TestMemoryStore_GuardedPatchIsExclusive(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.PatchJob(ctx, job.ID,
				store.IfStatusIn(models.JobStatusPending),
				store.WithStatus(models.JobStatusRunning),
			)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_SoftDeleteIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()
	job := newJob(owner, "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.SoftDeleteJob(ctx, job.ID))
	first, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteJob(ctx, job.ID))
	second, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	assert.True(t, first.Archived)
	assert.True(t, second.Archived)
	assert.Equal(t, first.Status, second.Status)

	recent, err := s.ListRecentJobs(ctx, owner, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	assert.ErrorIs(t, s.SoftDeleteJob(ctx, uuid.New()), store.ErrNotFound)
}

func TestMemoryStore_ListRecentNewestFirst(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob(owner, fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.CreateJob(ctx, newJob(uuid.New(), "someone else", base)))

	recent, err := s.ListRecentJobs(ctx, owner, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "job-4", recent[0].Prompt)
	assert.Equal(t, "job-3", recent[1].Prompt)
	assert.Equal(t, "job-2", recent[2].Prompt)
}

func TestMemoryStore_SearchMatchesPromptAndSummary(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()
	now := time.Now().UTC()

	a := newJob(owner, "Bakeries in Porto", now)
	b := newJob(owner, "dentists", now.Add(time.Second))
	require.NoError(t, s.CreateJob(ctx, a))
	require.NoError(t, s.CreateJob(ctx, b))
	require.NoError(t, s.PatchJob(ctx, b.ID, store.WithReport(models.PayloadRef{
		Mode: models.PayloadInline,
		Summary: models.ReportSummary{
			Kind:         models.ReportKindSEO,
			Title:        "Dental clinic visibility",
			Summary:      "Local SEO gaps",
			MetricCounts: map[string]int{"keywords": 4},
		},
	})))

	hits, err := s.SearchJobs(ctx, owner, "BAKERIES", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].ID)

	hits, err = s.SearchJobs(ctx, owner, "local seo", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].ID)

	hits, err = s.SearchJobs(ctx, owner, "keywords", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.SearchJobs(ctx, owner, "plumbers", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryStore_SearchWindow(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC()

	require.NoError(t, s.CreateJob(ctx, newJob(owner, "needle", base)))
	for i := 1; i <= store.SearchWindow; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob(owner, "hay", base.Add(time.Duration(i)*time.Millisecond))))
	}

	hits, err := s.SearchJobs(ctx, owner, "needle", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "records outside the search window are not scanned")
}

func TestMemoryStore_AppendJobLogConcurrent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(uuid.New(), "p", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.AppendJobLog(ctx, job.ID, fmt.Sprintf("line %d", i), models.LogLevelInfo))
		}(i)
	}
	wg.Wait()

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Logs, 50)
	assert.ErrorIs(t, s.AppendJobLog(ctx, uuid.New(), "x", models.LogLevelInfo), store.ErrNotFound)
}

func TestMemoryStore_ListJobsByStatus(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	a := newJob(uuid.New(), "a", now)
	b := newJob(uuid.New(), "b", now)
	c := newJob(uuid.New(), "c", now)
	for _, j := range []*models.Job{a, b, c} {
		require.NoError(t, s.CreateJob(ctx, j))
	}
	require.NoError(t, s.PatchJob(ctx, a.ID, store.WithStatus(models.JobStatusAnalyzing)))
	require.NoError(t, s.PatchJob(ctx, b.ID, store.WithStatus(models.JobStatusRunning)))

	jobs, err := s.ListJobsByStatus(ctx, []models.JobStatus{models.JobStatusAnalyzing, models.JobStatusRunning}, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ID)
	assert.Equal(t, b.ID, jobs[1].ID)
}

func TestMemoryStore_APIKeys(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tenant, err := s.GetDefaultTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTenantID, tenant.ID)

	now := time.Now().UTC()
	key := &models.APIKey{
		ID: uuid.New(), TenantID: tenant.ID, Name: "k", KeyHash: "h", KeyPrefix: "rf_abcd",
		Scopes: []string{"read"}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, "rf_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.ListAPIKeys(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, tenant.ID))
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, tenant.ID), store.ErrNotFound)
	keys, err = s.GetAPIKeyByPrefix(ctx, "rf_abcd")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
