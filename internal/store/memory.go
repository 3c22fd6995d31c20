package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// DefaultTenantID is the id seeded for the default tenant by the migrations
// and by NewMemoryStore.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// MemoryStore is an in-process Store. Every method holds one mutex, so each
// call, including a guarded PatchJob, is atomic. Records are copied on the way
// in and out so callers never share memory with the store.
type MemoryStore struct {
	mu     sync.Mutex
	tenant models.Tenant
	jobs   map[uuid.UUID]*models.Job
	seq    map[uuid.UUID]int64
	next   int64
	keys   map[uuid.UUID]*models.APIKey
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		tenant: models.Tenant{ID: DefaultTenantID, Name: "default", CreatedAt: now, UpdatedAt: now},
		jobs:   make(map[uuid.UUID]*models.Job),
		seq:    make(map[uuid.UUID]int64),
		keys:   make(map[uuid.UUID]*models.APIKey),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = cloneJob(job)
	s.next++
	s.seq[job.ID] = s.next
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) PatchJob(_ context.Context, id uuid.UUID, opts ...JobPatchOption) error {
	p := BuildPatch(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !p.Allows(j.Status) {
		return ErrStatusConflict
	}
	p.Apply(j, s.now())
	return nil
}

func (s *MemoryStore) ListRecentJobs(_ context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := s.recentLocked(ownerID, normalizeLimit(limit))
	return cloneJobs(recent), nil
}

func (s *MemoryStore) SearchJobs(_ context.Context, ownerID uuid.UUID, needle string, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.recentLocked(ownerID, SearchWindow)
	return cloneJobs(filterJobs(window, needle, normalizeLimit(limit))), nil
}

func (s *MemoryStore) SoftDeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Archived = true
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendJobLog(_ context.Context, id uuid.UUID, message string, level models.LogLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Logs = append(j.Logs, models.LogEntry{Timestamp: s.now(), Message: message, Level: level})
	return nil
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if !j.Archived && slices.Contains(statuses, j.Status) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return s.seq[out[a].ID] < s.seq[out[b].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneJobs(out), nil
}

// recentLocked returns the owner's non-archived jobs, newest first.
func (s *MemoryStore) recentLocked(ownerID uuid.UUID, limit int) []*models.Job {
	var out []*models.Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && !j.Archived {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return s.seq[out[a].ID] > s.seq[out[b].ID]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- Tenants & API keys ---

func (s *MemoryStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	t := s.tenant
	return &t, nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	c.Scopes = append([]string(nil), key.Scopes...)
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

func cloneJobs(in []*models.Job) []*models.Job {
	out := make([]*models.Job, len(in))
	for i, j := range in {
		out[i] = cloneJob(j)
	}
	return out
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Results = cloneResults(j.Results)
	c.Logs = append([]models.LogEntry{}, j.Logs...)
	if j.AnalysisPrompt != nil {
		s := *j.AnalysisPrompt
		c.AnalysisPrompt = &s
	}
	if j.Error != nil {
		s := *j.Error
		c.Error = &s
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Report != nil {
		ref := *j.Report
		ref.Inline = append(json.RawMessage(nil), j.Report.Inline...)
		c.Report = &ref
	}
	return &c
}
