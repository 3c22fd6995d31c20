package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

const apiKeyColumns = `id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) queryAPIKeys(ctx context.Context, op, query string, args ...any) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "get api key by prefix",
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "list api keys",
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, owner_id, kind, title, prompt, analysis_prompt, status, results, report, error, logs, archived, completed_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var kind, status string
	var results, report, logs []byte
	if err := row.Scan(&j.ID, &j.OwnerID, &kind, &j.Title, &j.Prompt, &j.AnalysisPrompt, &status,
		&results, &report, &j.Error, &logs, &j.Archived, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind = models.ReportKind(kind)
	j.Status = models.JobStatus(status)

	j.Results = []json.RawMessage{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if len(report) > 0 {
		var ref models.PayloadRef
		if err := json.Unmarshal(report, &ref); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		j.Report = &ref
	}
	j.Logs = []models.LogEntry{}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &j.Logs); err != nil {
			return nil, fmt.Errorf("decode logs: %w", err)
		}
	}
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	results, err := json.Marshal(cloneResults(job.Results))
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, kind, title, prompt, status, results, logs, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '[]'::jsonb, FALSE, $8, $9)`,
		job.ID, job.OwnerID, string(job.Kind), job.Title, job.Prompt, string(job.Status), results,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// PatchJob applies the patch in a single UPDATE. A status guard becomes part
// of the WHERE clause, so the check and the write cannot interleave with
// another writer.
func (s *PostgresStore) PatchJob(ctx context.Context, id uuid.UUID, opts ...JobPatchOption) error {
	p := BuildPatch(opts...)

	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.SetResults {
		b, err := json.Marshal(cloneResults(p.Results))
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		set("results", b)
	}
	if p.AnalysisPrompt != nil {
		set("analysis_prompt", *p.AnalysisPrompt)
	}
	if p.Report != nil {
		b, err := json.Marshal(p.Report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		set("report", b)
	} else if p.ClearReport {
		sets = append(sets, "report = NULL")
	}
	if p.Error != nil {
		set("error", *p.Error)
	} else if p.ClearError {
		sets = append(sets, "error = NULL")
	}
	if p.CompletedAt != nil {
		set("completed_at", *p.CompletedAt)
	} else if p.ClearCompletedAt {
		sets = append(sets, "completed_at = NULL")
	}
	if p.Archived != nil {
		set("archived", *p.Archived)
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if len(p.ExpectStatus) > 0 {
		args = append(args, statusStrings(p.ExpectStatus))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patch job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("patch job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (s *PostgresStore) ListRecentJobs(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error) {
	return s.queryJobs(ctx, "list recent jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND archived = FALSE
		 ORDER BY created_at DESC LIMIT $2`, ownerID, normalizeLimit(limit))
}

// SearchJobs scans the SearchWindow most recent records and filters them with
// MatchesNeedle. Older records are never matched.
func (s *PostgresStore) SearchJobs(ctx context.Context, ownerID uuid.UUID, needle string, limit int) ([]*models.Job, error) {
	window, err := s.queryJobs(ctx, "search jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND archived = FALSE
		 ORDER BY created_at DESC LIMIT $2`, ownerID, SearchWindow)
	if err != nil {
		return nil, err
	}
	return filterJobs(window, needle, normalizeLimit(limit)), nil
}

func (s *PostgresStore) SoftDeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET archived = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendJobLog appends server-side so concurrent writers never drop each other's entries.
func (s *PostgresStore) AppendJobLog(ctx context.Context, id uuid.UUID, message string, level models.LogLevel) error {
	entry, err := json.Marshal(models.LogEntry{Timestamp: time.Now().UTC(), Message: message, Level: level})
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET logs = logs || jsonb_build_array($2::jsonb) WHERE id = $1`, id, entry)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error) {
	if len(statuses) == 0 {
		return []*models.Job{}, nil
	}
	if limit <= 0 {
		limit = 1000
	}
	return s.queryJobs(ctx, "list jobs by status",
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) AND archived = FALSE
		 ORDER BY created_at ASC LIMIT $2`, statusStrings(statuses), limit)
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func filterJobs(jobs []*models.Job, needle string, limit int) []*models.Job {
	out := []*models.Job{}
	for _, j := range jobs {
		if MatchesNeedle(j, needle) {
			out = append(out, j)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > SearchWindow {
		return SearchWindow
	}
	return limit
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
