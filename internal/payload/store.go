// Package payload decides where an analysis report lives: inline on the job
// record when small, or in a blob store behind a reference when large.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// Options tune a Store. Zero values fall back to the defaults below.
type Options struct {
	Threshold int
	CacheSize int
	CacheTTL  time.Duration
}

const (
	DefaultThreshold = 256 * 1024
	DefaultCacheTTL  = 10 * time.Minute
)

// Store saves and loads reports. It is safe for concurrent use.
type Store struct {
	blobs     BlobStore
	threshold int
	cache     *expirable.LRU[string, models.Report]
}

// New creates a Store over blobs. A CacheSize of zero disables the blob cache.
func New(blobs BlobStore, opts Options) *Store {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	s := &Store{blobs: blobs, threshold: opts.Threshold}
	if opts.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, models.Report](opts.CacheSize, nil, opts.CacheTTL)
	}
	return s
}

// Threshold returns the serialized size at which reports spill to blobs.
func (s *Store) Threshold() int { return s.threshold }

// BlobKey returns the content-addressed key of a report blob.
func BlobKey(jobID uuid.UUID, checksum string) string {
	return fmt.Sprintf("reports/%s/%s.json", jobID, checksum)
}

// Save serializes report and returns the reference to persist on the job.
// Reports whose encoding is smaller than the threshold are kept inline.
func (s *Store) Save(ctx context.Context, jobID uuid.UUID, report models.Report) (models.PayloadRef, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return models.PayloadRef{}, fmt.Errorf("encode report: %w", err)
	}

	ref := models.PayloadRef{
		Size:    int64(len(body)),
		Summary: report.Summarize(),
	}

	if len(body) < s.threshold {
		ref.Mode = models.PayloadInline
		ref.Inline = json.RawMessage(body)
		metrics.PayloadSaves.WithLabelValues(string(ref.Mode)).Inc()
		return ref, nil
	}

	sum := sha256.Sum256(body)
	ref.Mode = models.PayloadBlob
	ref.Checksum = hex.EncodeToString(sum[:])
	ref.BlobKey = BlobKey(jobID, ref.Checksum)

	if err := s.blobs.Put(ctx, ref.BlobKey, body); err != nil {
		return models.PayloadRef{}, fmt.Errorf("store report blob: %w", err)
	}
	if s.cache != nil {
		s.cache.Add(ref.BlobKey, report)
	}

	metrics.PayloadSaves.WithLabelValues(string(ref.Mode)).Inc()
	slog.Debug("report spilled to blob store", "job_id", jobID, "key", ref.BlobKey, "size", ref.Size)
	return ref, nil
}

// Load returns the full report a reference points at.
func (s *Store) Load(ctx context.Context, ref models.PayloadRef) (models.Report, error) {
	switch ref.Mode {
	case models.PayloadInline:
		var report models.Report
		if err := json.Unmarshal(ref.Inline, &report); err != nil {
			return models.Report{}, fmt.Errorf("decode inline report: %w", err)
		}
		return report, nil

	case models.PayloadBlob:
		if s.cache != nil {
			if report, ok := s.cache.Get(ref.BlobKey); ok {
				metrics.PayloadCacheHits.Inc()
				return report, nil
			}
			metrics.PayloadCacheMisses.Inc()
		}

		body, err := s.blobs.Get(ctx, ref.BlobKey)
		if err != nil {
			return models.Report{}, err
		}
		if ref.Checksum != "" {
			sum := sha256.Sum256(body)
			if hex.EncodeToString(sum[:]) != ref.Checksum {
				return models.Report{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, ref.BlobKey)
			}
		}

		var report models.Report
		if err := json.Unmarshal(body, &report); err != nil {
			return models.Report{}, fmt.Errorf("decode blob report: %w", err)
		}
		if s.cache != nil {
			s.cache.Add(ref.BlobKey, report)
		}
		return report, nil
	}

	return models.Report{}, fmt.Errorf("unknown payload mode %q", ref.Mode)
}

// Delete removes the blob behind ref, if any. Inline references are a no-op.
func (s *Store) Delete(ctx context.Context, ref models.PayloadRef) error {
	if ref.Mode != models.PayloadBlob {
		return nil
	}
	if s.cache != nil {
		s.cache.Remove(ref.BlobKey)
	}
	if err := s.blobs.Delete(ctx, ref.BlobKey); err != nil && !errors.Is(err, ErrBlobNotFound) {
		return err
	}
	return nil
}

// View is what readers get for a stored report. When the full body cannot be
// loaded Report is nil, Degraded is set and only Summary is available.
type View struct {
	Report   *models.Report       `json:"report,omitempty"`
	Summary  models.ReportSummary `json:"summary"`
	Degraded bool                 `json:"degraded"`
	Error    string               `json:"error,omitempty"`
}

// Resolve loads ref for display. It never fails: a missing or corrupt blob
// degrades to the summary recorded at save time.
func (s *Store) Resolve(ctx context.Context, ref models.PayloadRef) View {
	report, err := s.Load(ctx, ref)
	if err != nil {
		metrics.PayloadFallbacks.Inc()
		slog.Warn("report unavailable, serving summary",
			"key", ref.BlobKey,
			"mode", ref.Mode,
			"error", err,
		)
		return View{Summary: ref.Summary, Degraded: true, Error: err.Error()}
	}
	return View{Report: &report, Summary: ref.Summary}
}
