package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// Service wraps the configured provider with the enclosing inference deadline
// and the output clamps applied to every report.
type Service struct {
	provider models.AIProvider
	timeout  time.Duration
}

// NewService creates a Service. A non-positive timeout disables the deadline.
func NewService(provider models.AIProvider, timeout time.Duration) *Service {
	return &Service{provider: provider, timeout: timeout}
}

// Provider returns the name of the wrapped provider.
func (s *Service) Provider() string { return s.provider.Name() }

// Analyze runs one analysis under the enclosing deadline. A call that outlives
// the deadline is reported as ErrInferenceTimeout whatever the provider returned.
func (s *Service) Analyze(ctx context.Context, req models.AnalysisRequest) (models.Report, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report, err := s.provider.Analyze(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			return models.Report{}, fmt.Errorf("%w: after %s: %v", ErrInferenceTimeout, s.timeout, err)
		}
		return models.Report{}, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.Report{}, fmt.Errorf("%w: after %s", ErrInferenceTimeout, s.timeout)
	}

	switch report.Kind {
	case models.ReportKindSEO, models.ReportKindInsight, models.ReportKindOpaque:
	default:
		return models.Report{}, fmt.Errorf("%w: unknown report kind %q", ErrInvalidResponse, report.Kind)
	}

	clampReport(&report)
	return report, nil
}

// clampReport truncates free-text fields to bounded sizes.
func clampReport(r *models.Report) {
	clampFindings := func(fs []models.Finding) {
		for i := range fs {
			fs[i].Title = truncateString(fs[i].Title, 500)
			fs[i].Detail = truncateString(fs[i].Detail, 2000)
		}
	}
	switch {
	case r.SEO != nil:
		r.SEO.Title = truncateString(r.SEO.Title, 500)
		r.SEO.Summary = truncateString(r.SEO.Summary, 4000)
		clampFindings(r.SEO.Issues)
	case r.Insight != nil:
		r.Insight.Title = truncateString(r.Insight.Title, 500)
		r.Insight.Summary = truncateString(r.Insight.Summary, 4000)
		clampFindings(r.Insight.Findings)
	}
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
