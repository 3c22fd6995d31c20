package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing and local runs.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req models.AnalysisRequest) (models.Report, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.Report, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return models.Report{}, nil
}

// NewMockProvider returns a MockProvider that answers with a small report
// derived from the request documents: one finding and one source per
// document carrying a "url" field.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) (models.Report, error) {
			return Report(req), nil
		},
	}
}

// Report builds the deterministic report NewMockProvider answers with.
func Report(req models.AnalysisRequest) models.Report {
	var findings []models.Finding
	var sources []string
	for i, raw := range req.Results {
		var doc struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		_ = json.Unmarshal(raw, &doc)
		title := doc.Title
		if title == "" {
			title = fmt.Sprintf("Document %d", i+1)
		}
		findings = append(findings, models.Finding{Title: title, Severity: "low", Source: doc.URL})
		if doc.URL != "" {
			sources = append(sources, doc.URL)
		}
	}

	title := "Mock report"
	if line, _, _ := strings.Cut(strings.TrimSpace(req.Prompt), "\n"); line != "" {
		title = line
	}
	summary := fmt.Sprintf("Mock analysis of %d document(s)", len(req.Results))

	if req.Kind == models.ReportKindInsight {
		return models.Report{Kind: models.ReportKindInsight, Insight: &models.InsightReport{
			Title:    title,
			Summary:  summary,
			Findings: findings,
			Metrics:  map[string]float64{"documents": float64(len(req.Results))},
			Sources:  sources,
		}}
	}
	return models.Report{Kind: models.ReportKindSEO, SEO: &models.SEOReport{
		Title:   title,
		Summary: summary,
		Issues:  findings,
		Sources: sources,
	}}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest) (models.Report, error) {
			return models.Report{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisRequest) (models.Report, error) {
			<-ctx.Done()
			return models.Report{}, fmt.Errorf("%w: %v", models.ErrInferenceTimeout, ctx.Err())
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
