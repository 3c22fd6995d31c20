package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReport_KnownShapes(t *testing.T) {
	seo, err := ParseReport(ReportKindSEO, []byte(`{"title":"Audit","summary":"s","keywords":[{"term":"go"}],"issues":[{"title":"slow"}]}`))
	require.NoError(t, err)
	assert.Equal(t, ReportKindSEO, seo.Kind)
	require.NotNil(t, seo.SEO)
	assert.Equal(t, "Audit", seo.Title())
	assert.Len(t, seo.Findings(), 1)

	in, err := ParseReport(ReportKindInsight, []byte(` {"title":"Q3","metrics":{"churn":0.1}} `))
	require.NoError(t, err)
	assert.Equal(t, ReportKindInsight, in.Kind)
	assert.Equal(t, 1, in.MetricCounts()["metrics"])
}

func TestParseReport_UntitledBecomesOpaque(t *testing.T) {
	r, err := ParseReport(ReportKindSEO, []byte(`{ "summary": "no title", "items": [1, 2, 3] }`))
	require.NoError(t, err)
	assert.Equal(t, ReportKindOpaque, r.Kind)
	assert.JSONEq(t, `{"summary":"no title","items":[1,2,3]}`, string(r.Opaque))
	assert.Equal(t, "no title", r.SummaryText())
	assert.Equal(t, 3, r.MetricCounts()["items"])
}

func TestParseReport_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{``, `null`, `[1]`, `"text"`, `{broken`} {
		_, err := ParseReport(ReportKindSEO, []byte(raw))
		assert.ErrorIs(t, err, ErrMalformedReport, "input %q", raw)
	}
}

func TestSummarize(t *testing.T) {
	issues := make([]Finding, 8)
	for i := range issues {
		issues[i] = Finding{Title: string(rune('a' + i))}
	}
	r := Report{
		Kind: ReportKindSEO,
		SEO:  &SEOReport{Title: "Audit", Summary: "short", Issues: issues},
		Citations: []Citation{
			{URL: "https://a.example", OK: true},
			{URL: "https://b.example"},
		},
	}

	s := r.Summarize()
	assert.Equal(t, "Audit", s.Title)
	assert.Equal(t, "short", s.Summary)
	assert.Len(t, s.TopFindings, SummaryFindings)
	assert.Equal(t, 8, s.MetricCounts["issues"])
	assert.Equal(t, 2, s.MetricCounts["citations"])
	assert.Equal(t, 1, s.MetricCounts["valid_citations"])
	assert.Equal(t, []string{"citations", "issues", "keywords", "recommendations", "sources", "valid_citations"}, s.MetricKeys())

	s.TopFindings[0].Title = "changed"
	assert.Equal(t, "a", r.SEO.Issues[0].Title)
}

func TestSummarize_EmptyOpaque(t *testing.T) {
	s := Report{Kind: ReportKindOpaque, Opaque: []byte(`{}`)}.Summarize()
	assert.Nil(t, s.MetricCounts)
	assert.Nil(t, s.TopFindings)
	assert.Empty(t, s.Title)
}

func TestReportKindValid(t *testing.T) {
	assert.True(t, ReportKindSEO.Valid())
	assert.True(t, ReportKindInsight.Valid())
	assert.False(t, ReportKindOpaque.Valid())
	assert.False(t, ReportKind("pdf").Valid())
}
