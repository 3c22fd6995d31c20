package prompt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kiranshivaraju/reportforge/pkg/models"
)

func TestBuildAnalysisPrompt(t *testing.T) {
	tests := []struct {
		name     string
		params   Params
		expected string
	}{
		{
			name:   "seo with title and request",
			params: Params{Kind: models.ReportKindSEO, Title: "Lisbon cafes", UserPrompt: "rank local competitors", DocumentCount: 3},
			expected: "Produce an SEO report titled \"Lisbon cafes\" from the 3 collected document(s).\n" +
				"Request: rank local competitors\n" +
				"Cite every source URL you rely on in the sources list.",
		},
		{
			name:   "insight without title",
			params: Params{Kind: models.ReportKindInsight, UserPrompt: "churn drivers", DocumentCount: 1},
			expected: "Produce a business insight report from the 1 collected document(s).\n" +
				"Request: churn drivers\n" +
				"Cite every source URL you rely on in the sources list.",
		},
		{
			name:   "blank request omitted",
			params: Params{Kind: models.ReportKindSEO, UserPrompt: "   ", DocumentCount: 0},
			expected: "Produce an SEO report from the 0 collected document(s).\n" +
				"Cite every source URL you rely on in the sources list.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildAnalysisPrompt(tt.params)
			if got != tt.expected {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.expected)
			}
			if again := BuildAnalysisPrompt(tt.params); again != got {
				t.Error("prompt is not deterministic")
			}
		})
	}
}

func TestRenderData(t *testing.T) {
	docs := []json.RawMessage{
		json.RawMessage(`{ "url": "https://a.example",  "title": "A" }`),
		json.RawMessage(`not json`),
		json.RawMessage(`[1, 2]`),
	}

	got := RenderData(docs, 1024)
	want := "[1] {\"url\":\"https://a.example\",\"title\":\"A\"}\n[3] [1,2]\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderData_Budget(t *testing.T) {
	docs := []json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
		json.RawMessage(`{"n":3}`),
	}

	got := RenderData(docs, 20)
	if !strings.HasPrefix(got, "[1] {\"n\":1}\n") {
		t.Errorf("first document missing: %q", got)
	}
	if !strings.Contains(got, "2 more document(s) omitted") {
		t.Errorf("truncation marker missing: %q", got)
	}
}

func TestRenderData_Empty(t *testing.T) {
	if got := RenderData(nil, 0); got != "(no documents)\n" {
		t.Errorf("unexpected: %q", got)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", "Here you go: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`, true},
		{"no object", "sorry, I cannot", "", false},
		{"array only", "[1,2,3]", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			if ok != tt.ok || string(got) != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseCompletion(t *testing.T) {
	report, err := ParseCompletion(models.ReportKindSEO, "```json\n{\"title\":\"T\",\"summary\":\"S\",\"sources\":[\"https://a.example\"]}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Kind != models.ReportKindSEO || report.SEO == nil || report.SEO.Title != "T" {
		t.Errorf("unexpected report: %+v", report)
	}

	report, err = ParseCompletion(models.ReportKindSEO, `{"headline":"no title here"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Kind != models.ReportKindOpaque {
		t.Errorf("expected opaque report, got %s", report.Kind)
	}

	_, err = ParseCompletion(models.ReportKindSEO, "I could not do it")
	if !errors.Is(err, models.ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}

	_, err = ParseCompletion(models.ReportKindSEO, "{not json}")
	if !errors.Is(err, models.ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}
