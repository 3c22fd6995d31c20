package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedReport is returned when analysis output is not a JSON object.
var ErrMalformedReport = errors.New("malformed report document")

// ReportKind selects one of the closed set of report shapes.
type ReportKind string

const (
	ReportKindSEO     ReportKind = "seo"
	ReportKindInsight ReportKind = "insight"
	// ReportKindOpaque holds analysis output that did not match the requested shape.
	ReportKindOpaque ReportKind = "opaque"
)

// Valid reports whether k can be requested for a job. Opaque is output-only.
func (k ReportKind) Valid() bool {
	return k == ReportKindSEO || k == ReportKindInsight
}

// Report is a tagged union over the known report shapes. Exactly one of SEO,
// Insight or Opaque is set, matching Kind.
type Report struct {
	Kind      ReportKind      `json:"kind"`
	SEO       *SEOReport      `json:"seo,omitempty"`
	Insight   *InsightReport  `json:"insight,omitempty"`
	Opaque    json.RawMessage `json:"opaque,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
}

type SEOReport struct {
	Title           string    `json:"title"`
	Summary         string    `json:"summary"`
	Keywords        []Keyword `json:"keywords"`
	Issues          []Finding `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	Sources         []string  `json:"sources"`
}

type InsightReport struct {
	Title           string             `json:"title"`
	Summary         string             `json:"summary"`
	Findings        []Finding          `json:"findings"`
	Metrics         map[string]float64 `json:"metrics"`
	Recommendations []string           `json:"recommendations"`
	Sources         []string           `json:"sources"`
}

type Keyword struct {
	Term       string  `json:"term"`
	Volume     int     `json:"volume,omitempty"`
	Difficulty float64 `json:"difficulty,omitempty"`
	Intent     string  `json:"intent,omitempty"`
}

type Finding struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Severity string `json:"severity,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Citation annotates a source URL with the outcome of its liveness check.
type Citation struct {
	URL        string `json:"url"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	FinalURL   string `json:"final_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ParseReport decodes raw analysis output into the shape requested by kind.
// Output that is a JSON object but does not fit the shape, or has no title,
// is kept as an opaque report rather than rejected.
func ParseReport(kind ReportKind, raw []byte) (Report, error) {
	raw = bytes.TrimSpace(raw)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Report{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedReport)
	}

	switch kind {
	case ReportKindSEO:
		var seo SEOReport
		if err := json.Unmarshal(raw, &seo); err == nil && strings.TrimSpace(seo.Title) != "" {
			return Report{Kind: ReportKindSEO, SEO: &seo}, nil
		}
	case ReportKindInsight:
		var in InsightReport
		if err := json.Unmarshal(raw, &in); err == nil && strings.TrimSpace(in.Title) != "" {
			return Report{Kind: ReportKindInsight, Insight: &in}, nil
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return Report{Kind: ReportKindOpaque, Opaque: json.RawMessage(compact.Bytes())}, nil
}

// Title returns the report title for any variant.
func (r Report) Title() string {
	switch r.Kind {
	case ReportKindSEO:
		if r.SEO != nil {
			return r.SEO.Title
		}
	case ReportKindInsight:
		if r.Insight != nil {
			return r.Insight.Title
		}
	case ReportKindOpaque:
		return r.opaqueString("title")
	}
	return ""
}

// SummaryText returns the report's prose summary for any variant.
func (r Report) SummaryText() string {
	switch r.Kind {
	case ReportKindSEO:
		if r.SEO != nil {
			return r.SEO.Summary
		}
	case ReportKindInsight:
		if r.Insight != nil {
			return r.Insight.Summary
		}
	case ReportKindOpaque:
		return r.opaqueString("summary")
	}
	return ""
}

// Findings returns the ordered findings (SEO issues or insight findings).
func (r Report) Findings() []Finding {
	switch r.Kind {
	case ReportKindSEO:
		if r.SEO != nil {
			return r.SEO.Issues
		}
	case ReportKindInsight:
		if r.Insight != nil {
			return r.Insight.Findings
		}
	}
	return nil
}

// MetricCounts returns the element counts of the report's list-valued fields.
func (r Report) MetricCounts() map[string]int {
	counts := map[string]int{}
	switch r.Kind {
	case ReportKindSEO:
		if r.SEO != nil {
			counts["keywords"] = len(r.SEO.Keywords)
			counts["issues"] = len(r.SEO.Issues)
			counts["recommendations"] = len(r.SEO.Recommendations)
			counts["sources"] = len(r.SEO.Sources)
		}
	case ReportKindInsight:
		if r.Insight != nil {
			counts["findings"] = len(r.Insight.Findings)
			counts["metrics"] = len(r.Insight.Metrics)
			counts["recommendations"] = len(r.Insight.Recommendations)
			counts["sources"] = len(r.Insight.Sources)
		}
	case ReportKindOpaque:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r.Opaque, &obj); err == nil {
			for k, v := range obj {
				var arr []json.RawMessage
				if json.Unmarshal(v, &arr) == nil {
					counts[k] = len(arr)
				}
			}
		}
	}
	if len(r.Citations) > 0 {
		valid := 0
		for _, c := range r.Citations {
			if c.OK {
				valid++
			}
		}
		counts["citations"] = len(r.Citations)
		counts["valid_citations"] = valid
	}
	return counts
}

func (r Report) opaqueString(key string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r.Opaque, &obj); err != nil {
		return ""
	}
	var s string
	if v, ok := obj[key]; ok && json.Unmarshal(v, &s) == nil {
		return s
	}
	return ""
}

// SummaryFindings is how many findings a ReportSummary keeps.
const SummaryFindings = 5

// ReportSummary is the trimmed subset of a report kept inline next to a blob
// reference. It must be enough to render a non-blank view on its own.
type ReportSummary struct {
	Kind         ReportKind     `json:"kind"`
	Title        string         `json:"title"`
	Summary      string         `json:"summary,omitempty"`
	MetricCounts map[string]int `json:"metric_counts,omitempty"`
	TopFindings  []Finding      `json:"top_findings,omitempty"`
}

// Summarize builds the trimmed summary of r.
func (r Report) Summarize() ReportSummary {
	findings := r.Findings()
	if len(findings) > SummaryFindings {
		findings = findings[:SummaryFindings]
	}
	s := ReportSummary{
		Kind:         r.Kind,
		Title:        r.Title(),
		Summary:      r.SummaryText(),
		MetricCounts: r.MetricCounts(),
	}
	if len(findings) > 0 {
		s.TopFindings = append([]Finding(nil), findings...)
	}
	if len(s.MetricCounts) == 0 {
		s.MetricCounts = nil
	}
	return s
}

// MetricKeys returns the summary's metric names in sorted order.
func (s ReportSummary) MetricKeys() []string {
	keys := make([]string, 0, len(s.MetricCounts))
	for k := range s.MetricCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
