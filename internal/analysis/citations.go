package analysis

import (
	"encoding/json"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/kiranshivaraju/reportforge/internal/validator"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// MaxCitations caps how many distinct URLs one report sends to the validator.
const MaxCitations = 50

// URL extraction regexes compiled once at package init.
var (
	reURL           = regexp.MustCompile(`https?://[^\s"'<>\x60]+`)
	reTrailingPunct = regexp.MustCompile(`[.,;:!?)\]}]+$`)
)

// ExtractCitations returns the distinct URLs a report cites, in first-seen
// order: declared sources first, then finding sources, then any URL found in
// finding text or, for opaque reports, anywhere in the document.
func ExtractCitations(r models.Report) []string {
	var candidates []string
	switch r.Kind {
	case models.ReportKindSEO:
		if r.SEO != nil {
			candidates = append(candidates, r.SEO.Sources...)
			candidates = append(candidates, findingURLs(r.SEO.Issues)...)
		}
	case models.ReportKindInsight:
		if r.Insight != nil {
			candidates = append(candidates, r.Insight.Sources...)
			candidates = append(candidates, findingURLs(r.Insight.Findings)...)
		}
	case models.ReportKindOpaque:
		candidates = append(candidates, opaqueURLs(r.Opaque)...)
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		key := CitationKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == MaxCitations {
			break
		}
	}
	return out
}

// CitationKey normalizes a URL for deduplication: scheme and host are
// lowercased, the fragment and a trailing slash are dropped. Inputs that do not
// parse are compared verbatim.
func CitationKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// AnnotateCitations records validator checks on the report.
func AnnotateCitations(r *models.Report, checks []validator.Check) {
	if len(checks) == 0 {
		return
	}
	r.Citations = make([]models.Citation, len(checks))
	for i, c := range checks {
		r.Citations[i] = models.Citation{
			URL:        c.URL,
			OK:         c.OK,
			StatusCode: c.StatusCode,
			FinalURL:   c.FinalURL,
			Error:      c.Error,
		}
	}
}

func findingURLs(findings []models.Finding) []string {
	var urls []string
	for _, f := range findings {
		if f.Source != "" {
			urls = append(urls, f.Source)
		}
	}
	for _, f := range findings {
		urls = append(urls, scanURLs(f.Detail)...)
	}
	return urls
}

func opaqueURLs(raw json.RawMessage) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var urls []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			urls = append(urls, scanURLs(t)...)
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			// Sorted so the same document always yields the same order.
			for _, k := range slices.Sorted(maps.Keys(t)) {
				walk(t[k])
			}
		}
	}
	walk(doc)
	return urls
}

func scanURLs(text string) []string {
	matches := reURL.FindAllString(text, -1)
	for i, m := range matches {
		matches[i] = reTrailingPunct.ReplaceAllString(m, "")
	}
	return matches
}
