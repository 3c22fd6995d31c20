// Package prompt builds the deterministic text sent to the AI step and reads
// its answer back into a report document.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// DefaultDataBudget caps the rendered documents appended to a prompt.
const DefaultDataBudget = 48 * 1024

// Params defines inputs for an analysis prompt.
type Params struct {
	Kind          models.ReportKind
	Title         string
	UserPrompt    string
	DocumentCount int
}

// BuildAnalysisPrompt returns the analysis prompt for a job. The same params
// always produce the same text, so a stored prompt can be rebuilt or reused.
func BuildAnalysisPrompt(p Params) string {
	var b strings.Builder
	switch p.Kind {
	case models.ReportKindInsight:
		b.WriteString("Produce a business insight report")
	default:
		b.WriteString("Produce an SEO report")
	}
	if t := strings.TrimSpace(p.Title); t != "" {
		fmt.Fprintf(&b, " titled %q", t)
	}
	fmt.Fprintf(&b, " from the %d collected document(s).\n", p.DocumentCount)
	if up := strings.TrimSpace(p.UserPrompt); up != "" {
		b.WriteString("Request: ")
		b.WriteString(up)
		b.WriteString("\n")
	}
	b.WriteString("Cite every source URL you rely on in the sources list.")
	return b.String()
}

// SystemInstruction describes the JSON shape the model must answer with.
func SystemInstruction(kind models.ReportKind) string {
	const common = "You are a research analyst. Answer with a single JSON object and nothing else. "
	switch kind {
	case models.ReportKindInsight:
		return common + `Shape: {"title": string, "summary": string, ` +
			`"findings": [{"title": string, "detail": string, "severity": "low"|"medium"|"high", "source": url}], ` +
			`"metrics": {name: number}, "recommendations": [string], "sources": [url]}`
	default:
		return common + `Shape: {"title": string, "summary": string, ` +
			`"keywords": [{"term": string, "volume": int, "difficulty": number, "intent": string}], ` +
			`"issues": [{"title": string, "detail": string, "severity": "low"|"medium"|"high", "source": url}], ` +
			`"recommendations": [string], "sources": [url]}`
	}
}

// RenderData compacts the documents one per line, stopping before the line
// that would exceed maxBytes. Documents that are not valid JSON are skipped.
func RenderData(results []json.RawMessage, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultDataBudget
	}
	var b strings.Builder
	for i, r := range results {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r); err != nil {
			continue
		}
		line := fmt.Sprintf("[%d] %s\n", i+1, buf.String())
		if b.Len()+len(line) > maxBytes {
			fmt.Fprintf(&b, "... %d more document(s) omitted\n", len(results)-i)
			break
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return "(no documents)\n"
	}
	return b.String()
}

// UserMessage is the full user turn for an analysis request.
func UserMessage(req models.AnalysisRequest, maxBytes int) string {
	return req.Prompt + "\n\nDOCUMENTS:\n" + RenderData(req.Results, maxBytes)
}

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and prose around it.
func ExtractJSON(text string) ([]byte, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	return []byte(text[start : end+1]), true
}

// ParseCompletion reads a model answer into a report. Anything that is not a
// JSON object is ErrInvalidResponse.
func ParseCompletion(kind models.ReportKind, text string) (models.Report, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return models.Report{}, fmt.Errorf("%w: no JSON object in completion", models.ErrInvalidResponse)
	}
	report, err := models.ParseReport(kind, raw)
	if errors.Is(err, models.ErrMalformedReport) {
		return models.Report{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	return report, err
}
