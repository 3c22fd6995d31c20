// Package models contains shared data models used across the ReportForge codebase.
package models

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Failure classes of the AI step. They live here rather than in internal/ai so
// provider packages can return them without importing the factory.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type AIProvider interface {
	// Analyze turns the job's raw documents into a structured report.
	Analyze(ctx context.Context, req AnalysisRequest) (Report, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// AnalysisRequest is the input to an AI analysis operation.
type AnalysisRequest struct {
	JobID   uuid.UUID
	Kind    ReportKind
	Prompt  string            // the job's analysis prompt, reused verbatim on retry
	Results []json.RawMessage // raw crawler documents, in delivery order
}
