package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a report job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusAnalyzing JobStatus = "analyzing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusAnalyzing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one advisory line in a job's log. The pipeline never reads logs back.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// Job is the durable record of one report request. The API returns its id on
// POST /api/v1/jobs; the crawler pushes raw data for it through the ingest
// webhook and the client polls GET /api/v1/jobs/{id} until it is terminal.
type Job struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	OwnerID        uuid.UUID         `db:"owner_id"        json:"owner_id"`
	Kind           ReportKind        `db:"kind"            json:"kind"`
	Title          string            `db:"title"           json:"title"`
	Prompt         string            `db:"prompt"          json:"prompt"`
	AnalysisPrompt *string           `db:"analysis_prompt" json:"analysis_prompt,omitempty"`
	Status         JobStatus         `db:"status"          json:"status"`
	Results        []json.RawMessage `db:"results"         json:"results"`
	Report         *PayloadRef       `db:"report"          json:"report,omitempty"`
	Error          *string           `db:"error"           json:"error,omitempty"`
	Logs           []LogEntry        `db:"logs"            json:"logs"`
	Archived       bool              `db:"archived"        json:"archived"`
	CompletedAt    *time.Time        `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"      json:"updated_at"`
}
