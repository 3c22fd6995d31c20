package models

import "encoding/json"

type PayloadMode string

const (
	PayloadInline PayloadMode = "inline"
	PayloadBlob   PayloadMode = "blob"
)

// PayloadRef is how a job record holds its report: either the document itself
// (inline) or a handle to exactly one stored blob plus an inline summary that
// stays readable when the blob is not.
type PayloadRef struct {
	Mode     PayloadMode     `json:"mode"`
	Inline   json.RawMessage `json:"inline,omitempty"`
	BlobKey  string          `json:"blob_key,omitempty"`
	Size     int64           `json:"size"`
	Checksum string          `json:"checksum,omitempty"`
	Summary  ReportSummary   `json:"summary"`
}
