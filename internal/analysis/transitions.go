package analysis

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/kiranshivaraju/reportforge/internal/store"
	"github.com/kiranshivaraju/reportforge/pkg/models"
)

// validTransitions lists, for every status, the statuses a job may move to.
// Retry is the only edge out of completed and failed.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:   {models.JobStatusRunning, models.JobStatusFailed},
	models.JobStatusRunning:   {models.JobStatusAnalyzing, models.JobStatusFailed},
	models.JobStatusAnalyzing: {models.JobStatusAnalyzing, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusCompleted: {models.JobStatusAnalyzing},
	models.JobStatusFailed:    {models.JobStatusAnalyzing},
}

// CanTransition reports whether a job in from may move to to.
func CanTransition(from, to models.JobStatus) bool {
	return slices.Contains(validTransitions[from], to)
}

// sourcesOf returns every status from which to is reachable in one step.
func sourcesOf(to models.JobStatus) []models.JobStatus {
	var from []models.JobStatus
	for _, s := range []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusAnalyzing,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// Each builder below returns the options of exactly one guarded PatchJob
// call, so the status change and the fields it implies land together. The
// schedule edge is narrower than sourcesOf(analyzing): only a freshly
// ingested job may be scheduled.

func ingestPatch(results []json.RawMessage) []store.JobPatchOption {
	return []store.JobPatchOption{
		store.WithStatus(models.JobStatusRunning),
		store.WithResults(results),
		store.IfStatusIn(sourcesOf(models.JobStatusRunning)...),
	}
}

func schedulePatch() []store.JobPatchOption {
	return []store.JobPatchOption{
		store.WithStatus(models.JobStatusAnalyzing),
		store.IfStatusIn(models.JobStatusRunning),
	}
}

func completePatch(ref models.PayloadRef, now time.Time) []store.JobPatchOption {
	return []store.JobPatchOption{
		store.WithStatus(models.JobStatusCompleted),
		store.WithReport(ref),
		store.ClearError(),
		store.WithCompletedAt(now),
		store.IfStatusIn(sourcesOf(models.JobStatusCompleted)...),
	}
}

func failPatch(msg string, now time.Time) []store.JobPatchOption {
	return []store.JobPatchOption{
		store.WithStatus(models.JobStatusFailed),
		store.WithError(msg),
		store.ClearReport(),
		store.WithCompletedAt(now),
		store.IfStatusIn(sourcesOf(models.JobStatusFailed)...),
	}
}

// retryPatch resets a job for another analysis run. Results and prompts are
// left untouched.
func retryPatch() []store.JobPatchOption {
	return []store.JobPatchOption{
		store.WithStatus(models.JobStatusAnalyzing),
		store.ClearReport(),
		store.ClearError(),
		store.ClearCompletedAt(),
		store.IfStatusIn(sourcesOf(models.JobStatusAnalyzing)...),
	}
}
