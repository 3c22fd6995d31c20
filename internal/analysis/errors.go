package analysis

import "errors"

var (
	// ErrPreconditionFailed is returned when a retry is requested for a job
	// that has no collected results or no prompt. Nothing is mutated.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrIngestion marks a webhook delivery that could not be accepted.
	ErrIngestion = errors.New("ingestion error")

	// ErrCrawler is returned by CreateJob when the crawler run could not be
	// started. The job has been marked failed.
	ErrCrawler = errors.New("crawler run failed")

	ErrInvalidJob     = errors.New("invalid job request")
	ErrReportNotReady = errors.New("report not ready")
)
