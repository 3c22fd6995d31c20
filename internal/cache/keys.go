package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("rf:job:%s:status", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("rf:ratelimit:%s", keyPrefix)
}

// QueueKey is the pending list of a Redis-backed task queue.
func QueueKey(name string) string {
	return fmt.Sprintf("rf:queue:%s", name)
}

// ProcessingKey holds tasks a worker has taken but not yet finished.
func ProcessingKey(name string) string {
	return fmt.Sprintf("rf:queue:%s:processing", name)
}
