// Package queue runs analysis tasks in the background with at-least-once
// delivery. Callers enqueue and move on; a failed task is redelivered until
// it has been attempted MaxAttempts times.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
)

var ErrClosed = errors.New("queue closed")

const DefaultMaxAttempts = 3

// Task is one unit of background analysis work.
type Task struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask returns the first attempt of a task for jobID.
func NewTask(jobID uuid.UUID) Task {
	return Task{ID: uuid.New(), JobID: jobID, Attempt: 1, EnqueuedAt: time.Now().UTC()}
}

// Handler processes one task. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, task Task) error

// Queue is implemented by the memory, Redis and AMQP backends.
type Queue interface {
	// Enqueue schedules jobID and returns the task handle. It does not wait for
	// the task to run.
	Enqueue(ctx context.Context, jobID uuid.UUID) (Task, error)
	// Run consumes tasks until ctx is cancelled or the queue is closed.
	Run(ctx context.Context, h Handler) error
	Close() error
}

// dispatch runs h for task and reports whether the task should be delivered again.
func dispatch(ctx context.Context, backend string, h Handler, task Task, maxAttempts int) (redeliver bool) {
	err := h(ctx, task)
	if err == nil {
		metrics.QueueTasks.WithLabelValues(backend, "done").Inc()
		return false
	}
	if task.Attempt < maxAttempts {
		slog.Warn("task failed, redelivering",
			"backend", backend,
			"task_id", task.ID,
			"job_id", task.JobID,
			"attempt", task.Attempt,
			"error", err,
		)
		metrics.QueueTasks.WithLabelValues(backend, "retried").Inc()
		return true
	}
	slog.Error("task dropped after final attempt",
		"backend", backend,
		"task_id", task.ID,
		"job_id", task.JobID,
		"attempt", task.Attempt,
		"error", err,
	)
	metrics.QueueTasks.WithLabelValues(backend, "dropped").Inc()
	return false
}

func normalizeAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}

func normalizeWorkers(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
