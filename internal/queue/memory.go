package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
)

// MemoryQueue is a bounded in-process queue served by a fixed worker pool.
// Tasks do not survive a restart; the pipeline's startup recovery re-enqueues
// unfinished jobs.
type MemoryQueue struct {
	tasks       chan Task
	done        chan struct{}
	closeOnce   sync.Once
	workers     int
	maxAttempts int
}

func NewMemoryQueue(workers, buffer, maxAttempts int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1
	}
	return &MemoryQueue{
		tasks:       make(chan Task, buffer),
		done:        make(chan struct{}),
		workers:     normalizeWorkers(workers),
		maxAttempts: normalizeAttempts(maxAttempts),
	}
}

// Enqueue blocks while the buffer is full, until ctx ends or the queue closes.
func (q *MemoryQueue) Enqueue(ctx context.Context, jobID uuid.UUID) (Task, error) {
	task := NewTask(jobID)
	if err := q.push(ctx, task); err != nil {
		return Task{}, err
	}
	metrics.QueueTasks.WithLabelValues("memory", "enqueued").Inc()
	return task, nil
}

func (q *MemoryQueue) push(ctx context.Context, task Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case task := <-q.tasks:
			if dispatch(ctx, "memory", h, task, q.maxAttempts) {
				task.Attempt++
				go func() { _ = q.push(context.Background(), task) }()
			}
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
