package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/cache"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const blockTimeout = time.Second

// RedisQueue is a reliable list queue. Workers atomically move a task from
// the pending list into a processing list and remove it once handled, so a
// crashed worker leaves its task in processing, where the next Run picks it up.
// Recovery assumes a single consuming process per queue name.
type RedisQueue struct {
	client      *redis.Client
	pending     string
	processing  string
	workers     int
	maxAttempts int
	done        chan struct{}
	closeOnce   sync.Once
}

func NewRedisQueue(client *redis.Client, name string, workers, maxAttempts int) *RedisQueue {
	return &RedisQueue{
		client:      client,
		pending:     cache.QueueKey(name),
		processing:  cache.ProcessingKey(name),
		workers:     normalizeWorkers(workers),
		maxAttempts: normalizeAttempts(maxAttempts),
		done:        make(chan struct{}),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID) (Task, error) {
	if q.closed() {
		return Task{}, ErrClosed
	}
	task := NewTask(jobID)
	payload, err := json.Marshal(task)
	if err != nil {
		return Task{}, fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	metrics.QueueTasks.WithLabelValues("redis", "enqueued").Inc()
	return task, nil
}

func (q *RedisQueue) Run(ctx context.Context, h Handler) error {
	if err := q.requeueInFlight(ctx); err != nil {
		return err
	}

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

// requeueInFlight moves tasks left in the processing list back to the head of the
// pending list.
func (q *RedisQueue) requeueInFlight(ctx context.Context) error {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("recover processing list: %w", err)
		}
		moved++
	}
	if moved > 0 {
		slog.Info("recovered in-flight tasks", "queue", q.pending, "count", moved)
	}
	return nil
}

func (q *RedisQueue) work(ctx context.Context, h Handler) {
	for {
		if ctx.Err() != nil || q.closed() {
			return
		}

		payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue receive failed", "queue", q.pending, "error", err)
			time.Sleep(blockTimeout)
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			slog.Error("dropping undecodable task", "queue", q.pending, "error", err)
			q.client.LRem(context.Background(), q.processing, 1, payload)
			continue
		}

		redeliver := dispatch(ctx, "redis", h, task, q.maxAttempts)
		if err := q.finish(payload, task, redeliver); err != nil {
			slog.Error("queue acknowledge failed", "task_id", task.ID, "error", err)
		}
	}
}

// finish removes payload from the processing list and, when asked, pushes
// the next attempt in the same transaction.
func (q *RedisQueue) finish(payload string, task Task, redeliver bool) error {
	ctx := context.Background()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, payload)
	if redeliver {
		task.Attempt++
		next, err := json.Marshal(task)
		if err != nil {
			return err
		}
		pipe.LPush(ctx, q.pending, next)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Close stops the workers. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*RedisQueue)(nil)
