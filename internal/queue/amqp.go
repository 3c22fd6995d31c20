package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue publishes tasks as persistent messages on a durable RabbitMQ
// queue and acknowledges them only after the handler has returned.
type AMQPQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	name        string
	workers     int
	maxAttempts int
	closeOnce   sync.Once
}

func NewAMQPQueue(url, name string, workers, maxAttempts int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}

	q := &AMQPQueue{
		conn:        conn,
		ch:          ch,
		name:        name,
		workers:     normalizeWorkers(workers),
		maxAttempts: normalizeAttempts(maxAttempts),
	}
	if err := ch.Qos(q.workers, 0, false); err != nil {
		q.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return q, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, jobID uuid.UUID) (Task, error) {
	task := NewTask(jobID)
	if err := q.publish(ctx, task); err != nil {
		return Task{}, err
	}
	metrics.QueueTasks.WithLabelValues("amqp", "enqueued").Inc()
	return task, nil
}

func (q *AMQPQueue) publish(ctx context.Context, task Task) error {
	if q.conn.IsClosed() {
		return ErrClosed
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.ID.String(),
		Timestamp:    task.EnqueuedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Run(ctx context.Context, h Handler) error {
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.name, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, h, deliveries)
		}()
	}
	wg.Wait()
	return nil
}

func (q *AMQPQueue) work(ctx context.Context, h Handler, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			q.handle(ctx, h, d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		slog.Error("dropping undecodable task", "queue", q.name, "error", err)
		_ = d.Nack(false, false)
		return
	}

	if !dispatch(ctx, "amqp", h, task, q.maxAttempts) {
		_ = d.Ack(false)
		return
	}

	task.Attempt++
	if err := q.publish(context.Background(), task); err != nil {
		// Leave the original message with the broker.
		slog.Error("republish failed, requeueing original", "task_id", task.ID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		if cerr := q.ch.Close(); cerr != nil {
			err = cerr
		}
		if cerr := q.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

var _ Queue = (*AMQPQueue)(nil)
