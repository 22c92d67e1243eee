package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Wait-queue delay buckets. RabbitMQ only expires the message at the
// head of a queue, so mixed per-message TTLs in one queue let a long
// deferral stall everything behind it. Each bucket is a queue with a
// uniform queue-level TTL dead-lettering into the work queue; a job
// whose RunAt is further out than its bucket comes back early and is
// re-parked for the remainder.
var waitBuckets = []struct {
	ttl    time.Duration
	suffix string
}{
	{30 * time.Second, "30s"},
	{5 * time.Minute, "5m"},
	{time.Hour, "1h"},
	{6 * time.Hour, "6h"},
}

// waitBucket returns the index of the largest bucket not exceeding the
// delay, so a deferred job never oversleeps by more than the smallest
// bucket.
func waitBucket(delay time.Duration) int {
	b := 0
	for i, w := range waitBuckets {
		if w.ttl <= delay {
			b = i
		}
	}
	return b
}

// AMQPQueue implements Queue on RabbitMQ. Future jobs are parked in
// fixed-TTL wait queues whose dead-letter target is the main queue, so
// the broker releases them when due.
type AMQPQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	waitQueues []string
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger

	mu      sync.Mutex
	unacked map[string]amqp.Delivery
}

// NewAMQPQueue connects to the broker and declares the work and wait
// queues.
func NewAMQPQueue(url, queueName string, prefetch int, logger *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 8
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	waitQueues := make([]string, len(waitBuckets))
	for i, b := range waitBuckets {
		name := queueName + ".wait." + b.suffix
		_, err = channel.QueueDeclare(
			name,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             b.ttl.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": queueName,
			},
		)
		if err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare wait queue %s: %w", name, err)
		}
		waitQueues[i] = name
	}

	deliveries, err := channel.Consume(
		queueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return &AMQPQueue{
		conn:       conn,
		channel:    channel,
		queueName:  queueName,
		waitQueues: waitQueues,
		deliveries: deliveries,
		logger:     logger,
		unacked:    make(map[string]amqp.Delivery),
	}, nil
}

// Enqueue publishes the job; a future RunAt routes it through the wait
// queue whose TTL best matches the delay.
func (q *AMQPQueue) Enqueue(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	routingKey := q.queueName
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if delay := time.Until(job.RunAt); delay > 0 {
		routingKey = q.waitQueues[waitBucket(delay)]
	}

	if err := q.channel.PublishWithContext(ctx,
		"",         // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		publishing,
	); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	return nil
}

// Dequeue returns the next delivered job without blocking. A job
// released from a bucket shorter than its full delay is re-parked for
// the remainder instead of being handed out early.
func (q *AMQPQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, fmt.Errorf("delivery channel closed")
		}

		var job Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			q.logger.Error("discarding malformed job", "message_id", d.MessageId, "error", err)
			d.Nack(false, false)
			return nil, nil
		}

		if time.Until(job.RunAt) > time.Second {
			if err := q.Enqueue(ctx, &job); err != nil {
				d.Nack(false, true)
				return nil, fmt.Errorf("failed to re-park deferred job: %w", err)
			}
			d.Ack(false)
			return nil, nil
		}

		job.Status = StatusRunning
		job.UpdatedAt = time.Now()

		q.mu.Lock()
		q.unacked[job.ID] = d
		q.mu.Unlock()

		return &job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

// Update settles the broker delivery for the job. Deferred jobs are
// republished through a wait queue before the original delivery is
// acknowledged.
func (q *AMQPQueue) Update(ctx context.Context, job *Job) error {
	q.mu.Lock()
	d, ok := q.unacked[job.ID]
	if ok {
		delete(q.unacked, job.ID)
	}
	q.mu.Unlock()

	job.UpdatedAt = time.Now()

	switch job.Status {
	case StatusDeferred:
		if err := q.Enqueue(ctx, job); err != nil {
			// Put the claim back so the delivery is not lost
			q.mu.Lock()
			q.unacked[job.ID] = d
			q.mu.Unlock()
			return err
		}
		if ok {
			return d.Ack(false)
		}
		return nil
	case StatusCompleted, StatusFailed:
		if ok {
			return d.Ack(false)
		}
		return nil
	default:
		return nil
	}
}

// Stats reports broker-side queue depths. Per-status counts beyond
// pending and deferred are not tracked by the broker.
func (q *AMQPQueue) Stats(ctx context.Context) (*Stats, error) {
	main, err := q.channel.QueueDeclarePassive(q.queueName, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue: %w", err)
	}

	var deferred int64
	for _, name := range q.waitQueues {
		wait, err := q.channel.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect wait queue %s: %w", name, err)
		}
		deferred += int64(wait.Messages)
	}

	q.mu.Lock()
	running := int64(len(q.unacked))
	q.mu.Unlock()

	return &Stats{
		Pending:  int64(main.Messages),
		Deferred: deferred,
		Running:  running,
		Total:    int64(main.Messages) + deferred + running,
	}, nil
}

// Close closes the channel and connection.
func (q *AMQPQueue) Close() error {
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			q.logger.Warn("error closing channel", "error", err)
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
