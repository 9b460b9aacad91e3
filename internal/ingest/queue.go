package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/metrics"
)

type TaskType string

const (
	TaskIngest  TaskType = "ingest"
	TaskAddCity TaskType = "add_city"
)

// Task is the queued form of a LoadWeatherData or AddNewCity call. Dates are
// YYYY-MM-DD and only used by ingest tasks.
type Task struct {
	ID       string   `json:"id"`
	Type     TaskType `json:"type"`
	City     string   `json:"city"`
	Country  string   `json:"country,omitempty"`
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Attempt  int      `json:"attempt,omitempty"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.City) == "" {
		return apperr.Invalid("city", "is required")
	}
	switch t.Type {
	case TaskAddCity:
		return nil
	case TaskIngest:
		if _, err := time.Parse(time.DateOnly, t.Start); err != nil {
			return apperr.Invalid("start", "must be YYYY-MM-DD")
		}
		if _, err := time.Parse(time.DateOnly, t.End); err != nil {
			return apperr.Invalid("end", "must be YYYY-MM-DD")
		}
		return nil
	default:
		return apperr.Invalid("type", "unknown task type %q", t.Type)
	}
}

// Delivery is a dequeued task plus the receipt needed to ack it.
type Delivery struct {
	Task    Task
	receipt string
}

// Queue delivers each task at least once. A delivery that is neither acked
// nor nacked is redelivered after a restart (Redis) or lost with the
// process (memory).
type Queue interface {
	Enqueue(ctx context.Context, task Task) (string, error)
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack requeues the task for another attempt.
	Nack(ctx context.Context, d Delivery) error
	// Postpone requeues the task without counting an attempt.
	Postpone(ctx context.Context, d Delivery) error
}

func prepare(task Task) (Task, error) {
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return task, nil
}

// MemoryQueue is an in-process queue on a buffered channel.
type MemoryQueue struct {
	tasks chan Task

	mu       sync.Mutex
	inflight map[string]Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{tasks: make(chan Task, size), inflight: map[string]Task{}}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) (string, error) {
	task, err := prepare(task)
	if err != nil {
		return "", err
	}
	select {
	case q.tasks <- task:
		metrics.QueueTasks.WithLabelValues(string(task.Type), "enqueued").Inc()
		return task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case task := <-q.tasks:
		receipt := uuid.NewString()
		q.mu.Lock()
		q.inflight[receipt] = task
		q.mu.Unlock()
		return Delivery{Task: task, receipt: receipt}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.receipt]; !ok {
		return fmt.Errorf("unknown delivery %q", d.receipt)
	}
	delete(q.inflight, d.receipt)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d Delivery) error {
	return q.requeue(ctx, d, 1)
}

func (q *MemoryQueue) Postpone(ctx context.Context, d Delivery) error {
	return q.requeue(ctx, d, 0)
}

func (q *MemoryQueue) requeue(ctx context.Context, d Delivery, attempts int) error {
	q.mu.Lock()
	task, ok := q.inflight[d.receipt]
	delete(q.inflight, d.receipt)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delivery %q", d.receipt)
	}
	task.Attempt += attempts
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of queued, undelivered tasks.
func (q *MemoryQueue) Pending() int { return len(q.tasks) }

const (
	DefaultStream = "weather:tasks"
	DefaultGroup  = "weatherstats"
)

// RedisQueue is a Redis Streams consumer group. Each consumer first drains
// its own pending entries (deliveries it never acked, e.g. before a crash)
// and then reads new entries.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	groupReady bool
	drainedPEL bool
	backlog    []Delivery
}

func NewRedisQueue(client *redis.Client, stream, group, consumer string, logger *zap.Logger) *RedisQueue {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	if consumer == "" {
		consumer = uuid.NewString()
	}
	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    5 * time.Second,
		logger:   logger,
	}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady = true
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) (string, error) {
	task, err := prepare(task)
	if err != nil {
		return "", err
	}
	if err := q.ensureGroup(ctx); err != nil {
		return "", err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	metrics.QueueTasks.WithLabelValues(string(task.Type), "enqueued").Inc()
	return task.ID, nil
}

// recoverPending loads this consumer's unacked entries once, so they are
// handed out before new ones.
func (q *RedisQueue) recoverPending(ctx context.Context) error {
	if q.drainedPEL {
		return nil
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, "0"},
		Count:    1000,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("xreadgroup pending: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			if d, ok := q.decode(ctx, msg); ok {
				q.backlog = append(q.backlog, d)
			}
		}
	}
	if len(q.backlog) > 0 {
		q.logger.Info("redelivering unacked tasks", zap.Int("count", len(q.backlog)))
	}
	q.drainedPEL = true
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return Delivery{}, err
	}

	q.mu.Lock()
	if err := q.recoverPending(ctx); err != nil {
		q.mu.Unlock()
		return Delivery{}, err
	}
	if len(q.backlog) > 0 {
		d := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()
		return d, nil
	}
	q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("xreadgroup: %w", err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if d, ok := q.decode(ctx, msg); ok {
					return d, nil
				}
			}
		}
	}
}

func (q *RedisQueue) decode(ctx context.Context, msg redis.XMessage) (Delivery, bool) {
	raw, _ := msg.Values["data"].(string)
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		q.logger.Error("dropping undecodable task", zap.String("id", msg.ID), zap.Error(err))
		q.client.XAck(ctx, q.stream, q.group, msg.ID)
		return Delivery{}, false
	}
	return Delivery{Task: task, receipt: msg.ID}, true
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.XAck(ctx, q.stream, q.group, d.receipt).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Nack re-adds the task as a new entry and acks the old one.
func (q *RedisQueue) Nack(ctx context.Context, d Delivery) error {
	return q.requeue(ctx, d, 1)
}

func (q *RedisQueue) Postpone(ctx context.Context, d Delivery) error {
	return q.requeue(ctx, d, 0)
}

func (q *RedisQueue) requeue(ctx context.Context, d Delivery, attempts int) error {
	task := d.Task
	task.Attempt += attempts
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return q.Ack(ctx, d)
}
