package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/metrics"
	"github.com/lox/weatherstats/internal/models"
)

const (
	DefaultMaxAttempts   = 3
	DefaultConflictDelay = 15 * time.Second
)

// Executor runs queued tasks; *Service implements it.
type Executor interface {
	LoadWeatherData(ctx context.Context, cityName string, start, end time.Time, country, providerName string) (*models.IngestRun, error)
	AddNewCity(ctx context.Context, cityName, country string) (*models.IngestRun, error)
}

// Producer enqueues load and add-city tasks.
type Producer struct {
	queue Queue
}

func NewProducer(q Queue) *Producer { return &Producer{queue: q} }

func (p *Producer) EnqueueLoad(ctx context.Context, city string, start, end time.Time, country, providerName string) (string, error) {
	return p.queue.Enqueue(ctx, Task{
		Type:     TaskIngest,
		City:     city,
		Country:  country,
		Start:    start.Format(time.DateOnly),
		End:      end.Format(time.DateOnly),
		Provider: providerName,
	})
}

func (p *Producer) EnqueueAddCity(ctx context.Context, city, country string) (string, error) {
	return p.queue.Enqueue(ctx, Task{Type: TaskAddCity, City: city, Country: country})
}

// WorkerPool runs tasks from a queue with a fixed number of workers.
type WorkerPool struct {
	queue         Queue
	exec          Executor
	workers       int
	maxAttempts   int
	conflictDelay time.Duration
	logger        *zap.Logger
}

func NewWorkerPool(q Queue, exec Executor, workers int, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		queue:         q,
		exec:          exec,
		workers:       workers,
		maxAttempts:   DefaultMaxAttempts,
		conflictDelay: DefaultConflictDelay,
		logger:        logger,
	}
}

// Run blocks until ctx is done. Tasks in progress finish with their own
// context cancelled between chunks.
func (w *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.workers {
		logger := w.logger.With(zap.Int("worker", i))
		g.Go(func() error {
			for {
				d, err := w.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Error("dequeue failed", zap.Error(err))
					select {
					case <-time.After(time.Second):
						continue
					case <-ctx.Done():
						return nil
					}
				}
				w.handle(ctx, d, logger)
			}
		})
	}
	return g.Wait()
}

// handle executes one delivery and settles it. Successful runs are acked. A
// task blocked by an overlapping active run waits conflictDelay and goes back
// on the queue without using up an attempt. Failures are requeued until the
// task has been attempted maxAttempts times; requests that can never succeed
// are acked immediately.
func (w *WorkerPool) handle(ctx context.Context, d Delivery, logger *zap.Logger) {
	task := d.Task
	logger = logger.With(
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("city", task.City),
		zap.Int("attempt", task.Attempt+1))

	run, err := w.Execute(ctx, task)
	if err == nil && run != nil && run.Status == models.RunFailed {
		err = fmt.Errorf("run %s failed: %s", run.ID, run.Error)
	}

	settle := context.WithoutCancel(ctx)
	var conflict *apperr.ConflictError
	switch {
	case err == nil:
		logger.Info("task done", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		metrics.QueueTasks.WithLabelValues(string(task.Type), "done").Inc()
		w.ack(settle, d, logger)
	case errors.As(err, &conflict):
		logger.Info("overlapping run active, postponing task", zap.Error(err), zap.Duration("delay", w.conflictDelay))
		metrics.QueueTasks.WithLabelValues(string(task.Type), "conflict").Inc()
		select {
		case <-time.After(w.conflictDelay):
		case <-ctx.Done():
		}
		if err := w.queue.Postpone(settle, d); err != nil {
			logger.Error("postpone failed", zap.Error(err))
		}
	case permanent(err) || task.Attempt+1 >= w.maxAttempts:
		logger.Error("task dropped", zap.Error(err))
		metrics.QueueTasks.WithLabelValues(string(task.Type), "dropped").Inc()
		w.ack(settle, d, logger)
	default:
		logger.Warn("task failed, requeueing", zap.Error(err))
		metrics.QueueTasks.WithLabelValues(string(task.Type), "retry").Inc()
		if err := w.queue.Nack(settle, d); err != nil {
			logger.Error("requeue failed", zap.Error(err))
		}
	}
}

func (w *WorkerPool) ack(ctx context.Context, d Delivery, logger *zap.Logger) {
	if err := w.queue.Ack(ctx, d); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}

// Execute runs a task synchronously.
func (w *WorkerPool) Execute(ctx context.Context, task Task) (*models.IngestRun, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	switch task.Type {
	case TaskAddCity:
		return w.exec.AddNewCity(ctx, task.City, task.Country)
	default:
		start, _ := time.Parse(time.DateOnly, task.Start)
		end, _ := time.Parse(time.DateOnly, task.End)
		return w.exec.LoadWeatherData(ctx, task.City, start, end, task.Country, task.Provider)
	}
}

// permanent reports errors that retrying the same task cannot fix.
func permanent(err error) bool {
	var (
		ve *apperr.ValidationError
		nf *apperr.NotFoundError
		pe *apperr.ProviderError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &nf):
		return true
	case errors.As(err, &pe):
		return !pe.Retryable()
	}
	return false
}
