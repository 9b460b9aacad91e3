package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/models"
)

// CityLister lists cities that already have observations.
type CityLister interface {
	ListCitiesWithData(ctx context.Context) ([]models.City, error)
}

// Cleaner deletes old run history.
type Cleaner interface {
	CleanupRuns(ctx context.Context, retention time.Duration) (runs, payloads int64, err error)
}

type SchedulerOptions struct {
	DailyImportAt    string // HH:MM, UTC
	RunRetentionDays int
	// CleanupAt defaults to one hour after DailyImportAt.
	CleanupAt string
}

// Scheduler enqueues yesterday's import for every city with data each day
// and prunes old run history.
type Scheduler struct {
	cron     *gocron.Scheduler
	producer *Producer
	cities   CityLister
	cleaner  Cleaner
	opts     SchedulerOptions
	now      func() time.Time
	logger   *zap.Logger
}

func NewScheduler(producer *Producer, cities CityLister, cleaner Cleaner, opts SchedulerOptions, logger *zap.Logger) *Scheduler {
	if opts.DailyImportAt == "" {
		opts.DailyImportAt = "02:00"
	}
	if opts.RunRetentionDays <= 0 {
		opts.RunRetentionDays = 30
	}
	if opts.CleanupAt == "" {
		if t, err := time.Parse("15:04", opts.DailyImportAt); err == nil {
			opts.CleanupAt = t.Add(time.Hour).Format("15:04")
		}
	}
	return &Scheduler{
		cron:     gocron.NewScheduler(time.UTC),
		producer: producer,
		cities:   cities,
		cleaner:  cleaner,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// Start registers the daily jobs and starts the scheduler in the background.
func (s *Scheduler) Start() error {
	if _, err := s.cron.Every(1).Day().At(s.opts.DailyImportAt).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.EnqueueDailyImports(ctx); err != nil {
			s.logger.Error("daily import failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule daily import: %w", err)
	}

	if _, err := s.cron.Every(1).Day().At(s.opts.CleanupAt).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.Cleanup(ctx); err != nil {
			s.logger.Error("run cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}

	s.cron.StartAsync()
	s.logger.Info("scheduler started",
		zap.String("daily_import_at", s.opts.DailyImportAt),
		zap.String("cleanup_at", s.opts.CleanupAt))
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// EnqueueDailyImports queues an ingest of yesterday (UTC) for each city with
// data and returns how many tasks were queued.
func (s *Scheduler) EnqueueDailyImports(ctx context.Context) (int, error) {
	cities, err := s.cities.ListCitiesWithData(ctx)
	if err != nil {
		return 0, err
	}
	yesterday := time.Date(s.now().UTC().Year(), s.now().UTC().Month(), s.now().UTC().Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	queued := 0
	for _, c := range cities {
		id, err := s.producer.EnqueueLoad(ctx, c.Name, yesterday, yesterday, c.Country, "")
		if err != nil {
			s.logger.Error("enqueue daily import failed", zap.String("city", c.Name), zap.Error(err))
			continue
		}
		queued++
		s.logger.Debug("queued daily import", zap.String("city", c.Name), zap.String("task_id", id))
	}
	s.logger.Info("daily imports queued",
		zap.String("date", yesterday.Format(time.DateOnly)),
		zap.Int("cities", len(cities)),
		zap.Int("queued", queued))
	return queued, nil
}

func (s *Scheduler) Cleanup(ctx context.Context) error {
	_, _, err := s.cleaner.CleanupRuns(ctx, time.Duration(s.opts.RunRetentionDays)*24*time.Hour)
	return err
}
