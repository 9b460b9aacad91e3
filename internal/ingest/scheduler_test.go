package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/models"
)

type cityList []models.City

func (c cityList) ListCitiesWithData(context.Context) ([]models.City, error) { return c, nil }

type failingCities struct{}

func (failingCities) ListCitiesWithData(context.Context) ([]models.City, error) {
	return nil, errors.New("database is locked")
}

type cleanerFunc func(ctx context.Context, retention time.Duration) (int64, int64, error)

func (f cleanerFunc) CleanupRuns(ctx context.Context, retention time.Duration) (int64, int64, error) {
	return f(ctx, retention)
}

func TestScheduler_EnqueueDailyImports(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8)
	cities := cityList{
		{ID: 1, Name: "Madrid", Country: "Spain"},
		{ID: 2, Name: "Lisboa", Country: "Portugal"},
	}
	s := NewScheduler(NewProducer(q), cities, nil, SchedulerOptions{}, zap.NewNop())
	s.now = func() time.Time { return time.Date(2025, 7, 4, 0, 30, 0, 0, time.UTC) }

	n, err := s.EnqueueDailyImports(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, 2, q.Pending())

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskIngest, d.Task.Type)
	assert.Equal(t, "Madrid", d.Task.City)
	assert.Equal(t, "2025-07-03", d.Task.Start)
	assert.Equal(t, "2025-07-03", d.Task.End)

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Portugal", d.Task.Country)
}

func TestScheduler_EnqueueDailyImportsListError(t *testing.T) {
	s := NewScheduler(NewProducer(NewMemoryQueue(1)), failingCities{}, nil, SchedulerOptions{}, zap.NewNop())
	_, err := s.EnqueueDailyImports(context.Background())
	assert.Error(t, err)
}

func TestScheduler_Cleanup(t *testing.T) {
	var got time.Duration
	cleaner := cleanerFunc(func(_ context.Context, retention time.Duration) (int64, int64, error) {
		got = retention
		return 3, 2, nil
	})
	s := NewScheduler(NewProducer(NewMemoryQueue(1)), cityList{}, cleaner, SchedulerOptions{RunRetentionDays: 7}, zap.NewNop())

	require.NoError(t, s.Cleanup(context.Background()))
	assert.Equal(t, 7*24*time.Hour, got)
}

func TestScheduler_Defaults(t *testing.T) {
	s := NewScheduler(nil, cityList{}, nil, SchedulerOptions{DailyImportAt: "23:30"}, zap.NewNop())
	assert.Equal(t, "00:30", s.opts.CleanupAt)
	assert.Equal(t, 30, s.opts.RunRetentionDays)

	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Jobs(), 2)
	s.Stop()
}
