package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/api"
	"github.com/lox/weatherstats/internal/cache"
	"github.com/lox/weatherstats/internal/config"
	"github.com/lox/weatherstats/internal/ingest"
	"github.com/lox/weatherstats/internal/provider"
	"github.com/lox/weatherstats/internal/stats"
	"github.com/lox/weatherstats/internal/store"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.Store
	redis    *redis.Client
	cache    cache.Cache
	queue    ingest.Queue
	pipeline *ingest.Pipeline
	ingest   *ingest.Service
	stats    *stats.Service
	producer *ingest.Producer
}

// importer joins pipeline validation with the producer for POST /imports.
type importer struct {
	*ingest.Pipeline
	*ingest.Producer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx, logger); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	var locker ingest.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.cache = cache.NewRedisCache(a.redis, logger)
		a.queue = ingest.NewRedisQueue(a.redis, ingest.DefaultStream, ingest.DefaultGroup, consumerName(), logger)
		locker = ingest.NewRedisLocker(a.redis, 0)
		logger.Info("using redis for cache, queue and locks", zap.String("addr", opts.Addr))
	} else {
		a.cache = cache.NewMemoryCache()
		a.queue = ingest.NewMemoryQueue(0)
		locker = ingest.NewMemoryLocker()
	}

	archive := provider.NewOpenMeteo(provider.OpenMeteoOptions{
		BaseURL: cfg.ArchiveURL,
		Timeout: cfg.ProviderTimeout,
	}, logger)
	var others []provider.Provider
	if cfg.FTPAddr != "" {
		others = append(others, provider.NewFTPArchive(provider.FTPArchiveOptions{
			Addr:     cfg.FTPAddr,
			User:     cfg.FTPUser,
			Password: cfg.FTPPassword,
			Dir:      cfg.FTPDir,
			Timeout:  cfg.ProviderTimeout,
		}, logger))
	}
	providers := provider.NewRegistry(archive, others...)

	a.pipeline = ingest.NewPipeline(st, providers, locker, ingest.NewRuns(0), ingest.PipelineOptions{
		MaxSpanDays:     cfg.MaxSpanDays,
		MaxChunkDays:    cfg.MaxChunkDays,
		ChunkWorkers:    cfg.ChunkWorkers,
		ArchivePayloads: true,
	}, logger)
	a.pipeline.OnComplete(cache.NewInvalidator(a.cache, logger).HandleRunCompleted)

	geocoder := provider.NewOpenMeteoGeocoder(cfg.GeocodingURL, cfg.ProviderTimeout, logger)
	a.ingest = ingest.NewService(st, geocoder, a.pipeline, ingest.ServiceOptions{DefaultCountry: cfg.DefaultCountry}, logger)
	a.stats = stats.NewService(stats.NewEngine(st, logger), st, a.cache, stats.ServiceOptions{
		TTL:           cfg.StatsTTL,
		ThresholdHigh: cfg.ThresholdHigh,
		ThresholdLow:  cfg.ThresholdLow,
		MaxSpanDays:   cfg.MaxSpanDays,
	}, logger)
	a.producer = ingest.NewProducer(a.queue)
	return a, nil
}

func (a *app) workerPool() *ingest.WorkerPool {
	return ingest.NewWorkerPool(a.queue, a.ingest, a.cfg.QueueWorkers, a.logger)
}

func (a *app) scheduler() *ingest.Scheduler {
	return ingest.NewScheduler(a.producer, a.store, a.ingest, ingest.SchedulerOptions{
		DailyImportAt:    a.cfg.DailyImportAt,
		RunRetentionDays: a.cfg.RunRetentionDays,
	}, a.logger)
}

func (a *app) server() *api.Server {
	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return a.store.DB().PingContext(ctx) },
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return api.NewServer(a.stats, a.ingest, importer{a.pipeline, a.producer}, api.Options{
		Addr:   a.cfg.Listen,
		Checks: checks,
	}, a.logger)
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

// consumerName is stable across restarts so a restarted worker reclaims the
// deliveries it left unacked.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "weatherstats"
	}
	return host
}
