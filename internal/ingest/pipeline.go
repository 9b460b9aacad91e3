// Package ingest runs provider fetches into the observation store: chunked,
// locked per city and range, tracked as runs, and triggered from the CLI, a
// task queue or the daily scheduler.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/metrics"
	"github.com/lox/weatherstats/internal/models"
	"github.com/lox/weatherstats/internal/provider"
	"github.com/lox/weatherstats/internal/store"
)

const (
	DefaultMaxSpanDays = 366
	cancelledChunk     = "cancelled"
)

// RunStore is the write side of the store used by the pipeline.
type RunStore interface {
	Upsert(ctx context.Context, cityID int64, obs []models.Observation) (store.UpsertCounts, error)
	CreateRun(ctx context.Context, run *models.IngestRun) error
	UpdateRun(ctx context.Context, run *models.IngestRun) error
	StoreRawPayload(ctx context.Context, runID, providerName string, cityID int64, chunkStart time.Time, payload []byte) (int64, error)
}

type Request struct {
	City     models.City
	Start    time.Time
	End      time.Time
	Provider string
}

type PipelineOptions struct {
	MaxSpanDays int
	// MaxChunkDays caps chunk size below the provider's own maximum.
	MaxChunkDays int
	ChunkWorkers int
	// ArchivePayloads keeps each chunk's raw provider response.
	ArchivePayloads bool
}

type Pipeline struct {
	store     RunStore
	providers *provider.Registry
	locker    Locker
	runs      *Runs
	opts      PipelineOptions
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	listeners []func(context.Context, models.RunCompleted)
}

func NewPipeline(st RunStore, providers *provider.Registry, locker Locker, runs *Runs, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if opts.MaxSpanDays <= 0 {
		opts.MaxSpanDays = DefaultMaxSpanDays
	}
	if opts.ChunkWorkers <= 0 {
		opts.ChunkWorkers = 1
	}
	if runs == nil {
		runs = NewRuns(0)
	}
	return &Pipeline{
		store:     st,
		providers: providers,
		locker:    locker,
		runs:      runs,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// OnComplete registers fn to be called after every run reaches a terminal
// status, in registration order.
func (p *Pipeline) OnComplete(fn func(context.Context, models.RunCompleted)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Pipeline) Runs() *Runs { return p.runs }

// Yesterday is the latest date that can be ingested, by UTC calendar.
func (p *Pipeline) Yesterday() time.Time {
	return provider.Date(p.now().UTC()).AddDate(0, 0, -1)
}

// Validate checks a range and provider name before any fetch or store work.
func (p *Pipeline) Validate(start, end time.Time, providerName string) error {
	start, end = provider.Date(start), provider.Date(end)
	if start.IsZero() || end.IsZero() {
		return apperr.Invalid("date", "start and end dates are required")
	}
	if end.Before(start) {
		return apperr.Invalid("end_date", "must not be before start_date")
	}
	if days := (provider.DateRange{Start: start, End: end}).Days(); days > p.opts.MaxSpanDays {
		return apperr.Invalid("end_date", "range of %d days exceeds the maximum of %d", days, p.opts.MaxSpanDays)
	}
	if yesterday := p.Yesterday(); end.After(yesterday) {
		return apperr.Invalid("end_date", "must be on or before %s", yesterday.Format(time.DateOnly))
	}
	if _, ok := p.providers.Get(providerName); !ok {
		return apperr.Invalid("provider", "unknown provider %q", providerName)
	}
	return nil
}

// Run ingests the request's range chunk by chunk. Chunk failures are recorded
// on the returned run rather than returned as errors; the error is non-nil
// only when the run could not start (validation, lock conflict, store).
func (p *Pipeline) Run(ctx context.Context, req Request) (*models.IngestRun, error) {
	if err := p.Validate(req.Start, req.End, req.Provider); err != nil {
		return nil, err
	}
	prov, _ := p.providers.Get(req.Provider)
	start, end := provider.Date(req.Start), provider.Date(req.End)
	city := req.City

	release, err := p.locker.Acquire(ctx, city, start, end)
	if err != nil {
		return nil, err
	}
	defer release()

	run := &models.IngestRun{
		ID:        uuid.NewString(),
		CityID:    city.ID,
		CityName:  city.Name,
		Provider:  prov.Name(),
		StartDate: start,
		EndDate:   end,
		Status:    models.RunPending,
		StartedAt: p.now().UTC(),
	}
	maxDays := prov.MaxRangeDays()
	if p.opts.MaxChunkDays > 0 && p.opts.MaxChunkDays < maxDays {
		maxDays = p.opts.MaxChunkDays
	}
	chunks := provider.Chunks(start, end, maxDays)
	for _, c := range chunks {
		run.Chunks = append(run.Chunks, models.ChunkResult{Start: c.Start, End: c.End})
	}

	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	p.runs.put(run)

	logger := p.logger.With(
		zap.String("run_id", run.ID),
		zap.String("city", city.Name),
		zap.String("provider", run.Provider))

	run.Status = models.RunRunning
	p.persist(ctx, run, logger)
	logger.Info("ingestion started",
		zap.String("start", start.Format(time.DateOnly)),
		zap.String("end", end.Format(time.DateOnly)),
		zap.Int("chunks", len(chunks)))

	var (
		progressMu sync.Mutex
		g          errgroup.Group
	)
	g.SetLimit(p.opts.ChunkWorkers)
	for i, chunk := range chunks {
		g.Go(func() error {
			var res models.ChunkResult
			if ctx.Err() != nil {
				res = models.ChunkResult{Start: chunk.Start, End: chunk.End, Error: cancelledChunk}
			} else {
				res = p.processChunk(ctx, run.ID, city, prov, chunk, logger)
			}

			progressMu.Lock()
			defer progressMu.Unlock()
			run.Chunks[i] = res
			run.Fetched += res.Fetched
			run.Inserted += res.Inserted
			run.Updated += res.Updated
			run.Unchanged += res.Unchanged
			if res.Failed() {
				run.FailedChunks++
			}
			p.persist(ctx, run, logger)
			return nil
		})
	}
	g.Wait()

	p.finish(ctx, run, city, logger)
	return p.runs.Get(run.ID), nil
}

func (p *Pipeline) processChunk(ctx context.Context, runID string, city models.City, prov provider.Provider, chunk provider.DateRange, logger *zap.Logger) models.ChunkResult {
	res := models.ChunkResult{Start: chunk.Start, End: chunk.End}
	logger = logger.With(zap.String("chunk", chunk.String()))

	batch, err := prov.Fetch(ctx, city, chunk.Start, chunk.End)
	if err != nil {
		res.Error = chunkError(ctx, err)
		logger.Warn("chunk fetch failed", zap.Error(err))
		return res
	}
	res.Fetched = len(batch.Observations)

	if p.opts.ArchivePayloads && len(batch.Payload) > 0 {
		if _, err := p.store.StoreRawPayload(ctx, runID, prov.Name(), city.ID, chunk.Start, batch.Payload); err != nil {
			logger.Warn("store raw payload failed", zap.Error(err))
		}
	}

	obs, flagged, err := provider.NormalizeFlagged(city, batch.Observations)
	if err != nil {
		res.Error = err.Error()
		logger.Warn("chunk normalization failed", zap.Error(err))
		return res
	}
	if flagged > 0 {
		logger.Info("nulled implausible readings", zap.Int("flagged", flagged))
	}

	counts, err := p.store.Upsert(ctx, city.ID, obs)
	if err != nil {
		res.Error = chunkError(ctx, err)
		logger.Error("chunk upsert failed", zap.Error(err))
		return res
	}
	res.Inserted, res.Updated, res.Unchanged = counts.Inserted, counts.Updated, counts.Unchanged
	res.Done = true

	metrics.ObservationsUpserted.WithLabelValues(city.Name, "inserted").Add(float64(counts.Inserted))
	metrics.ObservationsUpserted.WithLabelValues(city.Name, "updated").Add(float64(counts.Updated))
	metrics.ObservationsUpserted.WithLabelValues(city.Name, "unchanged").Add(float64(counts.Unchanged))
	logger.Debug("chunk done",
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", counts.Inserted),
		zap.Int("updated", counts.Updated))
	return res
}

func chunkError(ctx context.Context, err error) string {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return cancelledChunk
	}
	return err.Error()
}

// RunStatusFor derives the terminal status from chunk outcomes.
func RunStatusFor(chunks []models.ChunkResult) models.RunStatus {
	ok, failed := 0, 0
	for _, c := range chunks {
		if c.Failed() {
			failed++
		} else {
			ok++
		}
	}
	switch {
	case failed == 0:
		return models.RunSucceeded
	case ok == 0:
		return models.RunFailed
	default:
		return models.RunPartial
	}
}

func (p *Pipeline) finish(ctx context.Context, run *models.IngestRun, city models.City, logger *zap.Logger) {
	// The run record and listeners must see the outcome even after cancellation.
	ctx = context.WithoutCancel(ctx)

	run.Status = RunStatusFor(run.Chunks)
	if run.FailedChunks > 0 {
		for _, c := range run.Chunks {
			if c.Failed() {
				run.Error = c.Error
				break
			}
		}
	}
	run.FinishedAt.Time, run.FinishedAt.Valid = p.now().UTC(), true
	p.persist(ctx, run, logger)

	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(run.Provider).Observe(run.Duration().Seconds())

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("fetched", run.Fetched),
		zap.Int("inserted", run.Inserted),
		zap.Int("updated", run.Updated),
		zap.Int("unchanged", run.Unchanged),
		zap.Int("failed_chunks", run.FailedChunks),
		zap.Duration("duration", run.Duration()),
	}
	if run.Status == models.RunSucceeded {
		logger.Info("ingestion finished", fields...)
	} else {
		logger.Warn("ingestion finished with failures", append(fields, zap.String("error", run.Error))...)
	}

	ev := models.RunCompleted{
		RunID:     run.ID,
		CityID:    city.ID,
		CityName:  city.Name,
		StartDate: run.StartDate,
		EndDate:   run.EndDate,
		Status:    run.Status,
		Inserted:  run.Inserted,
		Updated:   run.Updated,
	}
	p.mu.Lock()
	listeners := append([]func(context.Context, models.RunCompleted){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, ev)
	}
}

// persist mirrors the run to the registry and the store. Store failures are
// logged; the in-memory copy stays authoritative for this process.
func (p *Pipeline) persist(ctx context.Context, run *models.IngestRun, logger *zap.Logger) {
	p.runs.put(run)
	if err := p.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("persist run failed", zap.Error(err))
	}
}
