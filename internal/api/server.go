// Package api serves weather statistics over HTTP and accepts import requests
// for the ingestion queue.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/metrics"
	"github.com/lox/weatherstats/internal/models"
	"github.com/lox/weatherstats/internal/stats"
)

type StatsService interface {
	Temperature(ctx context.Context, cityName string, start, end time.Time, high, low *float64) (stats.TemperatureReport, error)
	Precipitation(ctx context.Context, cityName string, start, end time.Time) (stats.PrecipitationReport, error)
	Summary(ctx context.Context) (map[string]stats.CitySummary, error)
}

// Catalog answers read-only questions about cities and runs.
type Catalog interface {
	ListCities(ctx context.Context) ([]models.CitySummary, error)
	GetRun(ctx context.Context, id string) (*models.IngestRun, error)
}

// Importer checks an import request and queues it.
type Importer interface {
	Validate(start, end time.Time, providerName string) error
	EnqueueLoad(ctx context.Context, city string, start, end time.Time, country, providerName string) (string, error)
	EnqueueAddCity(ctx context.Context, city, country string) (string, error)
}

// HealthCheck reports an error when a dependency is unusable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Addr   string
	Checks map[string]HealthCheck
}

type Server struct {
	stats    StatsService
	catalog  Catalog
	importer Importer
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

func NewServer(st StatsService, catalog Catalog, importer Importer, opts Options, logger *zap.Logger) *Server {
	return &Server{
		stats:    st,
		catalog:  catalog,
		importer: importer,
		opts:     opts,
		validate: newValidator(),
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/temperature/stats", s.handleTemperature)
	r.Get("/precipitation/stats", s.handlePrecipitation)
	r.Get("/statistics/all", s.handleSummary)
	r.Get("/cities", s.handleListCities)
	r.Post("/cities", s.handleAddCity)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Post("/imports", s.handleImport)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.opts.Addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(ww.Status())).Observe(elapsed.Seconds())
		if route == "/metrics" || route == "/health" {
			return
		}
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
