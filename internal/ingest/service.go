package ingest

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
	"github.com/lox/weatherstats/internal/provider"
)

const (
	DefaultCountry = "Spain"
	NewCityDays    = 30
)

// CityStore is the city and housekeeping side of the store used by Service.
type CityStore interface {
	FindCity(ctx context.Context, name, country string) (*models.City, error)
	UpsertCity(ctx context.Context, c models.City) (models.City, error)
	CitySummaries(ctx context.Context) ([]models.CitySummary, error)
	ObservationSpan(ctx context.Context, cityID int64) (first, last time.Time, ok bool, err error)
	GetRun(ctx context.Context, id string) (*models.IngestRun, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteRawPayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ServiceOptions struct {
	DefaultCountry string
}

// Service is the trigger surface shared by the CLI, queue workers and the
// scheduler.
type Service struct {
	cities   CityStore
	geocoder provider.Geocoder
	pipeline *Pipeline
	opts     ServiceOptions
	logger   *zap.Logger
}

func NewService(cities CityStore, geocoder provider.Geocoder, pipeline *Pipeline, opts ServiceOptions, logger *zap.Logger) *Service {
	if opts.DefaultCountry == "" {
		opts.DefaultCountry = DefaultCountry
	}
	return &Service{cities: cities, geocoder: geocoder, pipeline: pipeline, opts: opts, logger: logger}
}

func (s *Service) Pipeline() *Pipeline { return s.pipeline }

func (s *Service) country(c string) string {
	if c = strings.TrimSpace(c); c != "" {
		return c
	}
	return s.opts.DefaultCountry
}

// ResolveCity returns the stored city, geocoding and storing it on first use.
// The second result reports whether the city was created.
func (s *Service) ResolveCity(ctx context.Context, name, country string) (models.City, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.City{}, false, apperr.Invalid("city", "is required")
	}
	country = s.country(country)

	existing, err := s.cities.FindCity(ctx, name, country)
	if err != nil {
		return models.City{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	found, err := s.geocoder.Geocode(ctx, name, country)
	if err != nil {
		return models.City{}, false, err
	}
	// Store under the requested name so later lookups by that name hit.
	found.Name = name
	if found.Country == "" {
		found.Country = country
	}
	city, err := s.cities.UpsertCity(ctx, found)
	if err != nil {
		return models.City{}, false, err
	}
	s.logger.Info("city added",
		zap.String("city", city.Name),
		zap.String("country", city.Country),
		zap.Float64("latitude", city.Latitude),
		zap.Float64("longitude", city.Longitude),
		zap.String("timezone", city.Timezone))
	return city, true, nil
}

// LoadWeatherData ingests [start, end] for the city, creating it if needed.
// Empty country and provider take the configured defaults.
func (s *Service) LoadWeatherData(ctx context.Context, cityName string, start, end time.Time, country, providerName string) (*models.IngestRun, error) {
	if err := s.pipeline.Validate(start, end, providerName); err != nil {
		return nil, err
	}
	city, _, err := s.ResolveCity(ctx, cityName, country)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Run(ctx, Request{City: city, Start: start, End: end, Provider: providerName})
}

// ListCities returns every stored city with its observation count and span.
func (s *Service) ListCities(ctx context.Context) ([]models.CitySummary, error) {
	return s.cities.CitySummaries(ctx)
}

// NewCityRange is the backfill window for AddNewCity: the NewCityDays days
// ending yesterday.
func (s *Service) NewCityRange() (time.Time, time.Time) {
	end := s.pipeline.Yesterday()
	return end.AddDate(0, 0, -(NewCityDays - 1)), end
}

// AddNewCity backfills a city that has no data yet. A city that already has
// observations is a ConflictError; use LoadWeatherData to extend it.
func (s *Service) AddNewCity(ctx context.Context, cityName, country string) (*models.IngestRun, error) {
	start, end := s.NewCityRange()
	city, created, err := s.ResolveCity(ctx, cityName, country)
	if err != nil {
		return nil, err
	}
	if !created {
		first, last, ok, err := s.cities.ObservationSpan(ctx, city.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			loc, err := city.Location()
			if err != nil {
				return nil, err
			}
			return nil, &apperr.ConflictError{City: city.Name, Start: provider.Date(first.In(loc)), End: provider.Date(last.In(loc))}
		}
	}
	return s.pipeline.Run(ctx, Request{City: city, Start: start, End: end})
}

// Preview fetches and normalizes a range without storing anything.
func (s *Service) Preview(ctx context.Context, cityName string, start, end time.Time, country, providerName string) ([]models.Observation, error) {
	if err := s.pipeline.Validate(start, end, providerName); err != nil {
		return nil, err
	}
	city, _, err := s.ResolveCity(ctx, cityName, country)
	if err != nil {
		return nil, err
	}
	prov, _ := s.pipeline.providers.Get(providerName)
	raws, err := provider.FetchRange(ctx, prov, city, start, end)
	if err != nil {
		return nil, err
	}
	return provider.Normalize(city, raws)
}

// GetRun prefers this process's live copy and falls back to the store.
func (s *Service) GetRun(ctx context.Context, id string) (*models.IngestRun, error) {
	if run := s.pipeline.runs.Get(id); run != nil {
		return run, nil
	}
	run, err := s.cities.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &apperr.NotFoundError{Resource: "run", Name: id}
	}
	return run, nil
}

// CleanupRuns deletes finished runs and archived payloads older than retention.
func (s *Service) CleanupRuns(ctx context.Context, retention time.Duration) (runs, payloads int64, err error) {
	cutoff := s.pipeline.now().UTC().Add(-retention)
	if runs, err = s.cities.DeleteRunsBefore(ctx, cutoff); err != nil {
		return 0, 0, err
	}
	if payloads, err = s.cities.DeleteRawPayloadsBefore(ctx, cutoff); err != nil {
		return runs, 0, err
	}
	s.logger.Info("cleaned up old runs",
		zap.Time("cutoff", cutoff),
		zap.Int64("runs", runs),
		zap.Int64("payloads", payloads))
	return runs, payloads, nil
}
