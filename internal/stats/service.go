package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/cache"
	"github.com/lox/weatherstats/internal/models"
)

const DefaultTTL = 1800 * time.Second

type CityFinder interface {
	FindCity(ctx context.Context, name, country string) (*models.City, error)
}

type ServiceOptions struct {
	TTL           time.Duration
	ThresholdHigh float64
	ThresholdLow  float64
	// MaxSpanDays caps the inclusive query range; zero means no limit.
	MaxSpanDays int
}

// Service resolves cities, serves cached reports and computes misses.
type Service struct {
	engine *Engine
	cities CityFinder
	cache  cache.Cache
	opts   ServiceOptions
	logger *zap.Logger
}

func NewService(engine *Engine, cities CityFinder, c cache.Cache, opts ServiceOptions, logger *zap.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Service{engine: engine, cities: cities, cache: c, opts: opts, logger: logger}
}

func (s *Service) resolve(ctx context.Context, name string, start, end time.Time) (models.City, error) {
	if name == "" {
		return models.City{}, apperr.Invalid("city", "is required")
	}
	if end.Before(start) {
		return models.City{}, apperr.Invalid("end_date", "must not be before start_date")
	}
	if days := int(end.Sub(start).Hours()/24) + 1; s.opts.MaxSpanDays > 0 && days > s.opts.MaxSpanDays {
		return models.City{}, apperr.Invalid("end_date", "range of %d days exceeds the maximum of %d", days, s.opts.MaxSpanDays)
	}
	city, err := s.cities.FindCity(ctx, name, "")
	if err != nil {
		return models.City{}, err
	}
	if city == nil {
		return models.City{}, &apperr.NotFoundError{Resource: "city", Name: name}
	}
	return *city, nil
}

// Temperature returns the temperature report for the city. Nil thresholds
// take the configured defaults.
func (s *Service) Temperature(ctx context.Context, cityName string, start, end time.Time, high, low *float64) (TemperatureReport, error) {
	city, err := s.resolve(ctx, cityName, start, end)
	if err != nil {
		return TemperatureReport{}, err
	}
	h, l := s.opts.ThresholdHigh, s.opts.ThresholdLow
	if high != nil {
		h = *high
	}
	if low != nil {
		l = *low
	}

	key := cache.Key{Kind: "temperature", City: city.Name, Start: start, End: end, High: &h, Low: &l}.String()
	var report TemperatureReport
	if s.lookup(ctx, key, &report) {
		return report, nil
	}

	gen, genOK := s.generation(ctx, city.Name)
	report, err = s.engine.Temperature(ctx, city, start, end, h, l)
	if err != nil {
		return TemperatureReport{}, err
	}
	if genOK {
		s.store(ctx, key, report, city.Name, gen)
	}
	return report, nil
}

func (s *Service) Precipitation(ctx context.Context, cityName string, start, end time.Time) (PrecipitationReport, error) {
	city, err := s.resolve(ctx, cityName, start, end)
	if err != nil {
		return PrecipitationReport{}, err
	}

	key := cache.Key{Kind: "precipitation", City: city.Name, Start: start, End: end}.String()
	var report PrecipitationReport
	if s.lookup(ctx, key, &report) {
		return report, nil
	}

	gen, genOK := s.generation(ctx, city.Name)
	report, err = s.engine.Precipitation(ctx, city, start, end)
	if err != nil {
		return PrecipitationReport{}, err
	}
	if genOK {
		s.store(ctx, key, report, city.Name, gen)
	}
	return report, nil
}

func (s *Service) Summary(ctx context.Context) (map[string]CitySummary, error) {
	key := cache.Key{Kind: "summary", City: cache.SummaryCity}.String()
	var summary map[string]CitySummary
	if s.lookup(ctx, key, &summary) {
		return summary, nil
	}

	gen, genOK := s.generation(ctx, cache.SummaryCity)
	summary, err := s.engine.Summary(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.store(ctx, key, summary, cache.SummaryCity, gen)
	}
	return summary, nil
}

func (s *Service) lookup(ctx context.Context, key string, dest any) bool {
	found, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if found {
		s.logger.Debug("stats cache hit", zap.String("key", key))
	}
	return found
}

// generation must be read before the report is computed. When it cannot be
// read the report is served uncached.
func (s *Service) generation(ctx context.Context, city string) (int64, bool) {
	gen, err := s.cache.Generation(ctx, city)
	if err != nil {
		s.logger.Warn("cache generation lookup failed", zap.String("city", city), zap.Error(err))
		return 0, false
	}
	return gen, true
}

func (s *Service) store(ctx context.Context, key string, value any, city string, gen int64) {
	stored, err := s.cache.SetIfGeneration(ctx, key, value, s.opts.TTL, city, gen)
	if err != nil {
		s.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !stored {
		s.logger.Debug("city invalidated during computation, not caching", zap.String("key", key))
	}
}
