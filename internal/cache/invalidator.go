package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/models"
)

// SummaryCity is the city segment used for cross-city summary keys. Any
// city's invalidation drops it too.
const SummaryCity = "_all"

// Invalidator drops cached reports for cities whose observations changed.
type Invalidator struct {
	cache  Cache
	logger *zap.Logger
}

func NewInvalidator(c Cache, logger *zap.Logger) *Invalidator {
	return &Invalidator{cache: c, logger: logger}
}

// HandleRunCompleted is registered as a pipeline completion listener.
func (i *Invalidator) HandleRunCompleted(ctx context.Context, ev models.RunCompleted) {
	if !ev.Changed() {
		return
	}
	total := 0
	for _, city := range []string{ev.CityName, SummaryCity} {
		n, err := i.cache.InvalidateCity(ctx, city)
		if err != nil {
			i.logger.Error("cache invalidation failed",
				zap.String("city", city),
				zap.String("run_id", ev.RunID),
				zap.Error(err))
			continue
		}
		total += n
	}
	i.logger.Debug("invalidated cached reports",
		zap.String("city", ev.CityName),
		zap.String("run_id", ev.RunID),
		zap.Int("keys", total))
}
