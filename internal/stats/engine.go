// Package stats aggregates stored observations into temperature and
// precipitation reports, bucketing readings by the city's local date.
package stats

import (
	"context"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
)

const localMinuteLayout = "2006-01-02T15:04"

// ObservationSource is the read side of the observation store.
type ObservationSource interface {
	ReadObservations(ctx context.Context, cityID int64, start, end time.Time) iter.Seq2[models.Observation, error]
	ListCitiesWithData(ctx context.Context) ([]models.City, error)
	ObservationSpan(ctx context.Context, cityID int64) (first, last time.Time, ok bool, err error)
}

// Engine computes reports in a single streaming pass per query. Memory use
// grows with the number of days in range, never with the number of readings.
type Engine struct {
	source ObservationSource
	logger *zap.Logger
}

func NewEngine(source ObservationSource, logger *zap.Logger) *Engine {
	return &Engine{source: source, logger: logger}
}

// localBounds returns the UTC instants of local midnight on start and local
// midnight after end.
func localBounds(loc *time.Location, start, end time.Time) (time.Time, time.Time) {
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return from.UTC(), to.UTC()
}

type extreme struct {
	value float64
	at    time.Time
}

type dayAcc struct {
	date      string
	tempSum   float64
	tempN     int
	precipSum float64
}

// accumulator folds observations into running totals plus one bucket per
// local day, in the order days are first seen.
type accumulator struct {
	loc       *time.Location
	high, low float64

	count     int
	tempSum   float64
	tempN     int
	max, min  *extreme
	above     int
	below     int
	precipSum float64

	days  []*dayAcc
	index map[string]*dayAcc
}

func newAccumulator(loc *time.Location, high, low float64) *accumulator {
	return &accumulator{loc: loc, high: high, low: low, index: map[string]*dayAcc{}}
}

func (a *accumulator) add(o models.Observation) {
	a.count++
	local := o.ObservedAt.In(a.loc)
	date := local.Format(time.DateOnly)
	d, ok := a.index[date]
	if !ok {
		d = &dayAcc{date: date}
		a.index[date] = d
		a.days = append(a.days, d)
	}

	if o.Temperature.Valid {
		v := o.Temperature.Float64
		a.tempSum += v
		a.tempN++
		d.tempSum += v
		d.tempN++
		// Strict comparisons keep the earliest reading on ties, since input
		// arrives in ascending time order.
		if a.max == nil || v > a.max.value {
			a.max = &extreme{value: v, at: local}
		}
		if a.min == nil || v < a.min.value {
			a.min = &extreme{value: v, at: local}
		}
		if v > a.high {
			a.above++
		}
		if v < a.low {
			a.below++
		}
	}
	if o.Precipitation.Valid {
		a.precipSum += o.Precipitation.Float64
		d.precipSum += o.Precipitation.Float64
	}
}

func (e *Engine) accumulate(ctx context.Context, city models.City, from, to time.Time, high, low float64) (*accumulator, error) {
	loc, err := city.Location()
	if err != nil {
		return nil, err
	}
	acc := newAccumulator(loc, high, low)
	for o, err := range e.source.ReadObservations(ctx, city.ID, from, to) {
		if err != nil {
			return nil, err
		}
		acc.add(o)
	}
	return acc, nil
}

// Temperature reports on [start, end] inclusive, as local dates of the city.
func (e *Engine) Temperature(ctx context.Context, city models.City, start, end time.Time, high, low float64) (TemperatureReport, error) {
	loc, err := city.Location()
	if err != nil {
		return TemperatureReport{}, err
	}
	from, to := localBounds(loc, start, end)
	acc, err := e.accumulate(ctx, city, from, to, high, low)
	if err != nil {
		return TemperatureReport{}, err
	}
	if acc.count == 0 {
		return TemperatureReport{}, &apperr.NoDataError{City: city.Name, Start: start, End: end}
	}

	report := TemperatureReport{
		AverageByDay:        make(map[string]*float64, len(acc.days)),
		HoursAboveThreshold: acc.above,
		HoursBelowThreshold: acc.below,
	}
	if acc.tempN > 0 {
		avg := round(acc.tempSum/float64(acc.tempN), 2)
		report.Average = &avg
		report.Max = &Extreme{Value: round(acc.max.value, 2), DateTime: acc.max.at.Format(localMinuteLayout)}
		report.Min = &Extreme{Value: round(acc.min.value, 2), DateTime: acc.min.at.Format(localMinuteLayout)}
	} else {
		e.logger.Debug("no temperature readings in range",
			zap.String("city", city.Name),
			zap.Int("observations", acc.count))
	}
	for _, d := range acc.days {
		if d.tempN == 0 {
			report.AverageByDay[d.date] = nil
			continue
		}
		avg := round(d.tempSum/float64(d.tempN), 2)
		report.AverageByDay[d.date] = &avg
	}
	return report, nil
}

// Precipitation reports on [start, end] inclusive. Average divides the total
// by the number of calendar days in the range, including days with no data.
func (e *Engine) Precipitation(ctx context.Context, city models.City, start, end time.Time) (PrecipitationReport, error) {
	loc, err := city.Location()
	if err != nil {
		return PrecipitationReport{}, err
	}
	from, to := localBounds(loc, start, end)
	acc, err := e.accumulate(ctx, city, from, to, 0, 0)
	if err != nil {
		return PrecipitationReport{}, err
	}
	if acc.count == 0 {
		return PrecipitationReport{}, &apperr.NoDataError{City: city.Name, Start: start, End: end}
	}

	report := PrecipitationReport{
		Total:      round(acc.precipSum, 2),
		TotalByDay: make(map[string]float64, len(acc.days)),
	}
	report.Max, report.DaysWithPrecipitation = dailyPrecipitation(acc, 2, report.TotalByDay)

	calendarDays := int(to.Sub(from).Hours()/24 + 0.5)
	if calendarDays < 1 {
		calendarDays = 1
	}
	report.Average = round(acc.precipSum/float64(calendarDays), 2)
	return report, nil
}

// dailyPrecipitation rounds each day's total, fills byDay when non-nil and
// returns the wettest day (earliest on ties, the first day when all are dry)
// plus the count of days above zero.
func dailyPrecipitation(acc *accumulator, places int, byDay map[string]float64) (DailyValue, int) {
	var (
		best DailyValue
		wet  int
	)
	for i, d := range acc.days {
		total := round(d.precipSum, places)
		if byDay != nil {
			byDay[d.date] = total
		}
		if total > 0 {
			wet++
		}
		if i == 0 || total > best.Value {
			best = DailyValue{Value: total, Date: d.date}
		}
	}
	return best, wet
}

// Summary computes a per-city overview over each city's full stored span.
func (e *Engine) Summary(ctx context.Context) (map[string]CitySummary, error) {
	cities, err := e.source.ListCitiesWithData(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]CitySummary, len(cities))
	for _, city := range cities {
		first, last, ok, err := e.source.ObservationSpan(ctx, city.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		loc, err := city.Location()
		if err != nil {
			return nil, err
		}
		acc, err := e.accumulate(ctx, city, first, last.Add(time.Nanosecond), 0, 0)
		if err != nil {
			return nil, err
		}
		if acc.count == 0 {
			continue
		}

		precipMax, wet := dailyPrecipitation(acc, 1, nil)
		sum := CitySummary{
			StartDate:             first.In(loc).Format(time.DateOnly),
			EndDate:               last.In(loc).Format(time.DateOnly),
			PrecipitationTotal:    round(acc.precipSum, 1),
			DaysWithPrecipitation: wet,
			PrecipitationMax:      DatedValue{Date: precipMax.Date, Value: precipMax.Value},
		}
		if acc.tempN > 0 {
			avg := acc.tempSum / float64(acc.tempN)
			sum.TemperatureAverage = roundPtr(&avg, 1)
			sum.TemperatureMax = &DatedValue{Date: acc.max.at.Format(time.DateOnly), Value: round(acc.max.value, 1)}
			sum.TemperatureMin = &DatedValue{Date: acc.min.at.Format(time.DateOnly), Value: round(acc.min.value, 1)}
		}
		out[city.Name] = sum
	}
	return out, nil
}
