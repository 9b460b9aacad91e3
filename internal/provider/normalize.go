package provider

import (
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/lox/weatherstats/internal/models"
)

// MissingSentinel is the value archives use for "no reading".
const MissingSentinel = -9999

const LocalTimeLayout = "2006-01-02T15:04"

const (
	FlagTempOutOfRange = "temp_out_of_range"
	FlagPrecipNegative = "precip_negative"
)

// Plausible bounds in canonical units. Readings outside them are dropped to null.
const (
	minTempC = -90.0
	maxTempC = 60.0
)

// ValidateObservation returns quality flags for a canonical observation.
func ValidateObservation(obs models.Observation) []string {
	var flags []string
	if obs.Temperature.Valid && (obs.Temperature.Float64 < minTempC || obs.Temperature.Float64 > maxTempC) {
		flags = append(flags, FlagTempOutOfRange)
	}
	if obs.Precipitation.Valid && obs.Precipitation.Float64 < 0 {
		flags = append(flags, FlagPrecipNegative)
	}
	return flags
}

// Normalize converts raw readings to canonical observations: instants are kept
// as UTC, a provider-local wall clock is interpreted in the city's timezone,
// temperatures become °C and precipitation mm, and missing or implausible
// values become null. The result is sorted by time with one observation per
// instant (the last one reported wins).
func Normalize(city models.City, raws []models.RawObservation) ([]models.Observation, error) {
	obs, _, err := NormalizeFlagged(city, raws)
	return obs, err
}

// NormalizeFlagged is Normalize that also reports how many readings were
// nulled by quality checks.
func NormalizeFlagged(city models.City, raws []models.RawObservation) ([]models.Observation, int, error) {
	loc, err := city.Location()
	if err != nil {
		return nil, 0, err
	}

	out := make([]models.Observation, 0, len(raws))
	flagged := 0
	for _, raw := range raws {
		at := raw.ObservedAt
		if at.IsZero() {
			if at, err = time.ParseInLocation(LocalTimeLayout, raw.LocalTime, loc); err != nil {
				return nil, 0, fmt.Errorf("parse time %q: %w", raw.LocalTime, err)
			}
		}

		obs := models.Observation{CityID: city.ID, ObservedAt: at.UTC()}
		if obs.Temperature, err = toCelsius(raw.Temperature, raw.TempUnit); err != nil {
			return nil, 0, err
		}
		if obs.Precipitation, err = toMillimetres(raw.Precipitation, raw.PrecipUnit); err != nil {
			return nil, 0, err
		}

		for _, flag := range ValidateObservation(obs) {
			flagged++
			switch flag {
			case FlagTempOutOfRange:
				obs.Temperature = sql.NullFloat64{}
			case FlagPrecipNegative:
				obs.Precipitation = sql.NullFloat64{}
			}
		}
		out = append(out, obs)
	}

	return Dedupe(out), flagged, nil
}

// Dedupe sorts observations by time and keeps the last one per instant.
func Dedupe(obs []models.Observation) []models.Observation {
	slices.SortStableFunc(obs, func(a, b models.Observation) int {
		return a.ObservedAt.Compare(b.ObservedAt)
	})
	out := obs[:0]
	for _, o := range obs {
		if n := len(out); n > 0 && out[n-1].ObservedAt.Equal(o.ObservedAt) {
			out[n-1] = o
			continue
		}
		out = append(out, o)
	}
	return out
}

func missing(v *float64) bool {
	return v == nil || *v == MissingSentinel
}

func toCelsius(v *float64, unit string) (sql.NullFloat64, error) {
	if missing(v) {
		return sql.NullFloat64{}, nil
	}
	switch unit {
	case "", models.UnitCelsius, "C", "celsius":
		return sql.NullFloat64{Float64: *v, Valid: true}, nil
	case models.UnitFahrenheit, "F", "fahrenheit":
		return sql.NullFloat64{Float64: (*v - 32) * 5 / 9, Valid: true}, nil
	default:
		return sql.NullFloat64{}, fmt.Errorf("unknown temperature unit %q", unit)
	}
}

func toMillimetres(v *float64, unit string) (sql.NullFloat64, error) {
	if missing(v) {
		return sql.NullFloat64{}, nil
	}
	switch unit {
	case "", models.UnitMillimetre:
		return sql.NullFloat64{Float64: *v, Valid: true}, nil
	case models.UnitInch, "in":
		return sql.NullFloat64{Float64: *v * 25.4, Valid: true}, nil
	default:
		return sql.NullFloat64{}, fmt.Errorf("unknown precipitation unit %q", unit)
	}
}
