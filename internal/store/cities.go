package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
)

func nameKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// UpsertCity creates the city or refreshes its coordinates and timezone when
// a city with the same case-insensitive name and country already exists.
func (s *Store) UpsertCity(ctx context.Context, c models.City) (models.City, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Name = strings.TrimSpace(c.Name)
	c.Country = strings.TrimSpace(c.Country)

	row := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO cities (name, country, name_key, country_key, latitude, longitude, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name_key, country_key) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			timezone = excluded.timezone
		RETURNING id
	`), c.Name, c.Country, nameKey(c.Name), nameKey(c.Country), c.Latitude, c.Longitude, c.Timezone, c.CreatedAt.UTC())

	var id int64
	if err := row.Scan(&id); err != nil {
		return models.City{}, apperr.Store("upsert city", err)
	}
	stored, err := s.GetCity(ctx, id)
	if err != nil {
		return models.City{}, err
	}
	if stored == nil {
		return models.City{}, apperr.Store("upsert city", sql.ErrNoRows)
	}
	return *stored, nil
}

const cityColumns = `id, name, country, latitude, longitude, timezone, created_at`

func scanCity(row interface{ Scan(...any) error }) (models.City, error) {
	var c models.City
	err := row.Scan(&c.ID, &c.Name, &c.Country, &c.Latitude, &c.Longitude, &c.Timezone, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

// FindCity looks a city up by name and, when country is non-empty, country.
// Both comparisons are case-insensitive. It returns nil when nothing matches.
func (s *Store) FindCity(ctx context.Context, name, country string) (*models.City, error) {
	query := `SELECT ` + cityColumns + ` FROM cities WHERE name_key = ?`
	args := []any{nameKey(name)}
	if country != "" {
		query += ` AND country_key = ?`
		args = append(args, nameKey(country))
	}
	query += ` ORDER BY id LIMIT 1`

	c, err := scanCity(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("find city", err)
	}
	return &c, nil
}

func (s *Store) GetCity(ctx context.Context, id int64) (*models.City, error) {
	c, err := scanCity(s.db.QueryRowContext(ctx, s.q(`SELECT `+cityColumns+` FROM cities WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get city", err)
	}
	return &c, nil
}

func (s *Store) listCities(ctx context.Context, query string) ([]models.City, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Store("list cities", err)
	}
	defer rows.Close()

	var cities []models.City
	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, apperr.Store("list cities", err)
		}
		cities = append(cities, c)
	}
	return cities, apperr.Store("list cities", rows.Err())
}

func (s *Store) ListCities(ctx context.Context) ([]models.City, error) {
	return s.listCities(ctx, `SELECT `+cityColumns+` FROM cities ORDER BY name_key, country_key`)
}

// ListCitiesWithData returns cities that have at least one observation.
func (s *Store) ListCitiesWithData(ctx context.Context) ([]models.City, error) {
	return s.listCities(ctx, `
		SELECT `+cityColumns+` FROM cities c
		WHERE EXISTS (SELECT 1 FROM observations o WHERE o.city_id = c.id)
		ORDER BY name_key, country_key`)
}

// CitySummaries lists every city with its observation count and span.
func (s *Store) CitySummaries(ctx context.Context) ([]models.CitySummary, error) {
	cities, err := s.ListCities(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.CitySummary, 0, len(cities))
	for _, c := range cities {
		sum := models.CitySummary{City: c}
		if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM observations WHERE city_id = ?`), c.ID).Scan(&sum.Observations); err != nil {
			return nil, apperr.Store("count observations", err)
		}
		if sum.Observations > 0 {
			first, last, _, err := s.ObservationSpan(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			sum.FirstAt = sql.NullTime{Time: first, Valid: true}
			sum.LastAt = sql.NullTime{Time: last, Valid: true}
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}
