package store

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
)

type UpsertCounts struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Upsert writes observations for a city inside one transaction. Rows that do
// not exist yet are inserted, rows whose values differ are overwritten and
// identical rows are left alone, so re-importing the same data is a no-op.
func (s *Store) Upsert(ctx context.Context, cityID int64, obs []models.Observation) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(obs) == 0 {
		return counts, nil
	}

	first, last := obs[0].ObservedAt, obs[0].ObservedAt
	for _, o := range obs[1:] {
		if o.ObservedAt.Before(first) {
			first = o.ObservedAt
		}
		if o.ObservedAt.After(last) {
			last = o.ObservedAt
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, apperr.Store("begin upsert", err)
	}
	defer tx.Rollback()

	existing, err := s.existingInSpan(ctx, tx, cityID, first.UTC(), last.UTC())
	if err != nil {
		return counts, err
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO observations (city_id, observed_at, temperature, precipitation, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(city_id, observed_at) DO UPDATE SET
			temperature = excluded.temperature,
			precipitation = excluded.precipitation,
			updated_at = excluded.updated_at
	`))
	if err != nil {
		return counts, apperr.Store("prepare upsert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, o := range obs {
		o.CityID = cityID
		o.ObservedAt = o.ObservedAt.UTC()
		key := o.ObservedAt.Unix()

		prev, seen := existing[key]
		switch {
		case !seen:
			counts.Inserted++
		case prev.SameValues(o):
			counts.Unchanged++
			continue
		default:
			counts.Updated++
		}

		if _, err := stmt.ExecContext(ctx, cityID, o.ObservedAt, o.Temperature, o.Precipitation, now); err != nil {
			return UpsertCounts{}, apperr.Store("upsert observation", err)
		}
		existing[key] = o
	}

	if err := tx.Commit(); err != nil {
		return UpsertCounts{}, apperr.Store("commit upsert", err)
	}
	return counts, nil
}

func (s *Store) existingInSpan(ctx context.Context, tx *sql.Tx, cityID int64, first, last time.Time) (map[int64]models.Observation, error) {
	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT observed_at, temperature, precipitation
		FROM observations
		WHERE city_id = ? AND observed_at >= ? AND observed_at <= ?
	`), cityID, first, last)
	if err != nil {
		return nil, apperr.Store("load existing observations", err)
	}
	defer rows.Close()

	existing := make(map[int64]models.Observation)
	for rows.Next() {
		o := models.Observation{CityID: cityID}
		if err := rows.Scan(&o.ObservedAt, &o.Temperature, &o.Precipitation); err != nil {
			return nil, apperr.Store("scan existing observation", err)
		}
		existing[o.ObservedAt.Unix()] = o
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("load existing observations", err)
	}
	return existing, nil
}

// ReadObservations streams a city's observations in [start, end) in
// ascending time order. Each call runs a fresh query, and only the current
// row is held in memory. Stopping the iteration early closes the cursor.
func (s *Store) ReadObservations(ctx context.Context, cityID int64, start, end time.Time) iter.Seq2[models.Observation, error] {
	return func(yield func(models.Observation, error) bool) {
		rows, err := s.db.QueryContext(ctx, s.q(`
			SELECT observed_at, temperature, precipitation
			FROM observations
			WHERE city_id = ? AND observed_at >= ? AND observed_at < ?
			ORDER BY observed_at ASC
		`), cityID, start.UTC(), end.UTC())
		if err != nil {
			yield(models.Observation{}, apperr.Store("read observations", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			o := models.Observation{CityID: cityID}
			if err := rows.Scan(&o.ObservedAt, &o.Temperature, &o.Precipitation); err != nil {
				yield(models.Observation{}, apperr.Store("scan observation", err))
				return
			}
			o.ObservedAt = o.ObservedAt.UTC()
			if !yield(o, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Observation{}, apperr.Store("read observations", err))
		}
	}
}

// ObservationSpan returns the first and last observation instants for a city.
// ok is false when the city has no observations.
func (s *Store) ObservationSpan(ctx context.Context, cityID int64) (first, last time.Time, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, s.q(`SELECT observed_at FROM observations WHERE city_id = ? ORDER BY observed_at ASC LIMIT 1`), cityID).Scan(&first)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, time.Time{}, false, apperr.Store("observation span", err)
	}
	if err = s.db.QueryRowContext(ctx, s.q(`SELECT observed_at FROM observations WHERE city_id = ? ORDER BY observed_at DESC LIMIT 1`), cityID).Scan(&last); err != nil {
		return time.Time{}, time.Time{}, false, apperr.Store("observation span", err)
	}
	return first.UTC(), last.UTC(), true, nil
}

// CountObservations counts a city's observations in [start, end).
func (s *Store) CountObservations(ctx context.Context, cityID int64, start, end time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM observations
		WHERE city_id = ? AND observed_at >= ? AND observed_at < ?
	`), cityID, start.UTC(), end.UTC()).Scan(&n)
	if err != nil {
		return 0, apperr.Store("count observations", err)
	}
	return n, nil
}
