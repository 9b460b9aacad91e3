package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/weatherstats/internal/models"
)

func TestReplacePlaceholders(t *testing.T) {
	got := replacePlaceholders("SELECT * FROM observations WHERE city_id = ? AND observed_at >= ? AND observed_at < ?")
	assert.Equal(t, "SELECT * FROM observations WHERE city_id = $1 AND observed_at >= $2 AND observed_at < $3", got)

	s := New(nil, SQLite)
	assert.Equal(t, "a = ?", s.q("a = ?"))
}

func TestPostgresUpsert_SkipsUnchangedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	t1 := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT observed_at, temperature, precipitation\s+FROM observations\s+WHERE city_id = \$1 AND observed_at >= \$2 AND observed_at <= \$3`).
		WithArgs(int64(7), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"observed_at", "temperature", "precipitation"}).
			AddRow(t1, 21.5, nil))
	prep := mock.ExpectPrepare(`(?s)INSERT INTO observations.*VALUES \(\$1, \$2, \$3, \$4, \$5\)`)
	prep.ExpectExec().
		WithArgs(int64(7), sqlmock.AnyArg(), 22.0, 0.2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	counts, err := s.Upsert(context.Background(), 7, []models.Observation{
		{ObservedAt: t1, Temperature: temp(21.5)},
		{ObservedAt: t2, Temperature: temp(22.0), Precipitation: temp(0.2)},
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 1, Unchanged: 1}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadObservations_PropagatesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	mock.ExpectQuery(`SELECT observed_at, temperature, precipitation`).
		WillReturnError(assert.AnError)

	var gotErr error
	for _, err := range s.ReadObservations(context.Background(), 1, time.Now(), time.Now()) {
		gotErr = err
	}
	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, assert.AnError)
	assert.Contains(t, gotErr.Error(), "store read observations")
}
