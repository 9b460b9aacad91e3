package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
)

var madrid = models.City{ID: 1, Name: "Madrid", Country: "Spain", Latitude: 40.4165, Longitude: -3.7026, Timezone: "Europe/Madrid"}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func f(v float64) *float64 { return &v }

func TestChunks(t *testing.T) {
	chunks := Chunks(day("2025-01-01"), day("2025-03-15"), 31)
	require.Len(t, chunks, 3)
	assert.Equal(t, "2025-01-01..2025-01-31", chunks[0].String())
	assert.Equal(t, "2025-02-01..2025-03-03", chunks[1].String())
	assert.Equal(t, "2025-03-04..2025-03-15", chunks[2].String())
	assert.Equal(t, 12, chunks[2].Days())

	single := Chunks(day("2025-07-01"), day("2025-07-01"), 92)
	require.Len(t, single, 1)
	assert.Equal(t, 1, single[0].Days())

	assert.Empty(t, Chunks(day("2025-07-02"), day("2025-07-01"), 92))
}

func TestNormalize_ConvertsLocalTimeAndUnits(t *testing.T) {
	raws := []models.RawObservation{
		{LocalTime: "2025-07-01T00:00", Temperature: f(77), Precipitation: f(0.1), TempUnit: models.UnitFahrenheit, PrecipUnit: models.UnitInch},
		{LocalTime: "2025-07-01T01:00", Temperature: f(MissingSentinel), Precipitation: nil, TempUnit: models.UnitCelsius, PrecipUnit: models.UnitMillimetre},
	}
	obs, err := Normalize(madrid, raws)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	// Madrid is UTC+2 in July.
	assert.Equal(t, time.Date(2025, 6, 30, 22, 0, 0, 0, time.UTC), obs[0].ObservedAt)
	assert.InDelta(t, 25.0, obs[0].Temperature.Float64, 1e-9)
	assert.InDelta(t, 2.54, obs[0].Precipitation.Float64, 1e-9)
	assert.Equal(t, int64(1), obs[0].CityID)

	assert.False(t, obs[1].Temperature.Valid)
	assert.False(t, obs[1].Precipitation.Valid)
}

func TestNormalize_NullsImplausibleValues(t *testing.T) {
	raws := []models.RawObservation{
		{LocalTime: "2025-07-01T00:00", Temperature: f(61), Precipitation: f(-0.5)},
		{LocalTime: "2025-07-01T01:00", Temperature: f(-90), Precipitation: f(0)},
	}
	obs, flagged, err := NormalizeFlagged(madrid, raws)
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)
	assert.False(t, obs[0].Temperature.Valid)
	assert.False(t, obs[0].Precipitation.Valid)
	assert.True(t, obs[1].Temperature.Valid)
	assert.True(t, obs[1].Precipitation.Valid)
}

func TestNormalize_DedupesLastWins(t *testing.T) {
	raws := []models.RawObservation{
		{LocalTime: "2025-07-01T02:00", Temperature: f(20)},
		{LocalTime: "2025-07-01T01:00", Temperature: f(19)},
		{LocalTime: "2025-07-01T02:00", Temperature: f(21)},
	}
	obs, err := Normalize(madrid, raws)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].ObservedAt.Before(obs[1].ObservedAt))
	assert.Equal(t, 21.0, obs[1].Temperature.Float64)
}

func TestNormalize_RejectsBadInput(t *testing.T) {
	_, err := Normalize(madrid, []models.RawObservation{{LocalTime: "yesterday"}})
	assert.Error(t, err)

	_, err = Normalize(madrid, []models.RawObservation{{LocalTime: "2025-07-01T00:00", Temperature: f(300), TempUnit: "K"}})
	assert.ErrorContains(t, err, "unknown temperature unit")
}

const archiveFixture = `{
  "latitude": 40.4, "longitude": -3.7, "timezone": "Europe/Madrid",
  "hourly_units": {"time": "unixtime", "temperature_2m": "°C", "precipitation": "mm"},
  "hourly": {
    "time": [1751320800, 1751324400, 1751328000],
    "temperature_2m": [24.1, null, 22.9],
    "precipitation": [0.0, 0.3, ""]
  }
}`

func newTestOpenMeteo(url string) *OpenMeteo {
	return NewOpenMeteo(OpenMeteoOptions{
		BaseURL:         url,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestOpenMeteo_Fetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/archive", r.URL.Path)
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, archiveFixture)
	}))
	defer srv.Close()

	batch, err := newTestOpenMeteo(srv.URL).Fetch(context.Background(), madrid, day("2025-07-01"), day("2025-07-01"))
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "start_date=2025-07-01")
	assert.Contains(t, gotQuery, "hourly=temperature_2m%2Cprecipitation")
	assert.Contains(t, gotQuery, "timezone=Europe%2FMadrid")
	assert.Contains(t, gotQuery, "timeformat=unixtime")

	require.Len(t, batch.Observations, 3)
	assert.Equal(t, time.Date(2025, 6, 30, 22, 0, 0, 0, time.UTC), batch.Observations[0].ObservedAt)
	assert.Equal(t, 24.1, *batch.Observations[0].Temperature)
	assert.Nil(t, batch.Observations[1].Temperature)
	assert.Nil(t, batch.Observations[2].Precipitation)
	assert.Equal(t, models.UnitCelsius, batch.Observations[0].TempUnit)
	assert.JSONEq(t, archiveFixture, string(batch.Payload))
}

func TestOpenMeteo_KeepsRepeatedHourOnDSTFallBack(t *testing.T) {
	// Madrid leaves CEST at 01:00Z on 2025-10-26: 00:00Z and 01:00Z are both
	// 02:00 on the local clock.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"timezone": "Europe/Madrid",
  "hourly_units": {"temperature_2m": "°C", "precipitation": "mm"},
  "hourly": {"time": [1761433200, 1761436800, 1761440400],
    "temperature_2m": [12.0, 11.5, 11.0], "precipitation": [0, 0, 0]}}`)
	}))
	defer srv.Close()

	batch, err := newTestOpenMeteo(srv.URL).Fetch(context.Background(), madrid, day("2025-10-26"), day("2025-10-26"))
	require.NoError(t, err)
	obs, err := Normalize(madrid, batch.Observations)
	require.NoError(t, err)

	require.Len(t, obs, 3)
	assert.Equal(t, time.Date(2025, 10, 26, 0, 0, 0, 0, time.UTC), obs[1].ObservedAt)
	assert.Equal(t, time.Date(2025, 10, 26, 1, 0, 0, 0, time.UTC), obs[2].ObservedAt)
	assert.Equal(t, 11.5, obs[1].Temperature.Float64)
}

func TestOpenMeteo_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, archiveFixture)
	}))
	defer srv.Close()

	batch, err := newTestOpenMeteo(srv.URL).Fetch(context.Background(), madrid, day("2025-07-01"), day("2025-07-01"))
	require.NoError(t, err)
	assert.Len(t, batch.Observations, 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenMeteo_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestOpenMeteo(srv.URL).Fetch(context.Background(), madrid, day("2025-07-01"), day("2025-07-01"))
	var pe *apperr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apperr.ProviderTransient, pe.Kind)
	assert.Equal(t, http.StatusBadGateway, pe.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenMeteo_InvalidRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": true, "reason": "Parameter 'start_date' is out of allowed range"}`)
	}))
	defer srv.Close()

	_, err := newTestOpenMeteo(srv.URL).Fetch(context.Background(), madrid, day("1900-01-01"), day("1900-01-01"))
	var pe *apperr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apperr.ProviderInvalidRequest, pe.Kind)
	assert.Contains(t, pe.Error(), "out of allowed range")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenMeteo_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	om := NewOpenMeteo(OpenMeteoOptions{
		BaseURL:          srv.URL,
		InitialInterval:  time.Millisecond,
		MaxAttempts:      1,
		BreakerThreshold: 2,
		BreakerTimeout:   time.Minute,
	}, zap.NewNop())

	for range 2 {
		_, err := om.Fetch(context.Background(), madrid, day("2025-07-01"), day("2025-07-01"))
		require.Error(t, err)
	}
	_, err := om.Fetch(context.Background(), madrid, day("2025-07-01"), day("2025-07-01"))
	var pe *apperr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apperr.ProviderUnavailable, pe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenMeteo_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestOpenMeteo(srv.URL).Fetch(ctx, madrid, day("2025-07-01"), day("2025-07-01"))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

type stubProvider struct {
	maxDays int
	calls   []DateRange
	failOn  int
}

func (s *stubProvider) Name() string      { return "stub" }
func (s *stubProvider) MaxRangeDays() int { return s.maxDays }
func (s *stubProvider) Fetch(_ context.Context, _ models.City, start, end time.Time) (Batch, error) {
	s.calls = append(s.calls, DateRange{Start: start, End: end})
	if len(s.calls) == s.failOn {
		return Batch{}, errors.New("boom")
	}
	var raws []models.RawObservation
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		raws = append(raws, models.RawObservation{LocalTime: d.Format(time.DateOnly) + "T12:00", Temperature: f(20)})
	}
	return Batch{Observations: raws}, nil
}

func TestFetchRange_ConcatenatesChunksInOrder(t *testing.T) {
	p := &stubProvider{maxDays: 2}
	raws, err := FetchRange(context.Background(), p, madrid, day("2025-07-01"), day("2025-07-05"))
	require.NoError(t, err)
	assert.Len(t, p.calls, 3)
	require.Len(t, raws, 5)
	for i := 1; i < len(raws); i++ {
		assert.Less(t, raws[i-1].LocalTime, raws[i].LocalTime)
	}

	p = &stubProvider{maxDays: 2, failOn: 2}
	_, err = FetchRange(context.Background(), p, madrid, day("2025-07-01"), day("2025-07-05"))
	assert.ErrorContains(t, err, "2025-07-03..2025-07-04")
}

func TestRegistry(t *testing.T) {
	om := newTestOpenMeteo("http://unused")
	reg := NewRegistry(om, &stubProvider{maxDays: 1})

	p, ok := reg.Get("")
	require.True(t, ok)
	assert.Equal(t, OpenMeteoName, p.Name())

	_, ok = reg.Get("STUB")
	assert.True(t, ok)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"openmeteo", "stub"}, reg.Names())
}

func TestGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("count"))
		switch r.URL.Query().Get("name") {
		case "Valencia":
			fmt.Fprint(w, `{"results": [
				{"name": "Valencia", "latitude": 10.16, "longitude": -68.0, "country": "Venezuela", "timezone": "America/Caracas"},
				{"name": "Valencia", "latitude": 39.47, "longitude": -0.38, "country": "Spain", "timezone": "Europe/Madrid"}
			]}`)
		case "Caracas":
			fmt.Fprint(w, `{"results": [{"name": "Caracas", "latitude": 10.49, "longitude": -66.88, "country": "Venezuela", "timezone": "America/Caracas"}]}`)
		default:
			fmt.Fprint(w, `{"generationtime_ms": 0.2}`)
		}
	}))
	defer srv.Close()

	g := NewOpenMeteoGeocoder(srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	city, err := g.Geocode(ctx, "Valencia", "spain")
	require.NoError(t, err)
	assert.Equal(t, "Spain", city.Country)
	assert.Equal(t, "Europe/Madrid", city.Timezone)

	city, err = g.Geocode(ctx, "Caracas", "Spain")
	require.NoError(t, err)
	assert.Equal(t, "Venezuela", city.Country)

	_, err = g.Geocode(ctx, "Atlantis", "Spain")
	var nf *apperr.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = g.Geocode(ctx, " X ", "Spain")
	var ve *apperr.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestParseArchiveCSV(t *testing.T) {
	in := strings.Join([]string{
		"time,temperature_f,precipitation_in",
		"2025-07-01T00:00,77.0,0.1",
		"2025-07-01T01:00,-9999,",
		"2025-07-01T02:00, 68 ,-9999",
	}, "\n")
	rows, err := ParseArchiveCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 77.0, *rows[0].Temperature)
	assert.Equal(t, models.UnitFahrenheit, rows[0].TempUnit)
	assert.Nil(t, rows[1].Temperature)
	assert.Nil(t, rows[1].Precipitation)
	assert.Equal(t, 68.0, *rows[2].Temperature)
	assert.Nil(t, rows[2].Precipitation)

	obs, err := Normalize(madrid, rows)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, obs[2].Temperature.Float64, 1e-9)

	_, err = ParseArchiveCSV(strings.NewReader("time,temp\n"))
	assert.ErrorContains(t, err, "temperature_f")
}

func TestValidateObservation(t *testing.T) {
	reading := func(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

	tests := []struct {
		name      string
		obs       models.Observation
		wantFlags []string
	}{
		{
			name:      "valid observation - no flags",
			obs:       models.Observation{Temperature: reading(25), Precipitation: reading(0.4)},
			wantFlags: nil,
		},
		{
			name:      "nulls are never flagged",
			obs:       models.Observation{},
			wantFlags: nil,
		},
		{
			name:      "temp too cold",
			obs:       models.Observation{Temperature: reading(-95)},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "temp too hot",
			obs:       models.Observation{Temperature: reading(61)},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "temp at cold boundary - valid",
			obs:       models.Observation{Temperature: reading(-90)},
			wantFlags: nil,
		},
		{
			name:      "temp at hot boundary - valid",
			obs:       models.Observation{Temperature: reading(60)},
			wantFlags: nil,
		},
		{
			name:      "negative precipitation",
			obs:       models.Observation{Precipitation: reading(-0.1)},
			wantFlags: []string{FlagPrecipNegative},
		},
		{
			name:      "both out of range",
			obs:       models.Observation{Temperature: reading(70), Precipitation: reading(-1)},
			wantFlags: []string{FlagTempOutOfRange, FlagPrecipNegative},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFlags, ValidateObservation(tt.obs))
		})
	}
}
