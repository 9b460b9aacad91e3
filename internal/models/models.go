package models

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

type City struct {
	ID        int64
	Name      string
	Country   string
	Latitude  float64
	Longitude float64
	Timezone  string // IANA name, e.g. "Europe/Madrid"
	CreatedAt time.Time
}

var (
	locMu    sync.Mutex
	locCache = map[string]*time.Location{}
)

// Location returns the city's timezone, falling back to UTC when unset.
func (c City) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	locMu.Lock()
	defer locMu.Unlock()
	if loc, ok := locCache[c.Timezone]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	locCache[c.Timezone] = loc
	return loc, nil
}

// Slug is the lowercase, dash-separated form of the city name.
func (c City) Slug() string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.Name)), " ", "-")
}

// Observation is the canonical reading: UTC instant, °C and mm.
type Observation struct {
	CityID        int64
	ObservedAt    time.Time
	Temperature   sql.NullFloat64
	Precipitation sql.NullFloat64
}

// SameValues reports whether two readings carry identical values, null-aware.
func (o Observation) SameValues(other Observation) bool {
	return sameReading(o.Temperature, other.Temperature) && sameReading(o.Precipitation, other.Precipitation)
}

func sameReading(a, b sql.NullFloat64) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Float64 == b.Float64
}

const (
	UnitCelsius    = "°C"
	UnitFahrenheit = "°F"
	UnitMillimetre = "mm"
	UnitInch       = "inch"
)

// RawObservation is a reading as a provider reported it, before normalization.
type RawObservation struct {
	// ObservedAt is the reading's instant when the provider reports one; it
	// takes precedence over LocalTime, which is ambiguous across DST changes.
	ObservedAt    time.Time
	LocalTime     string // provider-local wall clock, "2006-01-02T15:04"
	Temperature   *float64
	Precipitation *float64
	TempUnit      string
	PrecipUnit    string
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunPartial || s == RunFailed
}

type ChunkResult struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Fetched   int       `json:"fetched"`
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Error     string    `json:"error,omitempty"`
	Done      bool      `json:"done"`
}

func (c ChunkResult) Failed() bool { return c.Error != "" }

// IngestRun is one execution of the ingestion pipeline for a city and range.
type IngestRun struct {
	ID           string        `json:"id"`
	CityID       int64         `json:"city_id"`
	CityName     string        `json:"city"`
	Provider     string        `json:"provider"`
	StartDate    time.Time     `json:"start_date"`
	EndDate      time.Time     `json:"end_date"`
	Status       RunStatus     `json:"status"`
	Fetched      int           `json:"fetched"`
	Inserted     int           `json:"inserted"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	FailedChunks int           `json:"failed_chunks"`
	Chunks       []ChunkResult `json:"chunks"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   sql.NullTime  `json:"-"`
}

// Duration is zero until the run finishes.
func (r *IngestRun) Duration() time.Duration {
	if !r.FinishedAt.Valid {
		return 0
	}
	return r.FinishedAt.Time.Sub(r.StartedAt)
}

// RunCompleted is emitted once a run reaches a terminal status.
type RunCompleted struct {
	RunID     string
	CityID    int64
	CityName  string
	StartDate time.Time
	EndDate   time.Time
	Status    RunStatus
	Inserted  int
	Updated   int
}

// Changed reports whether the run wrote anything that could stale a report.
func (e RunCompleted) Changed() bool { return e.Inserted > 0 || e.Updated > 0 }

type CitySummary struct {
	City
	Observations int64
	FirstAt      sql.NullTime
	LastAt       sql.NullTime
}
