// Package provider fetches hourly observations from external weather
// archives and turns them into canonical observations.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lox/weatherstats/internal/models"
)

// Provider fetches raw hourly observations for a single window that fits
// within MaxRangeDays. Dates are calendar dates; only Y/M/D are used.
type Provider interface {
	Name() string
	MaxRangeDays() int
	Fetch(ctx context.Context, city models.City, start, end time.Time) (Batch, error)
}

// Batch is the result of one provider request.
type Batch struct {
	Observations []models.RawObservation
	Payload      []byte
}

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) String() string {
	return r.Start.Format(time.DateOnly) + ".." + r.End.Format(time.DateOnly)
}

// Date truncates t to its calendar date at UTC midnight.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Chunks splits an inclusive date range into consecutive day-aligned ranges
// of at most maxDays days, in chronological order.
func Chunks(start, end time.Time, maxDays int) []DateRange {
	start, end = Date(start), Date(end)
	if maxDays < 1 {
		maxDays = 1
	}
	var out []DateRange
	for cur := start; !cur.After(end); {
		last := cur.AddDate(0, 0, maxDays-1)
		if last.After(end) {
			last = end
		}
		out = append(out, DateRange{Start: cur, End: last})
		cur = last.AddDate(0, 0, 1)
	}
	return out
}

// FetchRange fetches an arbitrary range by issuing one request per chunk and
// concatenating the results in chronological order. Any chunk failure fails
// the whole call; the ingestion pipeline fetches chunk by chunk instead when
// it needs partial results.
func FetchRange(ctx context.Context, p Provider, city models.City, start, end time.Time) ([]models.RawObservation, error) {
	var out []models.RawObservation
	for _, chunk := range Chunks(start, end, p.MaxRangeDays()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := p.Fetch(ctx, city, chunk.Start, chunk.End)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", chunk, err)
		}
		out = append(out, batch.Observations...)
	}
	return out, nil
}

// Registry resolves providers by name.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

func NewRegistry(defaultProvider Provider, others ...Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}, defaultName: defaultProvider.Name()}
	r.providers[defaultProvider.Name()] = defaultProvider
	for _, p := range others {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, bool) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

func (r *Registry) Default() string { return r.defaultName }

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
