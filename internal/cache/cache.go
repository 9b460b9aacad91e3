// Package cache stores computed statistics reports keyed by city, kind and
// range, and drops a city's entries when its observations change.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const (
	keyPrefix        = "weather:stats"
	generationPrefix = "weather:gen"
)

// Cache is a TTL key/value store for JSON-serializable reports.
type Cache interface {
	// Get decodes the cached value into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// InvalidateCity bumps the city's generation, then removes every entry
	// for the city and returns how many.
	InvalidateCity(ctx context.Context, city string) (int, error)
	// Generation returns the number of times the city has been invalidated.
	Generation(ctx context.Context, city string) (int64, error)
	// SetIfGeneration stores value only while the city's generation is still
	// gen. A report computed before an invalidation is therefore never
	// written back after it.
	SetIfGeneration(ctx context.Context, key string, value any, ttl time.Duration, city string, gen int64) (bool, error)
}

// Key identifies one statistics query.
type Key struct {
	Kind  string // temperature, precipitation, summary
	City  string
	Start time.Time
	End   time.Time
	High  *float64
	Low   *float64
}

// String renders weather:stats:{kind}:{city}:{start}:{end}[:high=..][:low=..].
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(k.Kind)
	b.WriteByte(':')
	b.WriteString(normalizeCity(k.City))
	b.WriteByte(':')
	b.WriteString(dateOrAll(k.Start))
	b.WriteByte(':')
	b.WriteString(dateOrAll(k.End))
	if k.High != nil {
		b.WriteString(":high=")
		b.WriteString(strconv.FormatFloat(*k.High, 'f', -1, 64))
	}
	if k.Low != nil {
		b.WriteString(":low=")
		b.WriteString(strconv.FormatFloat(*k.Low, 'f', -1, 64))
	}
	return b.String()
}

func dateOrAll(t time.Time) string {
	if t.IsZero() {
		return "all"
	}
	return t.Format(time.DateOnly)
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

func generationKey(city string) string {
	return generationPrefix + ":" + normalizeCity(city)
}

// cityPattern matches every key for city, with glob metacharacters escaped.
func cityPattern(city string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return keyPrefix + ":*:" + r.Replace(normalizeCity(city)) + ":*"
}
