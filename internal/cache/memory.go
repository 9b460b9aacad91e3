package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/lox/weatherstats/internal/metrics"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a process-local Cache. Values are stored JSON-encoded so
// hits decode into fresh copies, as with Redis.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	gens    map[string]int64
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, gens: map[string]int64{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	kind := kindOf(key)
	if !ok {
		metrics.CacheRequests.WithLabelValues(kind, "miss").Inc()
		return false, nil
	}
	if err := json.Unmarshal(e.data, dest); err != nil {
		return false, fmt.Errorf("decode cache entry: %w", err)
	}
	metrics.CacheRequests.WithLabelValues(kind, "hit").Inc()
	return true, nil
}

func (c *MemoryCache) entry(value any, ttl time.Duration) (memoryEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return memoryEntry{}, fmt.Errorf("marshal cache value: %w", err)
	}
	e := memoryEntry{data: data}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	e, err := c.entry(value, ttl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) SetIfGeneration(_ context.Context, key string, value any, ttl time.Duration, city string, gen int64) (bool, error) {
	e, err := c.entry(value, ttl)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[normalizeCity(city)] != gen {
		return false, nil
	}
	c.entries[key] = e
	return true, nil
}

func (c *MemoryCache) Generation(_ context.Context, city string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[normalizeCity(city)], nil
}

func (c *MemoryCache) InvalidateCity(_ context.Context, city string) (int, error) {
	pattern := cityPattern(city)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[normalizeCity(city)]++
	n := 0
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
			n++
		}
	}
	metrics.CacheInvalidations.Add(float64(n))
	return n, nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// kindOf extracts the report kind from a key for metric labels.
func kindOf(key string) string {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 3 {
		return "unknown"
	}
	return parts[2]
}
