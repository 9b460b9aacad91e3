package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/models"
)

type report struct {
	Average *float64 `json:"average"`
	Hours   int      `json:"hours"`
}

func ptr(v float64) *float64 { return &v }

func date(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func TestKeyString(t *testing.T) {
	k := Key{Kind: "temperature", City: " Madrid ", Start: date("2025-07-01"), End: date("2025-07-03"), High: ptr(35), Low: ptr(-2.5)}
	assert.Equal(t, "weather:stats:temperature:madrid:2025-07-01:2025-07-03:high=35:low=-2.5", k.String())

	k = Key{Kind: "precipitation", City: "Madrid", Start: date("2025-07-01"), End: date("2025-07-03")}
	assert.Equal(t, "weather:stats:precipitation:madrid:2025-07-01:2025-07-03", k.String())

	k = Key{Kind: "summary", City: SummaryCity}
	assert.Equal(t, "weather:stats:summary:_all:all:all", k.String())

	assert.Equal(t, `weather:stats:*:new\*york:*`, cityPattern("New*York"))
	assert.Equal(t, "temperature", kindOf("weather:stats:temperature:madrid:a:b"))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCache(client, zap.NewNop())
}

// Both backends must satisfy the same contract.
func testCacheContract(t *testing.T, c Cache) {
	ctx := context.Background()
	madridT := Key{Kind: "temperature", City: "Madrid", Start: date("2025-07-01"), End: date("2025-07-03")}.String()
	madridP := Key{Kind: "precipitation", City: "Madrid", Start: date("2025-07-01"), End: date("2025-07-03")}.String()
	bilbao := Key{Kind: "temperature", City: "Bilbao", Start: date("2025-07-01"), End: date("2025-07-03")}.String()

	var got report
	found, err := c.Get(ctx, madridT, &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, madridT, report{Average: ptr(25.5), Hours: 3}, time.Minute))
	require.NoError(t, c.Set(ctx, madridP, report{Hours: 1}, time.Minute))
	require.NoError(t, c.Set(ctx, bilbao, report{Average: nil}, time.Minute))

	found, err = c.Get(ctx, madridT, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 25.5, *got.Average)
	assert.Equal(t, 3, got.Hours)

	n, err := c.InvalidateCity(ctx, "MADRID")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, _ = c.Get(ctx, madridT, &got)
	assert.False(t, found)
	found, _ = c.Get(ctx, bilbao, &got)
	assert.True(t, found)
	assert.Nil(t, got.Average)

	gen, err := c.Generation(ctx, "Madrid")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
	gen, err = c.Generation(ctx, "Bilbao")
	require.NoError(t, err)
	assert.Zero(t, gen)

	madridGen, _ := c.Generation(ctx, "madrid")
	stored, err := c.SetIfGeneration(ctx, madridT, report{Hours: 9}, time.Minute, "Madrid", madridGen)
	require.NoError(t, err)
	assert.True(t, stored)
	found, _ = c.Get(ctx, madridT, &got)
	assert.True(t, found)
	assert.Equal(t, 9, got.Hours)

	// A report computed before this invalidation must not be written back.
	_, err = c.InvalidateCity(ctx, "Madrid")
	require.NoError(t, err)
	stored, err = c.SetIfGeneration(ctx, madridT, report{Hours: 7}, time.Minute, "Madrid", madridGen)
	require.NoError(t, err)
	assert.False(t, stored)
	found, _ = c.Get(ctx, madridT, &got)
	assert.False(t, found)
}

func TestMemoryCache(t *testing.T) {
	testCacheContract(t, NewMemoryCache())
}

func TestRedisCache(t *testing.T) {
	_, c := setupRedis(t)
	testCacheContract(t, c)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "weather:stats:temperature:madrid:a:b", report{Hours: 1}, 30*time.Minute))

	var got report
	now = now.Add(29 * time.Minute)
	found, _ := c.Get(ctx, "weather:stats:temperature:madrid:a:b", &got)
	assert.True(t, found)

	now = now.Add(time.Minute)
	found, _ = c.Get(ctx, "weather:stats:temperature:madrid:a:b", &got)
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
}

func TestRedisCache_TTLAndOutage(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()
	key := "weather:stats:temperature:madrid:a:b"

	require.NoError(t, c.Set(ctx, key, report{Hours: 2}, 1800*time.Second))
	assert.Equal(t, 1800*time.Second, mr.TTL(key))

	mr.FastForward(1801 * time.Second)
	var got report
	found, err := c.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)

	// Backend errors degrade to misses and no-ops.
	mr.Close()
	found, err = c.Get(ctx, key, &got)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.Set(ctx, key, report{}, time.Minute))
	stored, err := c.SetIfGeneration(ctx, key, report{}, time.Minute, "madrid", 0)
	assert.NoError(t, err)
	assert.False(t, stored)
	_, err = c.Generation(ctx, "madrid")
	assert.Error(t, err)
}

func TestRedisCache_SetIfGenerationKeepsTTL(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()
	key := Key{Kind: "precipitation", City: "Madrid", Start: date("2025-07-01"), End: date("2025-07-03")}.String()

	stored, err := c.SetIfGeneration(ctx, key, report{Hours: 2}, 1800*time.Second, "Madrid", 0)
	require.NoError(t, err)
	require.True(t, stored)
	assert.Equal(t, 1800*time.Second, mr.TTL(key))

	_, err = c.InvalidateCity(ctx, "Madrid")
	require.NoError(t, err)
	got, err := mr.Get("weather:gen:madrid")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.False(t, mr.Exists(key))
}

func TestInvalidator(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	inv := NewInvalidator(c, zap.NewNop())

	key := Key{Kind: "temperature", City: "Madrid", Start: date("2025-07-01"), End: date("2025-07-03")}.String()
	summary := Key{Kind: "summary", City: SummaryCity}.String()
	require.NoError(t, c.Set(ctx, key, report{}, time.Minute))
	require.NoError(t, c.Set(ctx, summary, report{}, time.Minute))

	inv.HandleRunCompleted(ctx, models.RunCompleted{RunID: "r1", CityName: "Madrid", Status: models.RunSucceeded})
	assert.Equal(t, 2, c.Len(), "unchanged run keeps entries")

	inv.HandleRunCompleted(ctx, models.RunCompleted{RunID: "r2", CityName: "Madrid", Status: models.RunPartial, Updated: 1})
	assert.Equal(t, 0, c.Len())
}
