package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
)

// Locker serializes runs whose date ranges overlap for the same city.
// Acquire returns ConflictError when an overlapping run holds the lock.
type Locker interface {
	Acquire(ctx context.Context, city models.City, start, end time.Time) (release func(), err error)
}

type span struct {
	id         uint64
	start, end time.Time
}

// MemoryLocker checks exact inclusive-date overlap within one process.
type MemoryLocker struct {
	mu     sync.Mutex
	nextID uint64
	held   map[int64][]span
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[int64][]span{}}
}

func (l *MemoryLocker) Acquire(_ context.Context, city models.City, start, end time.Time) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.held[city.ID] {
		if !start.After(s.end) && !end.Before(s.start) {
			return nil, &apperr.ConflictError{City: city.Name, Start: s.start, End: s.end}
		}
	}
	l.nextID++
	id := l.nextID
	l.held[city.ID] = append(l.held[city.ID], span{id: id, start: start, end: end})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			spans := l.held[city.ID]
			for i, s := range spans {
				if s.id == id {
					l.held[city.ID] = append(spans[:i], spans[i+1:]...)
					break
				}
			}
			if len(l.held[city.ID]) == 0 {
				delete(l.held, city.ID)
			}
		})
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker takes one key per (city, calendar month) touched by the range,
// so runs in different processes exclude each other. Overlap is coarser than
// MemoryLocker: two runs in the same month conflict even when their days
// don't intersect. Held keys are re-extended every ttl/3 until released, so
// the TTL only bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func monthKeys(cityID int64, start, end time.Time) []string {
	var keys []string
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		keys = append(keys, fmt.Sprintf("weather:lock:%d:%s", cityID, cur.Format("2006-01")))
		cur = cur.AddDate(0, 1, 0)
	}
	return keys
}

func (l *RedisLocker) Acquire(ctx context.Context, city models.City, start, end time.Time) (func(), error) {
	token := uuid.NewString()
	var taken []string
	stop := make(chan struct{})
	done := make(chan struct{})

	release := func() {
		// Release must succeed even when the caller's context is done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for _, key := range taken {
			releaseScript.Run(rctx, l.client, []string{key}, token)
		}
	}

	for _, key := range monthKeys(city.ID, start, end) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			release()
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if !ok {
			release()
			return nil, &apperr.ConflictError{City: city.Name, Start: start, End: end}
		}
		taken = append(taken, key)
	}

	go l.keepAlive(context.WithoutCancel(ctx), taken, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			release()
		})
	}, nil
}

func (l *RedisLocker) keepAlive(ctx context.Context, keys []string, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, key := range keys {
				extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds())
			}
		}
	}
}
