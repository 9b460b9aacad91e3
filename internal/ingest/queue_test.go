package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name      string
		task      Task
		wantField string
	}{
		{"ingest", Task{Type: TaskIngest, City: "Madrid", Start: "2025-07-01", End: "2025-07-03"}, ""},
		{"add city", Task{Type: TaskAddCity, City: "Madrid"}, ""},
		{"missing city", Task{Type: TaskAddCity, City: "  "}, "city"},
		{"bad start", Task{Type: TaskIngest, City: "Madrid", Start: "01/07/2025", End: "2025-07-03"}, "start"},
		{"missing end", Task{Type: TaskIngest, City: "Madrid", Start: "2025-07-01"}, "end"},
		{"unknown type", Task{Type: "purge", City: "Madrid"}, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

// queueContract exercises behaviour shared by every Queue implementation.
func queueContract(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, Task{Type: TaskIngest, City: "Madrid"})
	require.Error(t, err, "invalid tasks are rejected")

	id1, err := q.Enqueue(ctx, Task{Type: TaskIngest, City: "Madrid", Start: "2025-07-01", End: "2025-07-03"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := q.Enqueue(ctx, Task{Type: TaskAddCity, City: "Sevilla", Country: "Spain"})
	require.NoError(t, err)

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, d1.Task.ID)
	assert.Equal(t, "2025-07-03", d1.Task.End)
	require.NoError(t, q.Ack(ctx, d1))

	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, d2.Task.ID)
	assert.Equal(t, TaskAddCity, d2.Task.Type)
	require.NoError(t, q.Nack(ctx, d2))

	retry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, retry.Task.ID)
	assert.Equal(t, 1, retry.Task.Attempt)
	require.NoError(t, q.Postpone(ctx, retry))

	later, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, later.Task.ID)
	assert.Equal(t, 1, later.Task.Attempt, "postponing does not use an attempt")
	require.NoError(t, q.Ack(ctx, later))

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(8)
	queueContract(t, q)
	assert.Zero(t, q.Pending())

	assert.Error(t, q.Ack(context.Background(), Delivery{receipt: "bogus"}))
}

func TestRedisQueue(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "", "", "worker-1", zap.NewNop())
	q.block = 20 * time.Millisecond
	queueContract(t, q)
}

func TestRedisQueue_RedeliversUnackedAfterRestart(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)

	first := NewRedisQueue(client, "tasks", "group", "worker-1", zap.NewNop())
	first.block = 20 * time.Millisecond
	id, err := first.Enqueue(ctx, Task{Type: TaskAddCity, City: "Valencia"})
	require.NoError(t, err)

	d, err := first.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Task.ID)
	// crash: neither acked nor nacked

	restarted := NewRedisQueue(client, "tasks", "group", "worker-1", zap.NewNop())
	restarted.block = 20 * time.Millisecond
	again, err := restarted.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.Task.ID)
	require.NoError(t, restarted.Ack(ctx, again))

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = restarted.Dequeue(short)
	assert.Error(t, err)
}

func TestRedisQueue_SkipsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "tasks", "group", "worker-1", zap.NewNop())
	q.block = 20 * time.Millisecond
	require.NoError(t, q.ensureGroup(ctx))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "tasks", Values: map[string]interface{}{"data": "{not json"}}).Err())
	id, err := q.Enqueue(ctx, Task{Type: TaskAddCity, City: "Valencia"})
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Task.ID)
}
