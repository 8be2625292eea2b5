package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisQueue(context.Background(), client, "jobs:capture", "workers")
	require.NoError(t, err)
	return q, mr
}

func TestNewRedisQueueIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := NewRedisQueue(context.Background(), q.client, q.Stream, q.Group)
	assert.NoError(t, err)
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"job_id":"a"}`))
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, "c1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.JSONEq(t, `{"job_id":"a"}`, string(msg.Data))

	pending, err := q.client.XPending(ctx, q.Stream, q.Group).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count)

	require.NoError(t, q.Ack(ctx, msg.ID))
	pending, err = q.client.XPending(ctx, q.Stream, q.Group).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	msg, err := q.Dequeue(context.Background(), "c1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestCancelJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	cancelled, err := q.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, q.CancelJob(ctx, "job-1"))
	cancelled, err = q.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, q.ClearCancelled(ctx, "job-1"))
	cancelled, err = q.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestDLQAndDepths(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("one"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("two"))
	require.NoError(t, err)
	require.NoError(t, q.AddDLQ(ctx, []byte("one"), "compress_failure"))

	stream, dlq, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stream)
	assert.EqualValues(t, 1, dlq)

	entries, err := q.client.XRange(ctx, q.DLQStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "compress_failure", entries[0].Values["reason"])
}

func TestClaimIdempotencyKey(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	got, claimed, err := q.ClaimIdempotencyKey(ctx, "k1", "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "job-1", got)

	got, claimed, err = q.ClaimIdempotencyKey(ctx, "k1", "job-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "job-1", got)

	mr.FastForward(2 * time.Minute)
	_, claimed, err = q.ClaimIdempotencyKey(ctx, "k1", "job-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, claimed, err = q.ClaimIdempotencyKey(ctx, "", "job-4", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "job-4", got)
}

func TestReleaseIdempotencyKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, claimed, err := q.ClaimIdempotencyKey(ctx, "k1", "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// another job's release leaves the binding alone
	require.NoError(t, q.ReleaseIdempotencyKey(ctx, "k1", "job-2"))
	got, claimed, err := q.ClaimIdempotencyKey(ctx, "k1", "job-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "job-1", got)

	require.NoError(t, q.ReleaseIdempotencyKey(ctx, "k1", "job-1"))
	got, claimed, err = q.ClaimIdempotencyKey(ctx, "k1", "job-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "job-3", got)

	require.NoError(t, q.ReleaseIdempotencyKey(ctx, "", "job-3"))
}
