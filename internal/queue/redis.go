package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Message is one stream entry handed to a consumer.
type Message struct {
	ID   string
	Data []byte
}

// RedisQueue implements a job queue on Redis Streams with a consumer group,
// a dead-letter stream and a cancellation set.
type RedisQueue struct {
	client *redis.Client
	// streams / groups
	Stream string
	Group  string
	// keys
	CancelKey string
	DLQStream string
	IdemKey   string
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

// NewRedisQueue ensures the stream and consumer group exist.
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, group string) (*RedisQueue, error) {
	q := &RedisQueue{
		client:    client,
		Stream:    stream,
		Group:     group,
		CancelKey: stream + ":cancelled",
		DLQStream: stream + ":dlq",
		IdemKey:   stream + ":idem:",
	}
	// MKSTREAM creates the stream if missing
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	// go-redis returns the raw server error
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a job as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(payload)},
	}).Result()
}

// Dequeue reads one new message for consumer, waiting up to timeout. It
// returns nil when nothing arrived. The message stays pending until Ack.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Message, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	msg := res[0].Messages[0]
	out := &Message{ID: msg.ID}
	switch v := msg.Values["data"].(type) {
	case string:
		out.Data = []byte(v)
	case []byte:
		out.Data = v
	}
	return out, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// CancelJob marks a job as cancelled. Workers check this before processing.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) error {
	return q.client.SAdd(ctx, q.CancelKey, jobID).Err()
}

// IsCancelled returns true if job is cancelled.
func (q *RedisQueue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	return q.client.SIsMember(ctx, q.CancelKey, jobID).Result()
}

// ClearCancelled forgets a cancellation once the job has been dropped.
func (q *RedisQueue) ClearCancelled(ctx context.Context, jobID string) error {
	return q.client.SRem(ctx, q.CancelKey, jobID).Err()
}

// AddDLQ pushes a failed job to the DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQStream,
		Values: map[string]any{"data": string(payload), "reason": reason},
	}).Err()
}

// ClaimIdempotencyKey binds key to jobID for ttl. If the key is already bound
// the existing job ID is returned and claimed is false.
func (q *RedisQueue) ClaimIdempotencyKey(ctx context.Context, key, jobID string, ttl time.Duration) (existing string, claimed bool, err error) {
	if key == "" {
		return jobID, true, nil
	}
	ok, err := q.client.SetNX(ctx, q.IdemKey+key, jobID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return jobID, true, nil
	}
	existing, err = q.client.Get(ctx, q.IdemKey+key).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

var releaseIdem = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseIdempotencyKey unbinds key if it still points at jobID, so a retry
// with the same key can create a new job.
func (q *RedisQueue) ReleaseIdempotencyKey(ctx context.Context, key, jobID string) error {
	if key == "" {
		return nil
	}
	return releaseIdem.Run(ctx, q.client, []string{q.IdemKey + key}, jobID).Err()
}

// Depths returns approximate stream and dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (stream, dlq int64, err error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	dxlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return xlen.Val(), dxlen.Val(), nil
}
