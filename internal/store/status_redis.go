package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Job states.
const (
	StateQueued    = "queued"
	StateCapturing = "capturing"
	StateSqueezing = "squeezing"
	StateUploading = "uploading"
	StateSuccess   = "success"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Status is the externally visible progress of one capture job.
type Status struct {
	State     string     `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	URL       string     `json:"url,omitempty"`
	Kind      string     `json:"capture_type,omitempty"`
	ResultURL string     `json:"result_url,omitempty"`
	Key       string     `json:"key,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	Start     *time.Time `json:"start_time,omitempty"`
	End       *time.Time `json:"end_time,omitempty"`
	Updated   time.Time  `json:"updated_at"`
}

// Terminal reports whether the job will not change again.
func (s Status) Terminal() bool {
	return s.State == StateSuccess || s.State == StateFailed || s.State == StateCancelled
}

// RedisStatus keeps job status in one hash per job.
type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisStatus(client *redis.Client, ttl time.Duration) *RedisStatus {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStatus{client: client, keyNS: "job", ttl: ttl}
}

func (s *RedisStatus) key(jobID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, jobID) }

// Set replaces the stored status.
func (s *RedisStatus) Set(ctx context.Context, jobID string, st Status) error {
	if st.Updated.IsZero() {
		st.Updated = time.Now()
	}
	m := map[string]any{
		"status":     st.State,
		"stage":      st.Stage,
		"url":        st.URL,
		"kind":       st.Kind,
		"result_url": st.ResultURL,
		"key":        st.Key,
		"error":      st.Error,
		"error_kind": st.ErrorKind,
		"attempts":   st.Attempts,
		"updated":    st.Updated.Format(time.RFC3339Nano),
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(jobID))
	pipe.HSet(ctx, s.key(jobID), m)
	pipe.Expire(ctx, s.key(jobID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Update merges fields into the stored status. Keys use the hash field names
// written by Set.
func (s *RedisStatus) Update(ctx context.Context, jobID string, fields map[string]any) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(jobID), hashFields(fields))
	pipe.Expire(ctx, s.key(jobID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// updateIfActive runs atomically: it refuses to touch a job whose status is
// already terminal.
var updateIfActive = redis.NewScript(fmt.Sprintf(`
local st = redis.call("HGET", KEYS[1], "status")
if st == %q or st == %q or st == %q then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("EXPIRE", KEYS[1], ARGV[1])
return 1
`, StateSuccess, StateFailed, StateCancelled))

// UpdateIfActive is Update for jobs that have not reached a terminal state.
// It reports false, without writing, when the job already finished.
func (s *RedisStatus) UpdateIfActive(ctx context.Context, jobID string, fields map[string]any) (bool, error) {
	m := hashFields(fields)
	args := make([]any, 0, 1+2*len(m))
	args = append(args, int64(s.ttl/time.Second))
	for k, v := range m {
		args = append(args, k, v)
	}
	n, err := updateIfActive.Run(ctx, s.client, []string{s.key(jobID)}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func hashFields(fields map[string]any) map[string]any {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339Nano)
		}
		m[k] = v
	}
	m["updated"] = time.Now().Format(time.RFC3339Nano)
	return m
}

func (s *RedisStatus) Get(ctx context.Context, jobID string) (Status, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(res) == 0 {
		return Status{}, false, nil
	}
	st := Status{
		State:     res["status"],
		Stage:     res["stage"],
		URL:       res["url"],
		Kind:      res["kind"],
		ResultURL: res["result_url"],
		Key:       res["key"],
		Error:     res["error"],
		ErrorKind: res["error_kind"],
	}
	// ignore parse errors; zero values are fine
	st.Attempts, _ = strconv.Atoi(res["attempts"])
	if t, err := time.Parse(time.RFC3339Nano, res["updated"]); err == nil {
		st.Updated = t
	}
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	return st, true, nil
}

