package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatus(t *testing.T) (*RedisStatus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStatus(client, time.Hour), mr
}

func TestStatusSetGet(t *testing.T) {
	s, mr := newTestStatus(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Set(ctx, "j1", Status{
		State: StateQueued,
		URL:   "https://example.com",
		Kind:  "pdf",
		Start: &start,
	}))

	st, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateQueued, st.State)
	assert.Equal(t, "https://example.com", st.URL)
	assert.Equal(t, "pdf", st.Kind)
	require.NotNil(t, st.Start)
	assert.True(t, start.Equal(*st.Start))
	assert.Nil(t, st.End)
	assert.False(t, st.Updated.IsZero())
	assert.False(t, st.Terminal())

	ttl := mr.TTL("job:j1:status")
	assert.Equal(t, time.Hour, ttl)
}

func TestStatusUpdateMerges(t *testing.T) {
	s, _ := newTestStatus(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "j1", Status{State: StateQueued, URL: "https://example.com"}))

	end := time.Now().UTC()
	require.NoError(t, s.Update(ctx, "j1", map[string]any{
		"status":     StateFailed,
		"stage":      "compressing",
		"error_kind": "compress_failure",
		"end":        end,
	}))

	st, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "compressing", st.Stage)
	assert.Equal(t, "compress_failure", st.ErrorKind)
	assert.Equal(t, "https://example.com", st.URL)
	require.NotNil(t, st.End)
	assert.True(t, st.Terminal())
}

func TestStatusMissing(t *testing.T) {
	s, _ := newTestStatus(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateIfActive(t *testing.T) {
	s, _ := newTestStatus(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "j1", Status{State: StateQueued, URL: "https://example.com"}))

	applied, err := s.UpdateIfActive(ctx, "j1", map[string]any{"status": StateCapturing, "attempts": 1})
	require.NoError(t, err)
	assert.True(t, applied)
	st, _, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StateCapturing, st.State)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "https://example.com", st.URL)

	end := time.Now()
	require.NoError(t, s.Update(ctx, "j1", map[string]any{"status": StateSuccess, "end": end}))

	applied, err = s.UpdateIfActive(ctx, "j1", map[string]any{"status": StateCancelled})
	require.NoError(t, err)
	assert.False(t, applied)
	st, _, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, st.State)
}

func TestUpdateIfActiveKeepsTTL(t *testing.T) {
	s, mr := newTestStatus(t)
	ctx := context.Background()

	applied, err := s.UpdateIfActive(ctx, "j2", map[string]any{"status": StateCapturing})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, time.Hour, mr.TTL(s.key("j2")))
}
