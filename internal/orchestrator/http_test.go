package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/local/webcapture/internal/capture"
	"github.com/local/webcapture/internal/limiter"
	"github.com/local/webcapture/internal/queue"
	"github.com/local/webcapture/internal/squeeze"
	"github.com/local/webcapture/internal/store"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, ev Event, progress Progress) (*Result, error)

func (f handlerFunc) Handle(ctx context.Context, ev Event, progress Progress) (*Result, error) {
	return f(ctx, ev, progress)
}

func okHandler() Handler {
	return handlerFunc(func(_ context.Context, ev Event, _ Progress) (*Result, error) {
		return &Result{URL: "https://signed.example/temp/x." + string(ev.CaptureType)}, nil
	})
}

type testEnv struct {
	srv    *httptest.Server
	queue  *queue.RedisQueue
	status *store.RedisStatus
}

func newTestEnv(t *testing.T, h Handler, lim *limiter.Limiter) *testEnv {
	t.Helper()
	return newTestEnvWith(t, h, lim, nil)
}

// newTestEnvWith lets a test swap collaborators before the server starts.
func newTestEnvWith(t *testing.T, h Handler, lim *limiter.Limiter, wrap func(*Dependencies)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisQueue(context.Background(), client, "jobs:capture", "workers")
	require.NoError(t, err)
	st := store.NewRedisStatus(client, time.Hour)

	deps := Dependencies{Handler: h, Queue: q, Status: st, Limiter: lim}
	if wrap != nil {
		wrap(&deps)
	}
	o := New(deps)
	srv := httptest.NewServer(o.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, queue: q, status: st}
}

func post(t *testing.T, url, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCaptureSync(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)
	resp, body := post(t, env.srv.URL+"/capture", `{"url":"https://example.com","capture_type":"PDF"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://signed.example/temp/x.pdf", body["url"])
}

func TestCaptureBadRequest(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)

	resp, body := post(t, env.srv.URL+"/capture", `{"url":"https://example.com","capture_type":"gif"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["kind"])

	resp, _ = post(t, env.srv.URL+"/capture", `{"url":"file:///etc/passwd","capture_type":"pdf"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCaptureFailureMapsKind(t *testing.T) {
	h := handlerFunc(func(context.Context, Event, Progress) (*Result, error) {
		r := squeeze.PageRange{Start: 4, End: 6}
		return nil, &squeeze.Failure{Kind: squeeze.KindCompress, Stage: squeeze.StageCompressing, Range: &r, Err: errors.New("exit 1")}
	})
	env := newTestEnv(t, h, nil)
	resp, body := post(t, env.srv.URL+"/capture", `{"url":"https://example.com","capture_type":"pdf"}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "compress_failure", body["kind"])
	assert.Contains(t, body["error"], "pages 4-6")
}

func TestCaptureRateLimited(t *testing.T) {
	lim := limiter.New(limiter.Options{PerSecond: 0.001, Burst: 1})
	env := newTestEnv(t, okHandler(), lim)
	body := `{"url":"https://example.com","capture_type":"png"}`

	resp, _ := post(t, env.srv.URL+"/capture", body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, out := post(t, env.srv.URL+"/capture", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", out["kind"])
}

func TestCaptureBusy(t *testing.T) {
	lim := limiter.New(limiter.Options{PerSecond: 100, Burst: 100, MaxInflight: 1})
	release, ok := lim.Acquire()
	require.True(t, ok)
	defer release()

	env := newTestEnv(t, okHandler(), lim)
	resp, out := post(t, env.srv.URL+"/capture", `{"url":"https://example.com","capture_type":"png"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "busy", out["kind"])
}

func TestEnqueueAndGetJob(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)
	ctx := context.Background()

	resp, body := post(t, env.srv.URL+"/jobs", `{"url":"https://example.com","capture_type":"pdf"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	msg, err := env.queue.Dequeue(ctx, "test", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	job, err := queue.DecodeJob(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "pdf", job.CaptureType)

	getResp, err := http.Get(env.srv.URL + "/jobs/" + jobID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var st map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&st))
	assert.Equal(t, store.StateQueued, st["status"])
	assert.Equal(t, "https://example.com", st["url"])
	assert.Equal(t, jobID, st["job_id"])
}

func TestEnqueueIdempotent(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)
	body := `{"url":"https://example.com","capture_type":"png"}`
	hdr := map[string]string{"Idempotency-Key": "abc"}

	resp, first := post(t, env.srv.URL+"/jobs", body, hdr)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, second := post(t, env.srv.URL+"/jobs", body, hdr)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["job_id"], second["job_id"])
	assert.Equal(t, "duplicate", second["status"])

	stream, _, err := env.queue.Depths(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stream)
}

func TestGetUnknownJob(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)
	resp, err := http.Get(env.srv.URL + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, okHandler(), nil)
	ctx := context.Background()
	_, body := post(t, env.srv.URL+"/jobs", `{"url":"https://example.com","capture_type":"pdf"}`, nil)
	jobID := body["job_id"].(string)

	resp, out := post(t, env.srv.URL+"/jobs/"+jobID+"/cancel", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.StateCancelled, out["status"])

	cancelled, err := env.queue.IsCancelled(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	st, _, err := env.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, st.State)

	resp, _ = post(t, env.srv.URL+"/jobs/"+jobID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobsWithoutQueue(t *testing.T) {
	o := New(Dependencies{Handler: okHandler()})
	srv := httptest.NewServer(o.Routes())
	defer srv.Close()
	resp, _ := post(t, srv.URL+"/jobs", `{"url":"https://example.com","capture_type":"pdf"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventDecodesCaseInsensitiveKind(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"url":"https://a.b","capture_type":"Png"}`), &ev))
	assert.Equal(t, capture.KindPNG, ev.CaptureType)
}

func TestCaptureRateLimitIgnoresForwardedHeaders(t *testing.T) {
	lim := limiter.New(limiter.Options{PerSecond: 0.001, Burst: 1})
	env := newTestEnv(t, okHandler(), lim)
	body := `{"url":"https://example.com","capture_type":"png"}`

	accepted := 0
	for i := range 5 {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		resp, _ := post(t, env.srv.URL+"/capture", body, map[string]string{
			"X-Real-IP":       ip,
			"X-Forwarded-For": ip,
		})
		if resp.StatusCode == http.StatusOK {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

// flakyQueue fails Enqueue while fail is set.
type flakyQueue struct {
	*queue.RedisQueue
	fail bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if q.fail {
		return "", errors.New("connection reset")
	}
	return q.RedisQueue.Enqueue(ctx, payload)
}

func TestEnqueueFailureReleasesIdempotencyKey(t *testing.T) {
	var fq *flakyQueue
	env := newTestEnvWith(t, okHandler(), nil, func(d *Dependencies) {
		fq = &flakyQueue{RedisQueue: d.Queue.(*queue.RedisQueue), fail: true}
		d.Queue = fq
	})
	body := `{"url":"https://example.com","capture_type":"pdf"}`
	hdr := map[string]string{"Idempotency-Key": "retry-me"}

	resp, _ := post(t, env.srv.URL+"/jobs", body, hdr)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	fq.fail = false
	resp, out := post(t, env.srv.URL+"/jobs", body, hdr)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, store.StateQueued, out["status"])

	st, ok, err := env.status.Get(context.Background(), out["job_id"].(string))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StateQueued, st.State)
}

// finishingStatus completes the job right after it is looked up.
type finishingStatus struct {
	*store.RedisStatus
}

func (s finishingStatus) Get(ctx context.Context, jobID string) (store.Status, bool, error) {
	st, ok, err := s.RedisStatus.Get(ctx, jobID)
	if err == nil && ok {
		err = s.RedisStatus.Update(ctx, jobID, map[string]any{"status": store.StateSuccess})
	}
	return st, ok, err
}

func TestCancelDoesNotOverwriteFinishedJob(t *testing.T) {
	env := newTestEnvWith(t, okHandler(), nil, func(d *Dependencies) {
		d.Status = finishingStatus{RedisStatus: d.Status.(*store.RedisStatus)}
	})
	ctx := context.Background()
	require.NoError(t, env.status.Set(ctx, "j-race", store.Status{State: store.StateUploading}))

	resp, _ := post(t, env.srv.URL+"/jobs/j-race/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	st, _, err := env.status.Get(ctx, "j-race")
	require.NoError(t, err)
	assert.Equal(t, store.StateSuccess, st.State)
	cancelled, err := env.queue.IsCancelled(ctx, "j-race")
	require.NoError(t, err)
	assert.False(t, cancelled)
}
