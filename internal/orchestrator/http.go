package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/local/webcapture/internal/limiter"
	"github.com/local/webcapture/internal/metrics"
	"github.com/local/webcapture/internal/queue"
	"github.com/local/webcapture/internal/statuscheck"
	"github.com/local/webcapture/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyBytes   = 1 << 20
	idempotencyTTL = 24 * time.Hour
)

type Handler interface {
	Handle(ctx context.Context, ev Event, progress Progress) (*Result, error)
}

type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
	CancelJob(ctx context.Context, jobID string) error
	ClearCancelled(ctx context.Context, jobID string) error
	ClaimIdempotencyKey(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key, jobID string) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
	Update(ctx context.Context, jobID string, fields map[string]any) error
	UpdateIfActive(ctx context.Context, jobID string, fields map[string]any) (bool, error)
}

type StatusChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

// Dependencies of the HTTP surface. Queue and Status may be nil, in which
// case only synchronous captures are served.
type Dependencies struct {
	Handler Handler
	Queue   Queue
	Status  StatusStore
	Limiter *limiter.Limiter
	Checker StatusChecker
}

type Orchestrator struct {
	deps Dependencies
}

func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps}
}

func (o *Orchestrator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", o.handleStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(o.rateLimit)
		r.Post("/capture", o.handleCapture)
		r.Post("/jobs", o.handleEnqueue)
	})
	r.Get("/jobs/{id}", o.handleJobStatus)
	r.Post("/jobs/{id}/cancel", o.handleCancel)
	return r
}

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResp{Error: msg, Kind: kind})
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (Event, bool) {
	var ev Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json: "+err.Error())
		return Event{}, false
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return Event{}, false
	}
	return ev, true
}

func (o *Orchestrator) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.deps.Limiter != nil && !o.deps.Limiter.AllowIP(limiter.ClientIP(r)) {
			log.Warn().Str("ip", limiter.ClientIP(r)).Str("path", r.URL.Path).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCapture runs the capture while the client waits.
func (o *Orchestrator) handleCapture(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	if o.deps.Limiter != nil {
		release, ok := o.deps.Limiter.Acquire()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "busy", "too many captures in flight, use /jobs")
			return
		}
		defer release()
	}

	res, err := o.deps.Handler.Handle(r.Context(), ev, nil)
	if err != nil {
		kind := ErrorKind(err)
		log.Error().Err(err).Str("url", ev.URL).Str("kind", kind).Msg("capture failed")
		code := http.StatusBadGateway
		if kind == "invalid_request" {
			code = http.StatusBadRequest
		}
		writeError(w, code, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type enqueueResp struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (o *Orchestrator) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if o.deps.Queue == nil || o.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "job queue not configured")
		return
	}
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}

	jobID := uuid.NewString()
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		existing, claimed, err := o.deps.Queue.ClaimIdempotencyKey(r.Context(), key, jobID, idempotencyTTL)
		if err != nil {
			log.Error().Err(err).Msg("idempotency claim failed")
			writeError(w, http.StatusServiceUnavailable, "unavailable", "queue unavailable")
			return
		}
		if !claimed {
			writeJSON(w, http.StatusOK, enqueueResp{JobID: existing, Status: "duplicate"})
			return
		}
	}

	now := time.Now()
	if err := o.deps.Status.Set(r.Context(), jobID, store.Status{
		State: store.StateQueued,
		URL:   ev.URL,
		Kind:  string(ev.CaptureType),
		Start: &now,
	}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("status init failed")
		o.releaseKey(r.Context(), key, jobID)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "status store unavailable")
		return
	}
	payload, _ := queue.Job{ID: jobID, URL: ev.URL, CaptureType: string(ev.CaptureType), EnqueuedAt: now}.Marshal()
	if _, err := o.deps.Queue.Enqueue(r.Context(), payload); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("enqueue failed")
		_ = o.deps.Status.Update(r.Context(), jobID, map[string]any{
			"status": store.StateFailed, "error": "enqueue failed", "error_kind": "unavailable",
		})
		o.releaseKey(r.Context(), key, jobID)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "queue unavailable")
		return
	}
	log.Info().Str("job_id", jobID).Str("url", ev.URL).Str("kind", string(ev.CaptureType)).Msg("job created")
	writeJSON(w, http.StatusAccepted, enqueueResp{JobID: jobID, Status: store.StateQueued})
}

// releaseKey frees an idempotency key claimed by a job that was never queued.
func (o *Orchestrator) releaseKey(ctx context.Context, key, jobID string) {
	if key == "" {
		return
	}
	if err := o.deps.Queue.ReleaseIdempotencyKey(context.WithoutCancel(ctx), key, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("idempotency key release failed")
	}
}

type jobResp struct {
	JobID string `json:"job_id"`
	store.Status
}

func (o *Orchestrator) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if o.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "status store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	st, ok, err := o.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobResp{JobID: id, Status: st})
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
	if o.deps.Queue == nil || o.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "job queue not configured")
		return
	}
	id := chi.URLParam(r, "id")
	st, ok, err := o.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if st.Terminal() {
		writeError(w, http.StatusConflict, "conflict", "job already "+st.State)
		return
	}
	if err := o.deps.Queue.CancelJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "cancel failed")
		return
	}
	applied, err := o.deps.Status.UpdateIfActive(r.Context(), id, map[string]any{"status": store.StateCancelled, "end": time.Now()})
	if err != nil || !applied {
		// finished between the lookup and the cancel
		_ = o.deps.Queue.ClearCancelled(context.WithoutCancel(r.Context()), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "cancel failed")
			return
		}
		writeError(w, http.StatusConflict, "conflict", "job already finished")
		return
	}
	log.Info().Str("job_id", id).Msg("job cancelled")
	writeJSON(w, http.StatusOK, enqueueResp{JobID: id, Status: store.StateCancelled})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if o.deps.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "status checker not configured")
		return
	}
	writeJSON(w, http.StatusOK, o.deps.Checker.Summary(r.Context()))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		ev := log.Info()
		if ww.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
