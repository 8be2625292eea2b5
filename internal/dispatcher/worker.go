// Package dispatcher runs queued capture jobs in the background.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/local/webcapture/internal/capture"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/metrics"
	"github.com/local/webcapture/internal/orchestrator"
	"github.com/local/webcapture/internal/queue"
	"github.com/local/webcapture/internal/store"
	"github.com/rs/zerolog"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*queue.Message, error)
	Ack(ctx context.Context, msgID string) error
	AddDLQ(ctx context.Context, payload []byte, reason string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	ClearCancelled(ctx context.Context, jobID string) error
	Depths(ctx context.Context) (stream, dlq int64, err error)
}

type Status interface {
	Update(ctx context.Context, jobID string, fields map[string]any) error
	UpdateIfActive(ctx context.Context, jobID string, fields map[string]any) (bool, error)
}

type Handler interface {
	Handle(ctx context.Context, ev orchestrator.Event, progress orchestrator.Progress) (*orchestrator.Result, error)
}

type Config struct {
	Concurrency int
	JobTimeout  time.Duration
	// PollInterval bounds both the blocking dequeue and how often a running
	// job checks for cancellation.
	PollInterval time.Duration
	Consumer     string
}

type Worker struct {
	cfg     Config
	q       Queue
	status  Status
	handler Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, q Queue, status Status, h Handler) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	return &Worker{cfg: cfg, q: q, status: status, handler: h}
}

// Start launches the worker loops and the queue depth reporter.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := range w.cfg.Concurrency {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx, i)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.reportDepths(ctx)
	}()
}

// Stop cancels in-flight jobs and waits for the loops to exit or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context, id int) {
	consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, id)
	logger := logpkg.Component("dispatcher").With().Str("consumer", consumer).Logger()
	logger.Info().Msg("dispatcher worker started")
	defer logger.Info().Msg("dispatcher worker stopped")

	for ctx.Err() == nil {
		msg, err := w.q.Dequeue(ctx, consumer, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("queue dequeue error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.Process(ctx, msg)
	}
}

// Process runs one queue message to a terminal status and acks it.
func (w *Worker) Process(ctx context.Context, msg *queue.Message) {
	// bookkeeping outlives shutdown and job timeouts
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := w.q.Ack(bg, msg.ID); err != nil {
			clog := logpkg.Component("dispatcher")
			clog.Error().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
		}
	}()

	job, err := queue.DecodeJob(msg.Data)
	if err != nil {
		clog := logpkg.Component("dispatcher")
		clog.Error().Err(err).Str("msg_id", msg.ID).Msg("dropping undecodable job")
		_ = w.q.AddDLQ(bg, msg.Data, "invalid_payload/fatal: "+err.Error())
		metrics.IncJob("invalid")
		return
	}
	logger := logpkg.Job("dispatcher", job.ID).With().Str("url", job.URL).Logger()

	if cancelled, _ := w.q.IsCancelled(bg, job.ID); cancelled {
		logger.Warn().Msg("job cancelled before processing; skipping")
		w.finishCancelled(bg, job.ID)
		return
	}

	ev := orchestrator.Event{URL: job.URL, CaptureType: capture.Kind(strings.ToLower(job.CaptureType))}
	if k, perr := capture.ParseKind(job.CaptureType); perr == nil {
		ev.CaptureType = k
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	stopWatch := w.watchCancel(jobCtx, cancel, job.ID)
	defer stopWatch()

	progress := func(state, stage string) {
		if _, err := w.status.UpdateIfActive(bg, job.ID, map[string]any{"status": state, "stage": stage}); err != nil {
			logger.Warn().Err(err).Str("state", state).Msg("status update failed")
		}
	}

	start := time.Now()
	res, err := w.handler.Handle(jobCtx, ev, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if cancelled, _ := w.q.IsCancelled(bg, job.ID); cancelled {
				logger.Warn().Msg("job cancelled while running")
				w.finishCancelled(bg, job.ID)
				return
			}
		}
		w.fail(bg, logger, job, msg.Data, err)
		return
	}

	now := time.Now()
	applied, err := w.status.UpdateIfActive(bg, job.ID, map[string]any{
		"status":     store.StateSuccess,
		"stage":      "",
		"result_url": res.URL,
		"key":        res.Key,
		"end":        now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("final status update failed")
	}
	if err == nil && !applied {
		logger.Warn().Str("key", res.Key).Msg("job cancelled after publishing; keeping cancelled status")
		_ = w.q.ClearCancelled(bg, job.ID)
		metrics.IncJob("cancelled")
		return
	}
	metrics.IncJob("success")
	logger.Info().Str("key", res.Key).Dur("elapsed", now.Sub(start)).Msg("job complete")
}

func (w *Worker) fail(ctx context.Context, logger zerolog.Logger, job queue.Job, payload []byte, err error) {
	kind := orchestrator.ErrorKind(err)
	logger.Error().Err(err).Str("kind", kind).Bool("transient", isTransient(err)).Msg("job failed")
	applied, uerr := w.status.UpdateIfActive(ctx, job.ID, map[string]any{
		"status":     store.StateFailed,
		"error":      err.Error(),
		"error_kind": kind,
		"end":        time.Now(),
	})
	if uerr != nil {
		logger.Error().Err(uerr).Msg("failure status update failed")
	}
	if uerr == nil && !applied {
		_ = w.q.ClearCancelled(ctx, job.ID)
		metrics.IncJob("cancelled")
		return
	}
	if derr := w.q.AddDLQ(ctx, payload, dlqReason(err)); derr != nil {
		logger.Error().Err(derr).Msg("dlq push failed")
	}
	metrics.IncJob("failed")
}

func (w *Worker) finishCancelled(ctx context.Context, jobID string) {
	_ = w.status.Update(ctx, jobID, map[string]any{"status": store.StateCancelled, "stage": "", "end": time.Now()})
	_ = w.q.ClearCancelled(ctx, jobID)
	metrics.IncJob("cancelled")
}

// watchCancel polls the cancel set while a job runs and cancels it when the
// job shows up there.
func (w *Worker) watchCancel(ctx context.Context, cancel context.CancelFunc, jobID string) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if c, err := w.q.IsCancelled(ctx, jobID); err == nil && c {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) reportDepths(ctx context.Context) {
	t := time.NewTicker(max(w.cfg.PollInterval, 5*time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stream, dlq, err := w.q.Depths(ctx)
			if err != nil {
				continue
			}
			metrics.SetQueueDepth("stream", stream)
			metrics.SetQueueDepth("dlq", dlq)
		}
	}
}
