package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/local/webcapture/internal/capture"
	"github.com/local/webcapture/internal/filetype"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/squeeze"
	"github.com/local/webcapture/internal/storage"
	"github.com/local/webcapture/internal/store"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrCapture      = errors.New("capture failed")
	ErrUpload       = errors.New("upload failed")
)

// Event asks for one page capture.
type Event struct {
	URL         string       `json:"url"`
	CaptureType capture.Kind `json:"capture_type"`
}

func (e Event) Validate() error {
	u, err := url.ParseRequestURI(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidEvent)
	}
	if _, err := capture.ParseKind(string(e.CaptureType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Result points at the published document.
type Result struct {
	URL string `json:"url"`
	Key string `json:"-"`
}

// Progress is told the job state, and the pipeline stage while squeezing.
type Progress func(state, stage string)

type Capturer interface {
	Capture(ctx context.Context, rawURL string, kind capture.Kind) ([]byte, error)
}

type Squeezer interface {
	Run(ctx context.Context, data []byte, observe squeeze.Observer) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, data []byte, ext, contentType string) (*storage.Published, error)
}

// Service runs one event end to end: capture, squeeze PDFs, publish.
type Service struct {
	capturer  Capturer
	squeezer  Squeezer
	publisher Publisher
	detector  *filetype.Detector
}

func NewService(c Capturer, s Squeezer, p Publisher) *Service {
	return &Service{capturer: c, squeezer: s, publisher: p, detector: filetype.New()}
}

func (s *Service) Handle(ctx context.Context, ev Event, progress Progress) (*Result, error) {
	report := func(state, stage string) {
		if progress != nil {
			progress(state, stage)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := logpkg.Component("orchestrator").With().Str("url", ev.URL).Str("kind", string(ev.CaptureType)).Logger()

	report(store.StateCapturing, "")
	data, err := s.capturer.Capture(ctx, ev.URL, ev.CaptureType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	if _, err := s.detector.Expect(data, ev.CaptureType.ContentType()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}

	if ev.CaptureType == capture.KindPDF {
		captured := len(data)
		data, err = s.squeezer.Run(ctx, data, func(st squeeze.Stage) {
			report(store.StateSqueezing, string(st))
		})
		if err != nil {
			return nil, err
		}
		logger.Debug().Int("captured_bytes", captured).Int("squeezed_bytes", len(data)).Msg("pdf squeezed")
	}

	report(store.StateUploading, "")
	pub, err := s.publisher.Publish(ctx, data, ev.CaptureType.Extension(), ev.CaptureType.ContentType())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	logger.Info().Str("key", pub.Key).Dur("elapsed", time.Since(start)).Msg("capture published")
	return &Result{URL: pub.URL, Key: pub.Key}, nil
}

// ErrorKind names the failure class of an error returned by Handle.
func ErrorKind(err error) string {
	if k := squeeze.KindOf(err); k != "" {
		return string(k)
	}
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_request"
	case errors.Is(err, ErrCapture):
		return "capture_failure"
	case errors.Is(err, ErrUpload):
		return "upload_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}
