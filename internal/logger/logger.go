// Package logger configures the process-wide zerolog logger and hands out
// loggers tagged with the component and job they log for.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/local/webcapture/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const service = "webcapture"

const (
	shipBuffer = 1000
	shipBatch  = 200
)

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration
}

// FromConfig maps the logging and Axiom config sections to Options.
func FromConfig(l config.LoggingConfig, a config.AxiomConfig) Options {
	return Options{
		Level:        l.Level,
		Pretty:       l.Pretty,
		File:         l.File,
		MaxSizeMB:    l.MaxSizeMB,
		MaxBackups:   l.MaxBackups,
		MaxAgeDays:   l.MaxAgeDays,
		Compress:     l.Compress,
		SendToAxiom:  a.Send && a.APIKey != "",
		AxiomAPIKey:  a.APIKey,
		AxiomOrgID:   a.OrgID,
		AxiomDataset: a.Dataset,
		AxiomFlush:   a.FlushInterval,
	}
}

var ship *shipper

// Init replaces the global logger. Events go to stdout (console format when
// Pretty), to a rotating file when File is set and to Axiom at info and
// above when enabled.
func Init(opts Options) error {
	Close()

	sinks := []io.Writer{os.Stdout}
	if opts.Pretty {
		sinks[0] = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}
	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		s, err := newShipper(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
		} else {
			ship = s
			sinks = append(sinks, s)
		}
	}

	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(lvl).
		With().Timestamp().Str("service", service).
		Logger()
	return nil
}

// Close flushes buffered Axiom events.
func Close() {
	if ship != nil {
		ship.Close()
		ship = nil
	}
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// Job returns a component logger that also carries the job ID.
func Job(component, jobID string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Str("job_id", jobID).Logger()
}

// shipper batches log events to an Axiom dataset. Events are dropped, and
// counted, when the buffer is full.
type shipper struct {
	client  *axiom.Client
	dataset string
	events  chan axiom.Event
	dropped atomic.Int64
	cancel  context.CancelFunc
	done    chan struct{}
}

func newShipper(token, orgID, dataset string, flushEvery time.Duration) (*shipper, error) {
	if dataset == "" {
		dataset = "dev_" + service
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &shipper{
		client:  c,
		dataset: dataset,
		events:  make(chan axiom.Event, shipBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx, flushEvery)
	return s, nil
}

func (s *shipper) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel queues one JSON log line. Debug and trace lines stay local.
func (s *shipper) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < zerolog.InfoLevel {
		return len(p), nil
	}
	ev := axiom.Event{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = axiom.Event{"message": string(p), "level": l.String()}
	}
	if t, ok := ev[zerolog.TimestampFieldName]; ok {
		ev[ingest.TimestampField] = t
		delete(ev, zerolog.TimestampFieldName)
	} else {
		ev[ingest.TimestampField] = time.Now()
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *shipper) run(ctx context.Context, flushEvery time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]axiom.Event, 0, shipBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, _ = s.client.IngestEvents(fctx, s.dataset, batch)
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.events:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-s.events:
			if batch = append(batch, ev); len(batch) >= shipBatch {
				flush()
			}
		}
	}
}

func (s *shipper) Close() {
	s.cancel()
	<-s.done
	if n := s.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "axiom: dropped %d log events\n", n)
	}
}
