// Package app builds the capture service from configuration. Every binary
// goes through here so the server, the function and the CLI squeeze the
// same way.
package app

import (
	"context"
	"fmt"

	"github.com/local/webcapture/internal/capture"
	"github.com/local/webcapture/internal/config"
	"github.com/local/webcapture/internal/ghostscript"
	"github.com/local/webcapture/internal/orchestrator"
	"github.com/local/webcapture/internal/squeeze"
	"github.com/local/webcapture/internal/storage"
	"github.com/rs/zerolog/log"
)

type App struct {
	Runner    *ghostscript.Runner
	Pipeline  *squeeze.Pipeline
	Browser   *capture.Browser
	Backend   storage.Backend
	Publisher *storage.Publisher
	Service   *orchestrator.Service
}

// NewRunner configures the Ghostscript runner.
func NewRunner(cfg config.GhostscriptConfig) *ghostscript.Runner {
	return ghostscript.New(ghostscript.Options{
		Binary:             cfg.Binary,
		Timeout:            cfg.Timeout,
		MaxProcs:           cfg.MaxProcs,
		PDFSettings:        cfg.PDFSettings,
		CompatibilityLevel: cfg.CompatibilityLevel,
	})
}

// NewPipeline builds the squeeze pipeline on top of runner.
func NewPipeline(cfg config.PipelineConfig, runner *ghostscript.Runner) (*squeeze.Pipeline, error) {
	var counter squeeze.PageCounter
	switch cfg.PageCounter {
	case "pdfcpu":
		counter = squeeze.PdfcpuCounter{}
	case "", "ghostscript", "gs":
	default:
		return nil, fmt.Errorf("unknown page counter %q", cfg.PageCounter)
	}
	return squeeze.New(squeeze.Options{
		Tool:            runner,
		Counter:         counter,
		Parallelism:     cfg.Parallelism,
		ScratchDir:      cfg.ScratchDir,
		StrictPageCount: cfg.StrictPageCount,
	})
}

func NewBrowser(cfg config.CaptureConfig) *capture.Browser {
	return capture.New(capture.Options{
		ChromePath:   cfg.ChromePath,
		Timeout:      cfg.Timeout,
		NoSandbox:    cfg.NoSandbox,
		AutoDownload: cfg.AutoDownload,
	})
}

// Build wires capture, squeeze and storage into a Service.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Runner: NewRunner(cfg.Ghostscript)}
	var err error
	if a.Pipeline, err = NewPipeline(cfg.Pipeline, a.Runner); err != nil {
		return nil, err
	}
	if a.Backend, err = storage.Open(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	a.Browser = NewBrowser(cfg.Capture)
	a.Publisher = storage.NewPublisher(a.Backend, cfg.Storage.KeyPrefix, cfg.Storage.URLExpiry)
	a.Service = orchestrator.NewService(a.Browser, a.Pipeline, a.Publisher)

	log.Info().
		Str("gs", a.Runner.Binary()).
		Int("parallelism", a.Pipeline.Parallelism()).
		Str("storage", a.Backend.Name()).
		Msg("capture service ready")
	return a, nil
}

func (a *App) Close() {
	if a.Browser != nil {
		if err := a.Browser.Close(); err != nil {
			log.Warn().Err(err).Msg("browser close failed")
		}
	}
	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			log.Warn().Err(err).Msg("storage close failed")
		}
	}
}
