// Package capture renders a web page to PDF or PNG with headless Chrome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/metrics"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("capture: browser closed")

type Options struct {
	ChromePath   string
	Timeout      time.Duration
	NoSandbox    bool
	AutoDownload bool
}

// Browser owns one headless Chrome process shared by every capture. Each
// capture runs in its own tab. Safe for concurrent use.
type Browser struct {
	opts Options

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        bool
}

func New(opts Options) *Browser {
	return &Browser{opts: opts}
}

// Capture loads rawURL and returns the rendered document.
func (b *Browser) Capture(ctx context.Context, rawURL string, kind Kind) ([]byte, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("capture: invalid URL %q: %w", rawURL, err)
	}
	browserCtx, err := b.ensureStarted()
	if err != nil {
		return nil, err
	}

	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	// tie the tab to the caller's deadline
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	start := time.Now()
	var buf []byte
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	switch kind {
	case KindPDF:
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}))
	case KindPNG:
		actions = append(actions, chromedp.FullScreenshot(&buf, 100))
	default:
		return nil, fmt.Errorf("capture: unsupported kind %q", kind)
	}

	err = chromedp.Run(tabCtx, actions...)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		metrics.ObserveCapture(string(kind), "failure", time.Since(start))
		return nil, fmt.Errorf("capture %s of %s failed: %w", kind, rawURL, err)
	}
	metrics.ObserveCapture(string(kind), "success", time.Since(start))
	clog := logpkg.Component("capture")
	clog.Info().
		Str("url", rawURL).
		Str("kind", string(kind)).
		Int("bytes", len(buf)).
		Dur("duration", time.Since(start)).
		Msg("page captured")
	return buf, nil
}

func (b *Browser) ensureStarted() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			return b.browserCtx, nil
		}
		// browser died, start a new one
		b.stopLocked()
	}

	execPath, err := b.resolveExecPath()
	if err != nil {
		return nil, err
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.Flag("force-color-profile", "srgb"),
		chromedp.WindowSize(1920, 1080),
	)
	if execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(execPath))
	}
	if b.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("capture: starting browser: %w", err)
	}
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	clog := logpkg.Component("capture")
	clog.Info().Str("exec", execPath).Msg("browser started")
	return browserCtx, nil
}

// resolveExecPath returns the configured binary, a downloaded Chromium when
// auto-download is on, or "" to let chromedp search the usual locations.
func (b *Browser) resolveExecPath() (string, error) {
	if b.opts.ChromePath != "" {
		return b.opts.ChromePath, nil
	}
	if b.opts.AutoDownload {
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return "", fmt.Errorf("capture: downloading browser: %w", err)
		}
		return path, nil
	}
	return "", nil
}

// Available reports whether a browser binary can be found without starting
// it.
func (b *Browser) Available() (string, bool) {
	if b.opts.ChromePath != "" {
		p, err := exec.LookPath(b.opts.ChromePath)
		return p, err == nil
	}
	if p, ok := launcher.LookPath(); ok {
		return p, true
	}
	if b.opts.AutoDownload {
		return "download", true
	}
	return "", false
}

// Close stops the browser process. Close is idempotent.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.stopLocked()
	return nil
}

// stopLocked tears down the current tab context and then its allocator.
// Callers hold b.mu.
func (b *Browser) stopLocked() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
}
