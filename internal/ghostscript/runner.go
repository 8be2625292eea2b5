package ghostscript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/local/webcapture/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Mode names one way of invoking the tool.
type Mode string

const (
	ModeCount    Mode = "count"
	ModeSplit    Mode = "split"
	ModeCompress Mode = "compress"
	ModeMerge    Mode = "merge"
	ModeVersion  Mode = "version"
)

const (
	defaultPDFSettings        = "/ebook"
	defaultCompatibilityLevel = "1.4"
	stderrLimit               = 512
	killGrace                 = 5 * time.Second
)

// ErrTimeout is wrapped by ExitError when an invocation exceeds its deadline.
var ErrTimeout = errors.New("invocation timed out")

// ErrNoOutput is wrapped by ExitError when the tool exited cleanly without
// writing the expected output file.
var ErrNoOutput = errors.New("output file not created")

// LaunchError reports that the process could not be started at all.
type LaunchError struct {
	Mode   Mode
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("ghostscript %s: launch %q: %v", e.Mode, e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// LaunchFailed marks the error as raised before the process ran.
func (e *LaunchError) LaunchFailed() bool { return true }

// ExitError reports a process that ran but did not produce a usable result.
type ExitError struct {
	Mode   Mode
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("ghostscript %s failed", e.Mode)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Options configures a Runner.
type Options struct {
	Binary             string
	Timeout            time.Duration
	MaxProcs           int
	PDFSettings        string
	CompatibilityLevel string
}

// Runner invokes the Ghostscript binary in count, split, compress and merge
// modes. It is safe for concurrent use; MaxProcs bounds the number of live
// processes across all callers.
type Runner struct {
	binary      string
	timeout     time.Duration
	pdfSettings string
	compat      string
	semaphore   chan struct{}
}

// New creates a Runner for the configured binary.
func New(opts Options) *Runner {
	if opts.Binary == "" {
		opts.Binary = "gs"
	}
	if opts.MaxProcs <= 0 {
		opts.MaxProcs = 1
	}
	if opts.PDFSettings == "" {
		opts.PDFSettings = defaultPDFSettings
	}
	if opts.CompatibilityLevel == "" {
		opts.CompatibilityLevel = defaultCompatibilityLevel
	}
	return &Runner{
		binary:      opts.Binary,
		timeout:     opts.Timeout,
		pdfSettings: opts.PDFSettings,
		compat:      opts.CompatibilityLevel,
		semaphore:   make(chan struct{}, opts.MaxProcs),
	}
}

// Binary returns the configured executable.
func (r *Runner) Binary() string { return r.binary }

// Version returns the tool version string.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.run(ctx, ModeVersion, []string{"--version"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// PageCount returns the number of pages in the document at path. Output that
// does not parse as an integer is reported as an ExitError.
func (r *Runner) PageCount(ctx context.Context, path string) (int, error) {
	out, err := r.run(ctx, ModeCount, countArgs(path))
	if err != nil {
		return 0, err
	}
	n, err := parseCount(out)
	if err != nil {
		return 0, &ExitError{Mode: ModeCount, Err: err}
	}
	return n, nil
}

// Split extracts pages [first, last] of src into out.
func (r *Runner) Split(ctx context.Context, src string, first, last int, out string) error {
	if first < 1 || last < first {
		return fmt.Errorf("ghostscript split: invalid page range %d-%d", first, last)
	}
	if _, err := r.run(ctx, ModeSplit, splitArgs(src, first, last, out)); err != nil {
		return err
	}
	return expectOutput(ModeSplit, out)
}

// Compress rewrites in into out with the configured quality preset.
func (r *Runner) Compress(ctx context.Context, in, out string) error {
	if filepath.Clean(in) == filepath.Clean(out) {
		return fmt.Errorf("ghostscript compress: input and output share path %s", in)
	}
	if _, err := r.run(ctx, ModeCompress, compressArgs(r.compat, r.pdfSettings, in, out)); err != nil {
		return err
	}
	return expectOutput(ModeCompress, out)
}

// Merge concatenates inputs, in the given order, into out.
func (r *Runner) Merge(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("ghostscript merge: no inputs")
	}
	if _, err := r.run(ctx, ModeMerge, mergeArgs(inputs, out)); err != nil {
		return err
	}
	return expectOutput(ModeMerge, out)
}

func (r *Runner) run(ctx context.Context, mode Mode, args []string) ([]byte, error) {
	select {
	case r.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, &ExitError{Mode: mode, Err: ctx.Err()}
	}
	defer func() { <-r.semaphore }()

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.binary, args...)
	cmd.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("mode", string(mode)).Str("cmd", r.binary+" "+strings.Join(args, " ")).Msg("ghostscript command")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if runCtx.Err() != nil {
			metrics.ObserveTool(string(mode), "cancelled", time.Since(start))
			return nil, &ExitError{Mode: mode, Err: contextErr(ctx, runCtx)}
		}
		metrics.ObserveTool(string(mode), "launch_error", time.Since(start))
		return nil, &LaunchError{Mode: mode, Binary: r.binary, Err: err}
	}

	err := cmd.Wait()
	dur := time.Since(start)
	if err != nil {
		ee := &ExitError{Mode: mode, Stderr: truncate(stderr.String(), stderrLimit)}
		var exitErr *exec.ExitError
		switch {
		case runCtx.Err() != nil:
			ee.Err = contextErr(ctx, runCtx)
		case errors.As(err, &exitErr):
			ee.Code = exitErr.ExitCode()
		default:
			ee.Err = err
		}
		result := "error"
		if errors.Is(ee.Err, ErrTimeout) {
			result = "timeout"
		}
		metrics.ObserveTool(string(mode), result, dur)
		log.Warn().Str("mode", string(mode)).Int("exit_code", ee.Code).Dur("duration", dur).Str("stderr", ee.Stderr).Msg("ghostscript invocation failed")
		return nil, ee
	}

	metrics.ObserveTool(string(mode), "ok", dur)
	log.Debug().Str("mode", string(mode)).Dur("duration", dur).Msg("ghostscript invocation finished")
	return stdout.Bytes(), nil
}

// contextErr distinguishes our own per-invocation deadline from the caller
// cancelling the run.
func contextErr(parent, run context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return run.Err()
}

func expectOutput(mode Mode, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ExitError{Mode: mode, Err: fmt.Errorf("%w: %s", ErrNoOutput, path)}
	}
	if info.IsDir() {
		return &ExitError{Mode: mode, Err: fmt.Errorf("%w: %s is a directory", ErrNoOutput, path)}
	}
	return nil
}

// parseCount reads the last non-empty line of the tool output as an integer.
func parseCount(out []byte) (int, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, fmt.Errorf("empty page count output")
	}
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("unparseable page count %q", truncate(last, 64))
	}
	if n < 0 {
		return 0, fmt.Errorf("negative page count %d", n)
	}
	return n, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
