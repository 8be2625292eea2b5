// Package squeeze shrinks a PDF by splitting it into page ranges, compressing
// every range in parallel with an external tool and merging the results back
// in page order.
package squeeze

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Tool performs the page-level operations of the pipeline.
type Tool interface {
	PageCounter
	Split(ctx context.Context, src string, first, last int, out string) error
	Compress(ctx context.Context, in, out string) error
	Merge(ctx context.Context, inputs []string, out string) error
}

// Options configure a Pipeline. Counter defaults to Tool, Parallelism to the
// number of CPUs and ScratchDir to the OS temp dir.
type Options struct {
	Tool            Tool
	Counter         PageCounter
	Parallelism     int
	ScratchDir      string
	StrictPageCount bool
}

// Observer is told about every stage a run enters.
type Observer func(Stage)

// ChunkArtifact is a chunk file on disk together with the range it holds.
type ChunkArtifact struct {
	Range PageRange
	Path  string
}

type Pipeline struct {
	tool        Tool
	counter     PageCounter
	parallelism int
	scratchDir  string
	strict      bool
}

func New(opts Options) (*Pipeline, error) {
	if opts.Tool == nil {
		return nil, errors.New("squeeze: tool is required")
	}
	p := &Pipeline{
		tool:        opts.Tool,
		counter:     opts.Counter,
		parallelism: opts.Parallelism,
		scratchDir:  opts.ScratchDir,
		strict:      opts.StrictPageCount,
	}
	if p.counter == nil {
		p.counter = opts.Tool
	}
	if p.parallelism < 1 {
		p.parallelism = runtime.NumCPU()
	}
	if p.scratchDir == "" {
		p.scratchDir = os.TempDir()
	}
	return p, nil
}

// Parallelism is the number of chunks the pipeline targets and the bound on
// concurrent tool invocations per stage.
func (p *Pipeline) Parallelism() int { return p.parallelism }

// Squeeze runs the pipeline without stage notifications.
func (p *Pipeline) Squeeze(ctx context.Context, data []byte) ([]byte, error) {
	return p.Run(ctx, data, nil)
}

// Run compresses data and returns the merged document. When the page count
// cannot be determined the input is returned unchanged, unless the pipeline
// is strict. Any stage failure aborts the run and is returned as *Failure;
// remaining tool invocations are cancelled.
func (p *Pipeline) Run(ctx context.Context, data []byte, observe Observer) (out []byte, err error) {
	enter := func(s Stage) {
		if observe != nil {
			observe(s)
		}
	}
	start := time.Now()
	logger := logpkg.Component("squeeze")

	defer func() {
		switch {
		case err != nil:
			enter(StageFailed)
			kind := string(KindOf(err))
			if kind == "" {
				kind = "error"
			}
			metrics.IncPipelineRun(kind)
			logger.Error().Err(err).Str("kind", kind).Dur("elapsed", time.Since(start)).Msg("squeeze failed")
		default:
			enter(StageDone)
			metrics.ObserveSqueeze(len(data), len(out))
		}
	}()

	enter(StagePlanning)
	ws, err := NewWorkspace(p.scratchDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Warn().Err(rerr).Str("workspace", ws.Root()).Msg("failed to release workspace")
		}
	}()

	src := ws.SourcePath()
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("squeeze: write source: %w", err)
	}

	pages, err := p.countPages(ctx, src)
	if err != nil {
		return nil, err
	}
	ranges := Plan(pages, ChunkSize(pages, p.parallelism))
	if len(ranges) == 0 {
		metrics.IncPipelineRun("noop")
		logger.Info().Int("bytes", len(data)).Msg("no pages to process, returning input unchanged")
		return data, nil
	}
	metrics.ObserveStage(string(StagePlanning), time.Since(start))
	logger.Info().Int("pages", pages).Int("chunks", len(ranges)).Int("parallelism", p.parallelism).Msg("squeeze planned")

	if err := ws.Ensure(); err != nil {
		return nil, fmt.Errorf("squeeze: %w", err)
	}

	enter(StageSplitting)
	split, err := p.split(ctx, ws, src, ranges)
	if err != nil {
		return nil, err
	}

	enter(StageCompressing)
	compressed, err := p.compress(ctx, ws, split)
	if err != nil {
		return nil, err
	}

	enter(StageMerging)
	out, err = p.merge(ctx, ws, compressed)
	if err != nil {
		return nil, err
	}

	metrics.IncPipelineRun("success")
	logger.Info().
		Int("pages", pages).
		Int("in_bytes", len(data)).
		Int("out_bytes", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("squeeze complete")
	return out, nil
}

func (p *Pipeline) countPages(ctx context.Context, src string) (int, error) {
	n, err := p.counter.PageCount(ctx, src)
	if err == nil && n >= 0 {
		return n, nil
	}
	if err == nil {
		err = fmt.Errorf("negative page count %d", n)
	}
	// a tool that cannot start is never an empty document
	var lf launchFailure
	if errors.As(err, &lf) && lf.LaunchFailed() {
		return 0, newFailure(KindLaunch, StagePlanning, nil, err)
	}
	if p.strict {
		return 0, newFailure(KindPageCount, StagePlanning, nil, err)
	}
	metrics.IncPageCountFallback()
	clog := logpkg.Component("squeeze")
	clog.Warn().Err(err).Msg("page count unavailable, treating document as empty")
	return 0, nil
}

func (p *Pipeline) split(ctx context.Context, ws *Workspace, src string, ranges []PageRange) ([]ChunkArtifact, error) {
	defer observeStage(StageSplitting, time.Now())
	arts := make([]ChunkArtifact, len(ranges))
	err := p.fanOut(ctx, len(ranges), func(ctx context.Context, i int) error {
		r := ranges[i]
		out := ws.SplitPath(r)
		if err := p.tool.Split(ctx, src, r.Start, r.End, out); err != nil {
			return newFailure(KindSplit, StageSplitting, &r, err)
		}
		arts[i] = ChunkArtifact{Range: r, Path: out}
		return nil
	})
	return arts, err
}

func (p *Pipeline) compress(ctx context.Context, ws *Workspace, split []ChunkArtifact) ([]ChunkArtifact, error) {
	defer observeStage(StageCompressing, time.Now())
	arts := make([]ChunkArtifact, len(split))
	err := p.fanOut(ctx, len(split), func(ctx context.Context, i int) error {
		in := split[i]
		out := ws.CompressedPath(in.Path)
		if err := p.tool.Compress(ctx, in.Path, out); err != nil {
			r := in.Range
			return newFailure(KindCompress, StageCompressing, &r, err)
		}
		arts[i] = ChunkArtifact{Range: in.Range, Path: out}
		return nil
	})
	return arts, err
}

func (p *Pipeline) merge(ctx context.Context, ws *Workspace, compressed []ChunkArtifact) ([]byte, error) {
	defer observeStage(StageMerging, time.Now())
	ordered := slices.Clone(compressed)
	slices.SortFunc(ordered, func(a, b ChunkArtifact) int {
		return cmp.Compare(a.Range.Start, b.Range.Start)
	})
	inputs := make([]string, len(ordered))
	for i, a := range ordered {
		inputs[i] = a.Path
	}

	out := ws.OutputPath()
	if err := p.tool.Merge(ctx, inputs, out); err != nil {
		return nil, newFailure(KindMerge, StageMerging, nil, err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, newFailure(KindMerge, StageMerging, nil, err)
	}
	return data, nil
}

// fanOut runs task for every index with at most p.parallelism in flight. The
// first error cancels the context handed to the remaining tasks.
func (p *Pipeline) fanOut(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return task(gctx, i)
		})
	}
	return g.Wait()
}

func observeStage(s Stage, start time.Time) {
	metrics.ObserveStage(string(s), time.Since(start))
}
