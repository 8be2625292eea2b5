package orchestrator

import (
	"context"
	"time"

	"github.com/local/webcapture/internal/limiter"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/squeeze"
)

// Janitor periodically removes workspaces abandoned by crashed runs and
// forgets idle rate-limit buckets.
type Janitor struct {
	ScratchDir string
	MaxAge     time.Duration
	Interval   time.Duration
	Limiter    *limiter.Limiter
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (j Janitor) Run(ctx context.Context) {
	if j.Interval <= 0 {
		j.Interval = 10 * time.Minute
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		j.sweepOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j Janitor) sweepOnce() {
	logger := logpkg.Component("janitor")
	if j.ScratchDir != "" && j.MaxAge > 0 {
		n, err := squeeze.SweepStale(j.ScratchDir, j.MaxAge)
		if err != nil {
			logger.Warn().Err(err).Str("dir", j.ScratchDir).Msg("workspace sweep failed")
		} else if n > 0 {
			logger.Info().Int("removed", n).Str("dir", j.ScratchDir).Msg("removed stale workspaces")
		}
	}
	if j.Limiter != nil {
		if n := j.Limiter.Prune(); n > 0 {
			logger.Debug().Int("pruned", n).Msg("pruned idle rate-limit buckets")
		}
	}
}
