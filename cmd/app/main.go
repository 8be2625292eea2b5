package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/webcapture/internal/app"
	cfgpkg "github.com/local/webcapture/internal/config"
	"github.com/local/webcapture/internal/dispatcher"
	"github.com/local/webcapture/internal/limiter"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/metrics"
	"github.com/local/webcapture/internal/orchestrator"
	"github.com/local/webcapture/internal/queue"
	"github.com/local/webcapture/internal/statuscheck"
	"github.com/local/webcapture/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	// Init logging
	_ = logpkg.Init(logpkg.FromConfig(cfg.Logging, cfg.Axiom))
	defer logpkg.Close()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build capture service")
	}
	defer svc.Close()

	// Queue and status share one connection
	rc, err := queue.Dial(ctx, cfg.Queue.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rc.Close()
	rq, err := queue.NewRedisQueue(ctx, rc, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init queue")
	}
	rs := store.NewRedisStatus(rc, 0)

	lim := limiter.New(limiter.Options{
		PerSecond:   cfg.Server.RateLimitPerSec,
		Burst:       cfg.Server.RateLimitBurst,
		MaxInflight: cfg.Server.MaxInflight,
	})
	checker := statuscheck.New(statuscheck.Options{
		Redis:       rq,
		Bucket:      svc.Backend,
		Ghostscript: svc.Runner,
		Browser:     svc.Browser,
	})

	orch := orchestrator.New(orchestrator.Dependencies{
		Handler: svc.Service,
		Queue:   rq,
		Status:  rs,
		Limiter: lim,
		Checker: checker,
	})

	// Dispatcher worker (optional)
	if cfg.Worker.Enabled {
		host, _ := os.Hostname()
		disp := dispatcher.New(dispatcher.Config{
			Concurrency:  cfg.Worker.Concurrency,
			JobTimeout:   cfg.Worker.JobTimeout,
			PollInterval: cfg.Queue.PollInterval,
			Consumer:     host,
		}, rq, rs, svc.Service)
		disp.Start(ctx)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := disp.Stop(sctx); err != nil {
				log.Warn().Err(err).Msg("dispatcher did not stop in time")
			}
		}()
	}

	go orchestrator.Janitor{
		ScratchDir: cfg.Pipeline.ScratchDir,
		MaxAge:     cfg.Pipeline.ScratchMaxAge,
		Limiter:    lim,
	}.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           orch.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	log.Info().Msg("shutdown complete")
}
