// Command function serves the capture service as a Cloud Function. The HTTP
// entry point answers with the signed URL; the CloudEvent entry point runs
// the same capture for event-driven triggers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/webcapture/internal/app"
	cfgpkg "github.com/local/webcapture/internal/config"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/orchestrator"
)

var (
	svc     *app.App
	once    sync.Once
	initErr error
)

func init() {
	functions.HTTP("Capture", captureHTTP)
	functions.CloudEvent("CaptureEvent", captureEvent)
}

func service(ctx context.Context) (*app.App, error) {
	once.Do(func() {
		_ = godotenv.Load()
		cfg := cfgpkg.FromEnv()
		// no local files on the function runtime
		opts := logpkg.FromConfig(cfg.Logging, cfg.Axiom)
		opts.File = ""
		_ = logpkg.Init(opts)
		svc, initErr = app.Build(context.WithoutCancel(ctx), cfg)
	})
	return svc, initErr
}

func captureHTTP(w http.ResponseWriter, r *http.Request) {
	a, err := service(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("critical error during function initialization")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	var ev orchestrator.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "kind": "invalid_request"})
		return
	}
	res, err := a.Service.Handle(r.Context(), ev, nil)
	if err != nil {
		kind := orchestrator.ErrorKind(err)
		code := http.StatusInternalServerError
		if kind == "invalid_request" {
			code = http.StatusBadRequest
		}
		log.Error().Err(err).Str("kind", kind).Str("url", ev.URL).Msg("capture failed")
		writeJSON(w, code, map[string]string{"error": err.Error(), "kind": kind})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func captureEvent(ctx context.Context, e cloudevents.Event) error {
	a, err := service(ctx)
	if err != nil {
		log.Error().Err(err).Msg("critical error during function initialization")
		return err
	}
	var ev orchestrator.Event
	if err := e.DataAs(&ev); err != nil {
		log.Error().Err(err).Str("event_id", e.ID()).Msg("failed to decode event data")
		return fmt.Errorf("decode event data: %w", err)
	}
	res, err := a.Service.Handle(ctx, ev, nil)
	if err != nil {
		log.Error().Err(err).Str("event_id", e.ID()).Str("kind", orchestrator.ErrorKind(err)).Msg("capture failed")
		return err
	}
	log.Info().Str("event_id", e.ID()).Str("key", res.Key).Str("result_url", res.URL).Msg("capture published")
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// main runs the functions locally; deployed functions are started by the
// platform.
func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := funcframework.Start(port); err != nil {
		log.Fatal().Err(err).Msg("funcframework.Start")
	}
}
