package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("GS_BINARY", "")
	t.Setenv("PIPELINE_PARALLELISM", "")
	t.Setenv("STORAGE_BACKEND", "")

	cfg := FromEnv()

	assert.Equal(t, "gs", cfg.Ghostscript.Binary)
	assert.Equal(t, "/ebook", cfg.Ghostscript.PDFSettings)
	assert.Equal(t, "1.4", cfg.Ghostscript.CompatibilityLevel)
	assert.Equal(t, runtime.NumCPU(), cfg.Pipeline.Parallelism)
	assert.Equal(t, "ghostscript", cfg.Pipeline.PageCounter)
	assert.False(t, cfg.Pipeline.StrictPageCount)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, time.Hour, cfg.Storage.URLExpiry)
	assert.Equal(t, "temp", cfg.Storage.KeyPrefix)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GS_BINARY", "/opt/gs")
	t.Setenv("GS_TIMEOUT", "30s")
	t.Setenv("PIPELINE_PARALLELISM", "4")
	t.Setenv("PAGE_COUNTER", "PDFCPU")
	t.Setenv("STRICT_PAGE_COUNT", "yes")
	t.Setenv("SIGNED_URL_EXPIRY", "15m")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, "/opt/gs", cfg.Ghostscript.Binary)
	assert.Equal(t, 30*time.Second, cfg.Ghostscript.Timeout)
	assert.Equal(t, 4, cfg.Pipeline.Parallelism)
	assert.Equal(t, "pdfcpu", cfg.Pipeline.PageCounter)
	assert.True(t, cfg.Pipeline.StrictPageCount)
	assert.Equal(t, 15*time.Minute, cfg.Storage.URLExpiry)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
}

func TestScratchMaxAgeOutlivesJobTimeout(t *testing.T) {
	t.Setenv("SCRATCH_MAX_AGE", "5m")
	t.Setenv("JOB_TIMEOUT", "10m")
	assert.Equal(t, 20*time.Minute, FromEnv().Pipeline.ScratchMaxAge)

	t.Setenv("SCRATCH_MAX_AGE", "10m")
	assert.Equal(t, 20*time.Minute, FromEnv().Pipeline.ScratchMaxAge)

	t.Setenv("SCRATCH_MAX_AGE", "3h")
	assert.Equal(t, 3*time.Hour, FromEnv().Pipeline.ScratchMaxAge)

	t.Setenv("SCRATCH_MAX_AGE", "")
	t.Setenv("JOB_TIMEOUT", "")
	assert.Equal(t, time.Hour, FromEnv().Pipeline.ScratchMaxAge)
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"1": true, "TRUE": true, " on ": true, "no": false, "": false} {
		assert.Equal(t, want, parseBool(in), in)
	}
}
