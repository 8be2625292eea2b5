package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// GhostscriptConfig controls how the external document tool is invoked.
type GhostscriptConfig struct {
	Binary             string
	Timeout            time.Duration
	MaxProcs           int
	PDFSettings        string
	CompatibilityLevel string
}

// PipelineConfig controls the split/compress/merge pipeline.
type PipelineConfig struct {
	Parallelism     int
	ScratchDir      string
	ScratchMaxAge   time.Duration
	PageCounter     string // "ghostscript"|"pdfcpu"
	StrictPageCount bool
}

// CaptureConfig controls the headless browser.
type CaptureConfig struct {
	ChromePath   string
	Timeout      time.Duration
	NoSandbox    bool
	AutoDownload bool
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend         string // "s3"|"gcs"
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
	URLExpiry       time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Enabled     bool
	Concurrency int
	JobTimeout  time.Duration
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
	Port            string
	RateLimitPerSec float64
	RateLimitBurst  int
	MaxInflight     int
}

// Config is the top-level configuration.
type Config struct {
	Logging     LoggingConfig
	Axiom       AxiomConfig
	Ghostscript GhostscriptConfig
	Pipeline    PipelineConfig
	Capture     CaptureConfig
	Storage     StorageConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Server      ServerConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/webcapture.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_webcapture",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cpus := runtime.NumCPU()

	cfg.Ghostscript = GhostscriptConfig{
		Binary:             getEnv("GS_BINARY", "gs"),
		Timeout:            parseDuration(getEnv("GS_TIMEOUT", "2m"), 2*time.Minute),
		MaxProcs:           parseInt(getEnv("GS_MAX_PROCS", ""), cpus),
		PDFSettings:        getEnv("GS_PDF_SETTINGS", "/ebook"),
		CompatibilityLevel: getEnv("GS_COMPATIBILITY_LEVEL", "1.4"),
	}

	cfg.Pipeline = PipelineConfig{
		Parallelism:     parseInt(getEnv("PIPELINE_PARALLELISM", ""), cpus),
		ScratchDir:      getEnv("SCRATCH_DIR", os.TempDir()),
		ScratchMaxAge:   parseDuration(getEnv("SCRATCH_MAX_AGE", "1h"), time.Hour),
		PageCounter:     strings.ToLower(getEnv("PAGE_COUNTER", "ghostscript")),
		StrictPageCount: parseBool(getEnv("STRICT_PAGE_COUNT", "false")),
	}
	if cfg.Pipeline.Parallelism <= 0 {
		cfg.Pipeline.Parallelism = cpus
	}

	cfg.Capture = CaptureConfig{
		ChromePath:   getEnv("CHROME_PATH", ""),
		Timeout:      parseDuration(getEnv("CAPTURE_TIMEOUT", "60s"), 60*time.Second),
		NoSandbox:    parseBool(getEnv("CHROME_NO_SANDBOX", "true")),
		AutoDownload: parseBool(getEnv("CHROME_AUTO_DOWNLOAD", "false")),
	}

	cfg.Storage = StorageConfig{
		Backend:         strings.ToLower(getEnv("STORAGE_BACKEND", "s3")),
		Bucket:          getEnv("BUCKET", ""),
		Region:          getEnv("AWS_REGION", ""),
		Endpoint:        getEnv("S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		KeyPrefix:       getEnv("STORAGE_KEY_PREFIX", "temp"),
		URLExpiry:       parseDuration(getEnv("SIGNED_URL_EXPIRY", "1h"), time.Hour),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:capture"),
		Group:        getEnv("QUEUE_GROUP", "workers:capture"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "2s"), 2*time.Second),
	}

	cfg.Worker = WorkerConfig{
		Enabled:     parseBool(getEnv("RUN_DISPATCHER", "true")),
		Concurrency: parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
		JobTimeout:  parseDuration(getEnv("JOB_TIMEOUT", "10m"), 10*time.Minute),
	}
	// the janitor must never sweep the workspace of a job still in flight
	if jt := cfg.Worker.JobTimeout; jt > 0 && cfg.Pipeline.ScratchMaxAge > 0 && cfg.Pipeline.ScratchMaxAge <= jt {
		cfg.Pipeline.ScratchMaxAge = 2 * jt
	}

	cfg.Server = ServerConfig{
		Port:            getEnv("PORT", "8080"),
		RateLimitPerSec: parseFloat(getEnv("RATE_LIMIT_PER_SECOND", "2"), 2),
		RateLimitBurst:  parseInt(getEnv("RATE_LIMIT_BURST", "5"), 5),
		MaxInflight:     parseInt(getEnv("CAPTURE_MAX_INFLIGHT", "2"), 2),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
