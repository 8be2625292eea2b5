package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webcapture",
			Name:      "pipeline_runs_total",
			Help:      "Squeeze pipeline runs by result (success, noop, failure kind)",
		},
		[]string{"result"},
	)

	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webcapture",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	toolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webcapture",
			Name:      "tool_invocations_total",
			Help:      "External document tool invocations by mode and result",
		},
		[]string{"mode", "result"},
	)

	toolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webcapture",
			Name:      "tool_invocation_duration_seconds",
			Help:      "Duration of external document tool invocations by mode",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	pageCountFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webcapture",
			Name:      "page_count_fallbacks_total",
			Help:      "Page counts that resolved to zero because the count was unavailable",
		},
	)

	documentBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webcapture",
			Name:      "document_bytes",
			Help:      "Document sizes entering and leaving the squeeze pipeline",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8),
		},
		[]string{"direction"},
	)

	captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webcapture",
			Name:      "captures_total",
			Help:      "Browser captures by kind and result",
		},
		[]string{"kind", "result"},
	)

	captureLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webcapture",
			Name:      "capture_duration_seconds",
			Help:      "Duration of browser captures by kind",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webcapture",
			Name:      "uploads_total",
			Help:      "Object storage uploads by backend and result",
		},
		[]string{"backend", "result"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webcapture",
			Name:      "jobs_processed_total",
			Help:      "Queued capture jobs by result (success, failed, cancelled)",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "webcapture",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream and dlq",
		},
		[]string{"type"},
	)

	registerOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(pipelineRuns, stageLatency, toolInvocations, toolLatency, pageCountFallbacks,
			documentBytes, captures, captureLatency, uploads, jobsProcessed, queueDepth)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncPipelineRun(result string) { pipelineRuns.WithLabelValues(result).Inc() }

func ObserveStage(stage string, dur time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(dur.Seconds())
}

func ObserveTool(mode, result string, dur time.Duration) {
	toolInvocations.WithLabelValues(mode, result).Inc()
	toolLatency.WithLabelValues(mode).Observe(dur.Seconds())
}

func IncPageCountFallback() { pageCountFallbacks.Inc() }

// ObserveSqueeze records input and output sizes of one pipeline run.
func ObserveSqueeze(in, out int) {
	documentBytes.WithLabelValues("in").Observe(float64(in))
	documentBytes.WithLabelValues("out").Observe(float64(out))
}

func ObserveCapture(kind, result string, dur time.Duration) {
	captures.WithLabelValues(kind, result).Inc()
	captureLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

func IncUpload(backend, result string) { uploads.WithLabelValues(backend, result).Inc() }

func IncJob(result string) { jobsProcessed.WithLabelValues(result).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
