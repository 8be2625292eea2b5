package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(toolInvocations.WithLabelValues("split", "ok"))
	ObserveTool("split", "ok", 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(toolInvocations.WithLabelValues("split", "ok")))

	fb := testutil.ToFloat64(pageCountFallbacks)
	IncPageCountFallback()
	assert.Equal(t, fb+1, testutil.ToFloat64(pageCountFallbacks))

	runs := testutil.ToFloat64(pipelineRuns.WithLabelValues("compress_failure"))
	IncPipelineRun("compress_failure")
	assert.Equal(t, runs+1, testutil.ToFloat64(pipelineRuns.WithLabelValues("compress_failure")))
}

func TestQueueDepthGauge(t *testing.T) {
	SetQueueDepth("stream", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(queueDepth.WithLabelValues("stream")))
}
