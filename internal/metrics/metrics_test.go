package metrics_test

import (
	"testing"
	"time"

	"github.com/book-expert/tts-pipeline/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Counters are process-global, so these tests compare deltas and do not run in parallel.

func counterValue(t *testing.T, name, label string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}

	return 0
}

func TestRecordSegment(t *testing.T) {
	before := counterValue(t, "tts_pipeline_segments_total", metrics.SegmentCached)

	metrics.RecordSegment(metrics.SegmentCached)
	metrics.RecordSegment(metrics.SegmentCached)

	after := counterValue(t, "tts_pipeline_segments_total", metrics.SegmentCached)
	assert.InDelta(t, 2.0, after-before, 1e-9)
}

func TestRecordKeyRotation(t *testing.T) {
	before := counterValue(t, "tts_pipeline_key_rotations_total", metrics.RotationQuota)

	metrics.RecordKeyRotation(metrics.RotationQuota)

	after := counterValue(t, "tts_pipeline_key_rotations_total", metrics.RotationQuota)
	assert.InDelta(t, 1.0, after-before, 1e-9)
}

func TestRecordRun_RegistersHistogram(t *testing.T) {
	metrics.RecordRun(metrics.RunSuccess, time.Now())
	metrics.ObserveSynthesis(time.Now())
	metrics.RecordCacheWriteError()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}

	assert.True(t, names["tts_pipeline_run_duration_seconds"])
	assert.True(t, names["tts_pipeline_synthesis_latency_seconds"])
	assert.True(t, names["tts_pipeline_cache_write_errors_total"])
}
