// Package metrics exposes Prometheus instruments for the synthesis pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Segment outcome labels.
const (
	SegmentCached      = "cached"
	SegmentSynthesized = "synthesized"
	SegmentFailed      = "failed"
)

// Run outcome labels.
const (
	RunSuccess  = "success"
	RunPartial  = "partial"
	RunFailed   = "failed"
	RunDegraded = "degraded"
)

// Key rotation reasons.
const (
	RotationQuota = "quota"
	RotationAuth  = "auth"
)

var (
	segmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_pipeline_segments_total",
		Help: "Total number of segments processed, by outcome",
	}, []string{"status"})

	keyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_pipeline_key_rotations_total",
		Help: "Total number of provider key demotions, by reason",
	}, []string{"reason"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_pipeline_runs_total",
		Help: "Total number of synthesis runs, by outcome",
	}, []string{"status"})

	cacheWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_pipeline_cache_write_errors_total",
		Help: "Total number of segment cache writes that failed",
	})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_pipeline_synthesis_latency_seconds",
		Help:    "Provider synthesis latency per segment in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_pipeline_run_duration_seconds",
		Help:    "Duration of whole synthesis runs in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
)

// RecordSegment counts one segment outcome.
func RecordSegment(status string) {
	segmentsTotal.WithLabelValues(status).Inc()
}

// RecordKeyRotation counts one key demotion.
func RecordKeyRotation(reason string) {
	keyRotations.WithLabelValues(reason).Inc()
}

// RecordCacheWriteError counts a failed segment cache write.
func RecordCacheWriteError() {
	cacheWriteErrors.Inc()
}

// ObserveSynthesis records the latency of one provider call.
func ObserveSynthesis(started time.Time) {
	synthesisLatency.Observe(time.Since(started).Seconds())
}

// RecordRun counts a finished run and its duration.
func RecordRun(status string, started time.Time) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(time.Since(started).Seconds())
}
