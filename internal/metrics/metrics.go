package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streamed replies by outcome: success or the failure kind.
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condo",
			Subsystem: "assistant",
			Name:      "streams_total",
			Help:      "Total number of assistant replies streamed",
		},
		[]string{"outcome"},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "condo",
			Subsystem: "assistant",
			Name:      "stream_duration_seconds",
			Help:      "Time from request to last delta",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	FramesSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "condo",
			Subsystem: "assistant",
			Name:      "frames_skipped_total",
			Help:      "Malformed stream frames discarded",
		},
	)

	PersistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condo",
			Subsystem: "assistant",
			Name:      "persist_failures_total",
			Help:      "Store writes that failed after all retries",
		},
		[]string{"op"},
	)

	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condo",
			Subsystem: "assistant",
			Name:      "reloads_total",
			Help:      "History reloads by result: applied, discarded_streaming, discarded_stale, discarded_outdated, failed",
		},
		[]string{"result"},
	)

	ActiveWorkspaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "condo",
			Subsystem: "assistant",
			Name:      "active_workspaces",
			Help:      "Workspaces currently held in memory",
		},
	)
)

func RecordStream(outcome string, durationSec float64, skipped int) {
	StreamsTotal.WithLabelValues(outcome).Inc()
	StreamDuration.Observe(durationSec)
	if skipped > 0 {
		FramesSkippedTotal.Add(float64(skipped))
	}
}

func RecordPersistFailure(op string) {
	PersistFailuresTotal.WithLabelValues(op).Inc()
}

func RecordReload(result string) {
	ReloadsTotal.WithLabelValues(result).Inc()
}
