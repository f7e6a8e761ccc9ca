package roadspeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// directionsRequests counts AcquireDirections calls by outcome
	directionsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roadspeed_directions_requests_total",
		Help: "Total directions requests by outcome",
	}, []string{"outcome"}) // "success" or "no_data"

	// tierSuccesses counts which extraction tier produced result
	tierSuccesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roadspeed_extraction_tier_success_total",
		Help: "Total successful extractions by tier",
	}, []string{"method"})

	// detectionBlocks counts block signals
	detectionBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roadspeed_detection_blocks_total",
		Help: "Total block signals received from mapped service",
	})

	// rotations counts proxy and identity rotations
	rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roadspeed_rotations_total",
		Help: "Total session rotations by kind",
	}, []string{"kind"}) // "proxy", "identity", "forced"

	// browserCrashes counts crashed sessions
	browserCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roadspeed_browser_crashes_total",
		Help: "Total browser crashes",
	})

	// taskDuration tracks latency of single route task including retries
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roadspeed_task_duration_seconds",
		Help:    "Route task duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
	}, []string{"time_window"})

	// tasksProcessed counts tasks by window and result. Skipped are tasks completed before resume
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roadspeed_tasks_total",
		Help: "Total processed route tasks by window and result",
	}, []string{"time_window", "result"}) // "completed", "failed", "skipped"
)
