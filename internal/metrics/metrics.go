package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retouch_frames_processed_total",
		Help: "Total number of frames run through a processor, by outcome",
	}, []string{"processor", "outcome"})

	ChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retouch_chunk_duration_seconds",
		Help:    "Time taken by one worker to finish its chunk",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode"})

	ChunkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retouch_chunk_failures_total",
		Help: "Chunks that did not run to completion (panic or crashed worker)",
	}, []string{"mode"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retouch_active_workers",
		Help: "Number of goroutines or worker processes currently running a chunk",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retouch_jobs_total",
		Help: "Total number of jobs, by status",
	}, []string{"status"})

	JobStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retouch_job_stage_duration_seconds",
		Help:    "Duration of each job stage",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})
)
