package reports

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_ingest_submissions_total",
			Help: "Report submissions by outcome",
		},
		[]string{"outcome"},
	)

	ProcessingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_ingest_processing_total",
			Help: "Report processing attempts by result",
		},
		[]string{"result"},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "report_ingest_processing_duration_seconds",
			Help:    "Duration of report processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DimensionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_ingest_dimension_conflicts_total",
			Help: "Concurrent dimension creations that lost the uniqueness race",
		},
		[]string{"dimension"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "report_ingest_store_retries_total",
			Help: "Store writes retried after the database reported it was busy",
		},
	)
)
