package datafetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollaboratorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_datafetcher_collaborator_calls_total",
			Help: "Total number of collaborator calls by outcome",
		},
		[]string{"collaborator", "outcome"},
	)

	CollaboratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loanmesh_datafetcher_collaborator_duration_seconds",
			Help:    "Duration of collaborator calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collaborator"},
	)
)
