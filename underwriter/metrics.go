package underwriter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loanmesh_underwriter_sessions_started_total",
			Help: "Total number of underwriting sessions started",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_underwriter_sessions_finished_total",
			Help: "Total number of sessions that reached a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loanmesh_underwriter_active_sessions",
			Help: "Current number of non-terminal sessions",
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_underwriter_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	ScoringFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loanmesh_underwriter_scoring_failures_total",
			Help: "Total number of scoring attempts that fell back to referral",
		},
	)

	GatherDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loanmesh_underwriter_gather_duration_seconds",
			Help:    "Duration of gathering rounds in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)
