package a2a

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Envelope traffic
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_a2a_envelopes_sent_total",
			Help: "Total number of envelopes sent by an agent",
		},
		[]string{"agent", "kind"},
	)

	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_a2a_envelopes_received_total",
			Help: "Total number of envelopes received by an agent",
		},
		[]string{"agent", "kind"},
	)

	// Outbound calls
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loanmesh_a2a_call_duration_seconds",
			Help:    "Duration of outbound capability calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent", "capability", "resolution"},
	)

	PendingCalls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loanmesh_a2a_pending_calls",
			Help: "Current number of outstanding calls",
		},
		[]string{"agent"},
	)

	// Faults
	ProtocolFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_a2a_protocol_faults_total",
			Help: "Total number of protocol faults detected",
		},
		[]string{"agent", "kind"},
	)

	LateReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_a2a_late_replies_total",
			Help: "Total number of replies discarded because their call was already resolved",
		},
		[]string{"agent"},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanmesh_a2a_handler_errors_total",
			Help: "Total number of inbound requests answered with an ERROR envelope",
		},
		[]string{"agent", "capability", "code"},
	)
)
