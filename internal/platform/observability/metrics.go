package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "heirloom"

var (
	registerOnce sync.Once

	estateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "estate",
			Name:      "transitions_total",
			Help:      "Committed estate lifecycle transitions.",
		},
		[]string{"transition"},
	)
	estateTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "estate",
			Name:      "transfers_total",
			Help:      "Distribution transfers by asset class and outcome.",
		},
		[]string{"class", "outcome"},
	)
	estateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "estate",
			Name:      "rejections_total",
			Help:      "Rejected estate operations by error kind.",
		},
		[]string{"operation", "kind"},
	)
	verifierTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "transitions_total",
			Help:      "Verifier registrations, top-ups, reactivations and unstakes.",
		},
		[]string{"transition"},
	)
	claimVotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "votes_total",
			Help:      "Recorded claim votes by side.",
		},
		[]string{"side"},
	)
	claimVoteWeight = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "vote_weight_total",
			Help:      "Accumulated vote weight by side.",
		},
		[]string{"side"},
	)
	claimResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "resolutions_total",
			Help:      "Resolved claims by path and outcome.",
		},
		[]string{"path", "outcome"},
	)
	claimRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "rejections_total",
			Help:      "Rejected arbitration operations by error kind.",
		},
		[]string{"operation", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			estateTransitions,
			estateTransfers,
			estateRejections,
			verifierTransitions,
			claimVotes,
			claimVoteWeight,
			claimResolutions,
			claimRejections,
		)
	})
}

// EstateMetrics records estate registry counters.
type EstateMetrics struct{}

func NewEstateMetrics() EstateMetrics {
	RegisterMetrics()
	return EstateMetrics{}
}

func (EstateMetrics) EstateTransition(transition string) {
	estateTransitions.WithLabelValues(transition).Inc()
}

func (EstateMetrics) TransfersRecorded(class string, outcome string, count int) {
	if count <= 0 {
		return
	}
	estateTransfers.WithLabelValues(class, outcome).Add(float64(count))
}

func (EstateMetrics) EstateRejected(operation string, kind string) {
	estateRejections.WithLabelValues(operation, kind).Inc()
}

// ClaimMetrics records verifier and claim counters.
type ClaimMetrics struct{}

func NewClaimMetrics() ClaimMetrics {
	RegisterMetrics()
	return ClaimMetrics{}
}

func (ClaimMetrics) VerifierTransition(transition string) {
	verifierTransitions.WithLabelValues(transition).Inc()
}

func (ClaimMetrics) VoteRecorded(side string, weight uint32) {
	claimVotes.WithLabelValues(side).Inc()
	claimVoteWeight.WithLabelValues(side).Add(float64(weight))
}

func (ClaimMetrics) ClaimResolved(path string, outcome string) {
	claimResolutions.WithLabelValues(path, outcome).Inc()
}

func (ClaimMetrics) ClaimRejected(operation string, kind string) {
	claimRejections.WithLabelValues(operation, kind).Inc()
}
