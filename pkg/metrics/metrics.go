package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for seednode.
// Using promauto for automatic registration with default registry.
var (
	// --- Join Protocol Metrics ---

	// JoinAttempts counts single join decisions by outcome.
	JoinAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seednode",
			Subsystem: "join",
			Name:      "attempts_total",
			Help:      "Join attempts by outcome (joined, no_leader, error)",
		},
		[]string{"outcome"},
	)

	// Joins counts completed joins by the role this process took.
	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seednode",
			Subsystem: "join",
			Name:      "completed_total",
			Help:      "Completed joins by role (founding, follower)",
		},
		[]string{"role"},
	)

	// CoordinatorState exposes the current state machine position.
	CoordinatorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seednode",
			Subsystem: "coordinator",
			Name:      "state",
			Help:      "Current seed coordinator state (see seed.State)",
		},
		[]string{"path"},
	)

	// SeedListSize tracks how many seeds a follower was handed.
	SeedListSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "seednode",
			Subsystem: "join",
			Name:      "seed_list_size",
			Help:      "Number of seed addresses passed to the membership layer",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// PathCreateRaces counts EnsurePath calls that found the path already created.
	PathCreateRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seednode",
			Subsystem: "coordinator",
			Name:      "path_create_races_total",
			Help:      "Election path creations that lost to another process",
		},
	)

	// TeardownErrors counts suppressed errors during shutdown.
	TeardownErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seednode",
			Subsystem: "coordinator",
			Name:      "teardown_errors_total",
			Help:      "Suppressed errors while releasing the candidate or closing the client",
		},
		[]string{"step"},
	)

	// --- Startup Metrics ---

	// EnsembleResolveDuration tracks discovery endpoint lookups.
	EnsembleResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seednode",
			Subsystem: "ensemble",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of ensemble resolution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"outcome"},
	)

	// --- Resilience Metrics ---

	// CircuitBreakerState exposes breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seednode",
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state by name",
		},
		[]string{"name"},
	)
)

// RecordAttempt records the outcome of a single join decision.
func RecordAttempt(outcome string) {
	JoinAttempts.WithLabelValues(outcome).Inc()
}

// RecordJoin records a completed join and, for followers, the seed list size.
func RecordJoin(role string, seeds int) {
	Joins.WithLabelValues(role).Inc()
	if seeds > 0 {
		SeedListSize.Observe(float64(seeds))
	}
}
