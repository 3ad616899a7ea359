// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors of the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PromotionsTotal tracks reserve_and_promote outcomes per campaign.
	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_promotions_total",
		Help: "Total promotion batches by result",
	}, []string{"campaign", "result"})

	// PromotionBatchSize observes how many contacts each batch promoted.
	PromotionBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dialcore_promotion_batch_size",
		Help:    "Contacts promoted per reserve_and_promote batch",
		Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
	}, []string{"campaign"})

	// AttemptTransitions tracks dispatch attempt FSM transitions.
	AttemptTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_attempt_transitions_total",
		Help: "Dispatch attempt state transitions",
	}, []string{"state_from", "state_to"})

	// DialsTotal tracks carrier dial outcomes.
	DialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_dials_total",
		Help: "Total carrier dial attempts by result",
	}, []string{"campaign", "result"})

	// DedupHitsTotal counts dials suppressed by the idempotency window.
	DedupHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_dedup_hits_total",
		Help: "Dial attempts suppressed by the idempotency key",
	}, []string{"campaign"})

	// LeasesInflight is the current SCARD of the leases set per campaign.
	LeasesInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialcore_leases_inflight",
		Help: "Current in-flight lease count (pre-dial + active)",
	}, []string{"campaign"})

	// ReservedSlots is the current reserved counter per campaign.
	ReservedSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialcore_reserved_slots",
		Help: "Current reserved slot count",
	}, []string{"campaign"})

	// RetriesScheduledTotal tracks retry jobs by failure kind.
	RetriesScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_retries_scheduled_total",
		Help: "Retry jobs scheduled by failure kind",
	}, []string{"campaign", "kind"})

	// JanitorReapedTotal tracks janitor reclamations by kind.
	JanitorReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_janitor_reaped_total",
		Help: "Janitor reclamations by kind (reservation, lease, gate)",
	}, []string{"campaign", "kind"})

	// ReconcilerActionsTotal tracks reconciler repairs by action.
	ReconcilerActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_reconciler_actions_total",
		Help: "Reconciler repairs by action (requeue, release)",
	}, []string{"campaign", "action"})

	// InvariantViolationsTotal counts invariant monitor alerts by check.
	InvariantViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_invariant_violations_total",
		Help: "Invariant monitor violations by check",
	}, []string{"campaign", "check"})

	// CircuitBreakerState exposes the per-campaign carrier breaker state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialcore_circuit_breaker_state",
		Help: "Carrier circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"campaign"})

	// CampaignTransitions tracks lifecycle transitions.
	CampaignTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialcore_campaign_transitions_total",
		Help: "Campaign lifecycle transitions",
	}, []string{"state_from", "state_to"})

	// HTTPRequestDuration observes operator API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dialcore_http_request_duration_seconds",
		Help:    "Operator API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

// RecordAttemptTransition records one dispatch attempt FSM edge.
func RecordAttemptTransition(from, to string) {
	AttemptTransitions.WithLabelValues(from, to).Inc()
}

// SetBreakerState maps a breaker state name onto the numeric gauge.
func SetBreakerState(campaign, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(campaign).Set(v)
}
