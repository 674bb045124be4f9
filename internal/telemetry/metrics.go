package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// RUNTIME METRICS
// =============================================================================

var (
	runtimeTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_runtime_ticks_total",
			Help: "Total number of agent runtime ticks",
		},
		[]string{"agent", "status"}, // status: success, error
	)

	runtimeTickDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "converge_runtime_tick_duration_seconds",
			Help:    "Duration of a single runtime tick/decide/execute cycle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"agent"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_messages_sent_total",
			Help: "Total messages sent by transport kind",
		},
		[]string{"transport", "status"},
	)

	messagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_messages_received_total",
			Help: "Total messages received by transport kind",
		},
		[]string{"transport", "status"}, // status: accepted, verify_failed, error
	)
)

// =============================================================================
// TASK METRICS
// =============================================================================

var (
	tasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_tasks_submitted_total",
			Help: "Total tasks submitted to the task manager",
		},
		[]string{"pool"},
	)

	taskClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_task_claims_total",
			Help: "Total task claim attempts",
		},
		[]string{"status"}, // status: claimed, rejected
	)

	taskClaimsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_task_claims_expired_total",
			Help: "Total task claims released back to pending after TTL expiry",
		},
		[]string{},
	)
)

// =============================================================================
// POOL METRICS
// =============================================================================

var (
	poolMembershipTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_pool_membership_changes_total",
			Help: "Total pool join/leave operations",
		},
		[]string{"pool", "action", "status"}, // action: join, leave; status: ok, denied
	)
)

// =============================================================================
// EXECUTOR METRICS
// =============================================================================

var (
	decisionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_decisions_executed_total",
			Help: "Total decisions executed, by decision kind and outcome",
		},
		[]string{"decision", "status"}, // status: ok, error (a recovered panic counts as error), denied
	)
)

// RecordRuntimeTick records one agent runtime tick cycle.
func RecordRuntimeTick(agent, status string, durationSeconds float64) {
	runtimeTicksTotal.WithLabelValues(agent, status).Inc()
	runtimeTickDurationSeconds.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordMessageSent records an outbound message attempt.
func RecordMessageSent(transport, status string) {
	messagesSentTotal.WithLabelValues(transport, status).Inc()
}

// RecordMessageReceived records an inbound message outcome.
func RecordMessageReceived(transport, status string) {
	messagesReceivedTotal.WithLabelValues(transport, status).Inc()
}

// RecordTaskSubmitted records a task submission, optionally pool-scoped.
func RecordTaskSubmitted(pool string) {
	tasksSubmittedTotal.WithLabelValues(pool).Inc()
}

// RecordTaskClaim records the outcome of a claim attempt.
func RecordTaskClaim(status string) {
	taskClaimsTotal.WithLabelValues(status).Inc()
}

// RecordTaskClaimExpired records a claim released back to pending by TTL.
func RecordTaskClaimExpired() {
	taskClaimsExpiredTotal.WithLabelValues().Inc()
}

// RecordPoolMembershipChange records a join/leave outcome for a pool.
func RecordPoolMembershipChange(pool, action, status string) {
	poolMembershipTotal.WithLabelValues(pool, action, status).Inc()
}

// RecordDecisionExecuted records the outcome of executing a single decision.
func RecordDecisionExecuted(decision, status string) {
	decisionsExecutedTotal.WithLabelValues(decision, status).Inc()
}
