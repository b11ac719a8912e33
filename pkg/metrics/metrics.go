package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	IntentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_intents_created_total",
		Help: "The total number of intents accepted at intake",
	}, []string{"kind"})

	IntentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_intent_transitions_total",
		Help: "Applied intent status transitions",
	}, []string{"kind", "status"})

	RejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_rejected_transitions_total",
		Help: "Transitions refused by the state machine and recorded in notes",
	}, []string{"kind", "from", "to"})

	IntentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settler_intents",
		Help: "Current number of stored intents by status",
	}, []string{"status"})

	DepositsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_deposits_observed_total",
		Help: "Deposits matched to an intent leg",
	}, []string{"kind"})

	DepositsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_deposits_ignored_total",
		Help: "Ledger operations that matched no pending intent",
	}, []string{"reason"})

	ReconcilerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_reconciler_errors_total",
		Help: "Errors while consuming the deposit stream",
	}, []string{"mode"})

	ReconcilerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settler_reconciler_batch_size",
		Help:    "Number of ledger operations applied per poll batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settler_settlement_seconds",
		Help:    "Time taken to settle intents",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"kind"})

	SettlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_settlement_errors_total",
		Help: "Total number of settlement errors by type",
	}, []string{"kind", "error_type"})

	PayoutsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_payouts_sent_total",
		Help: "Payout transfers confirmed by the ledger",
	}, []string{"token"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_retry_count_total",
		Help: "The total number of scheduled payout retries by kind",
	}, []string{"kind"})

	MaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_max_retries_reached_total",
		Help: "Number of settlements that exhausted their retry budget",
	}, []string{"kind", "error_type"})

	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settler_retry_queue_size",
		Help: "Current size of the retry queue",
	})

	NextRetryIn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settler_next_retry_seconds",
		Help: "Seconds until the next scheduled retry",
	})

	RetriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_retries_executed_total",
		Help: "Payout retries handed back to the executor",
	}, []string{"kind", "error_type"})

	RetriesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_retries_skipped_total",
		Help: "Payout retries dropped because the intent left SETTLING",
	}, []string{"kind", "reason"})

	DroppedRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_retries_dropped_total",
		Help: "Number of retries that were dropped due to queue capacity",
	}, []string{"kind"})

	CircuitBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settler_circuit_breaker_open",
		Help: "1 while the named circuit breaker is tripped",
	}, []string{"name"})

	ReconciliationQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settler_reconciliation_queue_size",
		Help: "Intents waiting for manual reconciliation",
	})

	PoolReserve = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settler_pool_reserve",
		Help: "Pool reserves in display units",
	}, []string{"pool", "token"})

	LedgerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_ledger_errors_total",
		Help: "Failed ledger client calls by method",
	}, []string{"method"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_api_requests_total",
		Help: "HTTP API requests by route and status code",
	}, []string{"route", "code"})
)
