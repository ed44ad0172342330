// Package observe holds the Prometheus metric vectors for the token bank.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// TxApplied counts committed ledger transactions by kind.
var TxApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fodibank",
	Subsystem: "ledger",
	Name:      "tx_applied_total",
	Help:      "Total ledger transactions committed, by kind.",
}, []string{"kind"})

// TxRejected counts rejected mutations by error category.
var TxRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fodibank",
	Subsystem: "ledger",
	Name:      "tx_rejected_total",
	Help:      "Total ledger mutations rejected, by error category.",
}, []string{"category"})

// IdempotentReplays counts mutations short-circuited by an idempotency key.
var IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fodibank",
	Subsystem: "ledger",
	Name:      "idempotent_replays_total",
	Help:      "Total mutations answered from an existing idempotency record.",
})

// ─── Reflector Metrics ──────────────────────────────────────────────────────

// ReflectAttempts counts chain submission attempts by outcome.
var ReflectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fodibank",
	Subsystem: "reflector",
	Name:      "attempts_total",
	Help:      "Total on-chain reflect attempts by outcome (confirmed, retried, failed).",
}, []string{"outcome"})

// ReflectQueueDepth tracks the number of queued reflect jobs.
var ReflectQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fodibank",
	Subsystem: "reflector",
	Name:      "queue_depth",
	Help:      "Current number of queued reflect jobs.",
})

// ─── Reconciler Metrics ─────────────────────────────────────────────────────

// AuditChecks counts reconciler comparisons by result.
var AuditChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fodibank",
	Subsystem: "reconciler",
	Name:      "checks_total",
	Help:      "Total reconciler checks by result (ok, mismatch).",
}, []string{"result"})
