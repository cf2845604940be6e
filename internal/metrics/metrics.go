// Package metrics exposes the service's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesAppended counts ledger writes by action and source.
	EntriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "ledger_entries_appended_total",
		Help:      "Ledger entries appended, by action and source.",
	}, []string{"action", "source"})

	// RequestsRejected counts requests stopped before reaching the
	// ledger, by error code.
	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "requests_rejected_total",
		Help:      "Requests rejected before a ledger write, by error code.",
	}, []string{"code"})

	// GuardFailOpen counts guard checks that were allowed through
	// because their backing read failed.
	GuardFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "guard_fail_open_total",
		Help:      "Guard checks allowed because the check itself failed.",
	})

	// PurchasesCredited counts successful purchase credits; replays are
	// tracked separately.
	PurchasesCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "purchases_credited_total",
		Help:      "Purchase verifications, by outcome (credited, replay, rejected).",
	}, []string{"outcome"})

	// ReconciliationChecks counts reconciliation outcomes.
	ReconciliationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "reconciliation_checks_total",
		Help:      "Reconciliation runs, by outcome (balanced, mismatched, failed).",
	}, []string{"outcome"})
)
