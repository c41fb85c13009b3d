package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgen",
			Name:      "admissions_total",
			Help:      "Admission decisions by media kind",
		},
		[]string{"kind", "result"}, // "allowed", "cooldown", "too_many"
	)

	Debits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgen",
			Name:      "debits_total",
			Help:      "Credit debit attempts by result",
		},
		[]string{"result"}, // "ok", "insufficient", "contention", "error"
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgen",
			Name:      "submissions_total",
			Help:      "Provider submissions by media kind and outcome",
		},
		[]string{"kind", "outcome"}, // "queued", "completed", "provider_error"
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgen",
			Name:      "reconciliations_total",
			Help:      "Webhook reconciliations by result",
		},
		[]string{"result"}, // "completed", "failed", "superseded", "duplicate", "unknown", "contention", "timed_out"
	)

	Reorders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgen",
			Name:      "reorders_total",
			Help:      "Asset order writes by mode",
		},
		[]string{"mode"}, // "midpoint", "edge", "redistribute", "explicit"
	)
)
