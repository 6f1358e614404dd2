package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verification outcomes by source (snapshot, update, purchase)
	RecordsVerifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlekit_records_verified_total",
			Help: "Purchase records that passed verification",
		},
		[]string{"source"},
	)

	RecordsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlekit_records_rejected_total",
			Help: "Purchase records dropped because they could not be verified",
		},
		[]string{"source"},
	)

	ReconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlekit_reconciles_total",
			Help: "Reconciliation passes by resulting tier and status",
		},
		[]string{"tier", "status"},
	)

	DowngradesHeldTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlekit_downgrades_held_total",
			Help: "Premium to free transitions kept in memory and not pushed to the remote store",
		},
	)

	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlekit_remote_syncs_total",
			Help: "Remote store writes by result",
		},
		[]string{"result"}, // ok, error, timeout
	)

	SyncDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entitlekit_remote_sync_duration_seconds",
			Help:    "Latency of remote store writes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	UpdatesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlekit_updates_received_total",
			Help: "Entitlement update events read from the provider stream",
		},
	)
)
