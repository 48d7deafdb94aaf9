// Package metrics holds the Prometheus instrumentation for the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the event bus dispatcher.
type Metrics struct {
	EventsRouted       *prometheus.CounterVec // labels: event
	FanoutTargets      prometheus.Counter
	ValidationFailures prometheus.Counter
	Registrations      prometheus.Counter
	RegistrationErrors prometheus.Counter
	Evictions          prometheus.Counter
	RelayTakeovers     prometheus.Counter
	ReconcilerSweeps   prometheus.Counter
	TransactionsClosed prometheus.Counter
	BackupTransactions prometheus.Gauge
}

// New registers and returns the dispatcher metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evbus_events_routed_total",
			Help: "Events accepted by the router, by event name.",
		}, []string{"event"}),
		FanoutTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_fanout_targets_total",
			Help: "Per-target deliveries issued by fan-out.",
		}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_validation_failures_total",
			Help: "Inbound messages dropped by the validation gate.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_registrations_total",
			Help: "Approved incomer registrations.",
		}),
		RegistrationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_registration_errors_total",
			Help: "Rejected registrations (duplicates, missing transactions).",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_evictions_total",
			Help: "Incomers evicted for inactivity.",
		}),
		RelayTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_relay_takeovers_total",
			Help: "Times this process took relay of the active dispatcher role.",
		}),
		ReconcilerSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_reconciler_sweeps_total",
			Help: "Completed reconciliation passes.",
		}),
		TransactionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evbus_transactions_closed_total",
			Help: "Resolved transaction pairs swept away.",
		}),
		BackupTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evbus_backup_transactions",
			Help: "Transactions currently parked in the backup stores.",
		}),
	}

	reg.MustRegister(
		m.EventsRouted,
		m.FanoutTargets,
		m.ValidationFailures,
		m.Registrations,
		m.RegistrationErrors,
		m.Evictions,
		m.RelayTakeovers,
		m.ReconcilerSweeps,
		m.TransactionsClosed,
		m.BackupTransactions,
	)
	return m
}

// NewNop returns metrics registered nowhere, for tests and embedding.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
