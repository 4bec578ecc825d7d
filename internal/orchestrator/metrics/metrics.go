// Package metrics exposes orchestrator control-plane metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "emberfall"

var (
	// TicketsIssued counts issued tickets by kind.
	TicketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_issued_total",
			Help:      "Total number of tickets issued",
		},
		[]string{"kind"},
	)

	// TicketsValidated counts validation attempts by result.
	TicketsValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_validated_total",
			Help:      "Total number of ticket validation attempts",
		},
		[]string{"result"},
	)

	// TransfersTerminal counts transfers reaching a terminal state.
	TransfersTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_terminal_total",
			Help:      "Total number of transfers reaching a terminal state",
		},
		[]string{"state"},
	)

	// PersistFlushes counts persistence flushes by outcome.
	PersistFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_flushes_total",
			Help:      "Total number of persistence flushes",
		},
		[]string{"outcome"},
	)

	// PersistQueueDepth tracks the pending persistence queue size.
	PersistQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Entries pending in the persistence queue",
		},
	)

	// CriticalEvents counts synchronously written critical events.
	CriticalEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_events_total",
			Help:      "Total number of critical events written",
		},
	)

	// ShardRestarts counts shard process restarts scheduled by the supervisor.
	ShardRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_restarts_total",
			Help:      "Total number of shard restarts scheduled",
		},
	)

	// ShardQuarantines counts instances placed in quarantine.
	ShardQuarantines = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_quarantines_total",
			Help:      "Total number of shard quarantines",
		},
	)

	// ShardsRunning tracks live managed shard processes.
	ShardsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shards_running",
			Help:      "Number of live managed shard processes",
		},
	)
)
