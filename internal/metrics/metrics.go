package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Storage metrics
	PresenceUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_presence_updates_total",
			Help: "Total number of presence update scripts executed",
		},
	)

	PresenceDeletes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_presence_deletes_total",
			Help: "Total number of presence delete scripts executed",
		},
	)

	// Facade metrics
	PresenceSubmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_presence_submits_total",
			Help: "Total number of submitPresence requests accepted",
		},
	)

	PresenceRemoves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_presence_removes_total",
			Help: "Total number of removePresence requests accepted",
		},
	)

	PresenceQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_presence_queries_total",
			Help: "Total number of presence point lookups",
		},
		[]string{"index"},
	)

	// Sync engine metrics
	SyncTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_sync_transitions_total",
			Help: "Total number of in-sync/out-of-sync transitions",
		},
		[]string{"state"},
	)

	SyncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_sync_errors_total",
			Help: "Total number of failed reconciliation attempts",
		},
	)

	// Janitor metrics
	PrunedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_pruned_connections_total",
			Help: "Total number of dead connections pruned by the janitor",
		},
	)

	// Stream metrics
	StreamsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presenced_streams_open",
			Help: "Number of currently open presence streams",
		},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_stream_messages_total",
			Help: "Total number of messages emitted on presence streams",
		},
		[]string{"kind"},
	)

	// Subscriber metrics
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presenced_subscriptions_active",
			Help: "Number of Redis channels and patterns currently subscribed",
		},
	)
)
