// Package metrics holds the Prometheus collectors of the indexer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesIndexed counts upserts by outcome: created, reused, promoted.
	MessagesIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailindex_messages_indexed_total",
			Help: "Total number of messages indexed",
		},
		[]string{"outcome"},
	)

	// MessagesDeleted counts deletes by outcome: ghosted, twin, collapsed.
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailindex_messages_deleted_total",
			Help: "Total number of message deletions processed",
		},
		[]string{"outcome"},
	)

	GhostsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailindex_ghosts_created_total",
			Help: "Total number of ghost messages created for unseen ancestors",
		},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailindex_conversations_created_total",
			Help: "Total number of conversations created",
		},
	)

	ConversationsCollapsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailindex_conversations_collapsed_total",
			Help: "Total number of conversations removed after their last real message",
		},
	)

	ConversationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailindex_conversation_conflicts_total",
			Help: "Total number of reference chains whose ancestors disagree on their conversation",
		},
	)

	// ItemsFailed counts queue items abandoned after an error, by kind.
	ItemsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailindex_items_failed_total",
			Help: "Total number of queue items abandoned after an error",
		},
		[]string{"kind"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailindex_tick_duration_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailindex_queue_depth",
			Help: "Number of queue items waiting to be processed",
		},
	)

	// EventsConsumed counts mutation events received by source and type.
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailindex_events_consumed_total",
			Help: "Total number of mail store events consumed",
		},
		[]string{"source", "type"},
	)
)

// RecordTick records the duration of one scheduler tick.
func RecordTick(duration time.Duration) {
	TickDuration.Observe(duration.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
