package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "s3chat_active_connections",
		Help: "Number of authenticated live connections.",
	})

	metricMessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3chat_messages_routed_total",
		Help: "Messages persisted and fanned out.",
	})

	metricMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3chat_messages_dropped_total",
		Help: "Inbound messages dropped for a missing room_id.",
	})

	metricDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3chat_deliveries_total",
		Help: "Per-recipient deliveries to live connections.",
	})

	metricPrunedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3chat_pruned_connections_total",
		Help: "Stale connections pruned on send failure.",
	})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3chat_evictions_total",
		Help: "Connections evicted by a newer login for the same user.",
	})
)
