// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Name:      "ws_connections",
		Help:      "Open WebSocket connections on this instance.",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "messages_sent_total",
		Help:      "Persisted messages by kind (room, direct).",
	}, []string{"kind"})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "fanout_deliveries_total",
		Help:      "Events queued to local sockets.",
	})

	SlowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "ws_slow_clients_dropped_total",
		Help:      "Sockets closed because their send buffer was full.",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomchat",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
