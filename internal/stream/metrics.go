package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_active_connections",
		Help: "Number of active stream connections.",
	})
	metricEventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_events_sent_total",
		Help: "Events delivered to subscriber buffers, by event type.",
	}, []string{"type"})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})
	metricConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_connections_rejected_total",
		Help: "Connections rejected at the capacity ceiling.",
	})
)
