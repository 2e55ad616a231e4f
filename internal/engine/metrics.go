package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics counts traffic through the engine. With a nil registerer the
// collectors still work but are not exported anywhere.
type engineMetrics struct {
	sent             *prometheus.CounterVec
	received         *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestTimeouts  *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	labels := []string{"transport_id", "destination"}

	return &engineMetrics{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "messages_sent_total",
			Help:      "Messages handed to a transport processing group.",
		}, labels),
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "messages_received_total",
			Help:      "Inbound messages dispatched to a subscriber callback.",
		}, labels),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "requests_total",
			Help:      "Requests sent through the request/reply coordinator.",
		}, labels),
		requestTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "request_timeouts_total",
			Help:      "Requests failed by the timeout tracker.",
		}, labels),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "delivery_failures_total",
			Help:      "Inbound deliveries rejected after deserialization or callback failure.",
		}, labels),
	}
}
