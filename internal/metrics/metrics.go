// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bresser_bridge"

var (
	// RequestsTotal counts station requests by HTTP method.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Station requests received, by method.",
	}, []string{"method"})

	ReadingsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_published_total",
		Help:      "Readings handed to the MQTT client.",
	})

	// PublishesDropped counts telemetry dropped by kind: "reading" or
	// "alert" while the broker session was not connected, "queue" when the
	// telemetry queue was full.
	PublishesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publishes_dropped_total",
		Help:      "Telemetry dropped before reaching the broker.",
	}, []string{"kind"})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Cloud polling alerts evaluated, by status.",
	}, []string{"status"})

	RelayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_total",
		Help:      "Relayed requests, by outcome.",
	}, []string{"outcome"})

	RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "relay_duration_seconds",
		Help:      "Time spent relaying a request upstream, including fallbacks.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	})

	// BrokerState is 0 disconnected, 1 connecting, 2 connected.
	BrokerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_state",
		Help:      "MQTT session state (0 disconnected, 1 connecting, 2 connected).",
	})

	DiscoveryAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_announcements_total",
		Help:      "Discovery catalog announcements sent after a broker connect.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
