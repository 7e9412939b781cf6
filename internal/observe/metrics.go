package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opend_requests_total",
			Help: "Total requests by proto and result",
		},
		[]string{"proto", "result"}, // ok|timeout|not_ready|connection_lost|error
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opend_request_duration_seconds",
			Help:    "Request round trip time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"proto"},
	)

	pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opend_pending_requests",
		Help: "Requests awaiting a response",
	})

	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opend_pushes_total",
			Help: "Total push frames routed to subscribers",
		},
		[]string{"proto"},
	)

	unmatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opend_unmatched_frames_total",
			Help: "Total inbound frames with no pending request and no subscriber",
		},
		[]string{"proto"},
	)

	framingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opend_framing_errors_total",
			Help: "Total malformed inbound frames by kind",
		},
		[]string{"kind"}, // framing|integrity
	)

	cipherDowngradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opend_cipher_downgrades_total",
		Help: "Total sessions that fell back to plaintext",
	})

	keepaliveMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opend_keepalive_misses_total",
		Help: "Total unanswered keepalive probes",
	})

	connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opend_connections",
		Help: "Open gateway connections",
	})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opend_reconnects_total",
		Help: "Total reconnect attempts",
	})

	relayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opend_relay_clients",
		Help: "Connected websocket relay clients",
	})

	relayDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opend_relay_dropped_total",
		Help: "Total relay events dropped due to client backpressure",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		pendingRequests,
		pushesTotal,
		unmatchedTotal,
		framingErrorsTotal,
		cipherDowngradesTotal,
		keepaliveMissesTotal,
		connections,
		reconnectsTotal,
		relayClients,
		relayDroppedTotal,
	)
}

func IncRequest(proto, result string) { requestsTotal.WithLabelValues(proto, result).Inc() }
func ObserveRequestDuration(proto string, d time.Duration) {
	requestDuration.WithLabelValues(proto).Observe(d.Seconds())
}
func AddPending(delta float64)      { pendingRequests.Add(delta) }
func IncPush(proto string)          { pushesTotal.WithLabelValues(proto).Inc() }
func IncUnmatched(proto string)     { unmatchedTotal.WithLabelValues(proto).Inc() }
func IncFramingError(kind string)   { framingErrorsTotal.WithLabelValues(kind).Inc() }
func IncCipherDowngrade()           { cipherDowngradesTotal.Inc() }
func IncKeepaliveMiss()             { keepaliveMissesTotal.Inc() }
func AddConnections(delta float64)  { connections.Add(delta) }
func IncReconnect()                 { reconnectsTotal.Inc() }
func AddRelayClients(delta float64) { relayClients.Add(delta) }
func IncRelayDropped()              { relayDroppedTotal.Inc() }
