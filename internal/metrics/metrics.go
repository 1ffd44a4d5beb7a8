// Package metrics exposes Prometheus collectors for the REST client and the
// websocket stream.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalshi_api_latency_ms",
			Help:    "The histogram of latency returned by the Kalshi REST API",
			Buckets: prometheus.ExponentialBuckets(20, 2, 9), // 20ms to 5120ms
		},
		[]string{"method", "path", "status_code"},
	)

	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshi_ws_frames_total",
			Help: "Websocket frames received by message type",
		},
		[]string{"type"},
	)

	decodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshi_ws_decode_errors_total",
			Help: "Websocket frames that failed to decode",
		},
		[]string{"kind"},
	)

	resyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshi_orderbook_resyncs_total",
			Help: "Order books invalidated and awaiting a fresh snapshot",
		},
		[]string{"reason"},
	)
)

// StatusTransport labels requests that never got an HTTP status.
const StatusTransport = 0

// ObserveRequest records one REST call. status is StatusTransport when the
// request failed before a response arrived.
func ObserveRequest(method, path string, status int, d time.Duration) {
	code := "transport"
	if status != StatusTransport {
		code = strconv.Itoa(status)
	}
	requestLatency.With(prometheus.Labels{
		"method":      method,
		"path":        path,
		"status_code": code,
	}).Observe(float64(d.Milliseconds()))
}

func FrameReceived(msgType string) {
	framesReceived.WithLabelValues(msgType).Inc()
}

func DecodeFailed(kind string) {
	decodeErrors.WithLabelValues(kind).Inc()
}

func Resync(reason string) {
	resyncs.WithLabelValues(reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
