// Package metrics holds the Prometheus collectors shared by the brokerage
// client and the HTTP facade.
//
//   - etrader_api_requests_total{endpoint,status}   signed resource calls
//   - etrader_api_request_duration_seconds{endpoint} latency of those calls
//   - etrader_handshakes_total{step,result}           OAuth token exchanges
//   - etrader_orders_total{stage,result}             previews and commits
//
// Collectors register with the default registry in init() and are served at
// /metrics by the api package.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrader_api_requests_total",
			Help: "Signed brokerage API calls by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etrader_api_request_duration_seconds",
			Help:    "Latency of signed brokerage API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrader_handshakes_total",
			Help: "OAuth token exchanges by step and result",
		},
		[]string{"step", "result"},
	)

	// stage: preview|commit. result: ok|invalid|rejected|timeout|replayed
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrader_orders_total",
			Help: "Order previews and commits by outcome",
		},
		[]string{"stage", "result"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal, RequestDuration, HandshakesTotal, OrdersTotal)
}

// ObserveRequest records one finished call. status is "timeout" or "error"
// when no HTTP status was received.
func ObserveRequest(endpoint string, status int, failure string, elapsed time.Duration) {
	label := failure
	if label == "" {
		label = strconv.Itoa(status)
	}
	RequestsTotal.WithLabelValues(endpoint, label).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
