// Package metrics registers the service's Prometheus collectors.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgflow_runs_total",
			Help: "Finished flow runs by mode and status",
		},
		[]string{"mode", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgflow_run_duration_seconds",
			Help:    "Flow run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"mode"},
	)

	nodeDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgflow_node_dispatch_total",
			Help: "Node dispatches by node type and outcome",
		},
		[]string{"node_type", "status"},
	)

	quotaRefusalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgflow_quota_refusals_total",
			Help: "Requests refused because a plan limit was reached",
		},
		[]string{"limit"},
	)

	gatewaySendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgflow_gateway_sends_total",
			Help: "Outbound messages handed to the messaging gateway",
		},
		[]string{"driver", "kind", "status"},
	)
)

// RecordHTTPRequest records a served HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRun records a finished run.
func RecordRun(mode, status string, duration time.Duration) {
	runsTotal.WithLabelValues(mode, status).Inc()
	runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordNodeDispatch records one node visit.
func RecordNodeDispatch(nodeType, status string) {
	nodeDispatchTotal.WithLabelValues(nodeType, status).Inc()
}

// RecordQuotaRefusal records a refused request.
func RecordQuotaRefusal(limit string) {
	quotaRefusalsTotal.WithLabelValues(limit).Inc()
}

// RecordGatewaySend records an outbound message attempt.
func RecordGatewaySend(driver, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	gatewaySendsTotal.WithLabelValues(driver, kind, status).Inc()
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
