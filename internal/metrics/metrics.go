// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hexpulse_submissions_total",
		Help: "Signal submissions by outcome (accepted, cooldown, rate-limited, invalid, error)",
	}, []string{"outcome"})
	ZoneChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hexpulse_zone_changes_total",
		Help: "Declared zone change attempts by outcome",
	}, []string{"outcome"})
	VotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hexpulse_votes_total",
		Help: "Annotation votes by value",
	}, []string{"value"})
	AggregateCells = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hexpulse_aggregate_cells",
		Help:    "Cells per aggregate response before and after the privacy gate",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"view", "stage"})
	StoreBreakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hexpulse_store_breaker_open",
		Help: "1 while the store circuit breaker is open",
	})
	RequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hexpulse_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"route", "status"})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		SubmissionsTotal,
		ZoneChangesTotal,
		VotesTotal,
		AggregateCells,
		StoreBreakerOpen,
		RequestDurationMs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveRequest(route string, status int, ms float64) {
	RequestDurationMs.WithLabelValues(route, strconv.Itoa(status)).Observe(ms)
}
