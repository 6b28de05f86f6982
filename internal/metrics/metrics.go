// Package metrics exposes Prometheus collectors for the round orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	roundsTotal                *prometheus.CounterVec
	roundDurationSeconds       prometheus.Histogram
	crawlerRunsTotal           *prometheus.CounterVec
	compensationMarksTotal     *prometheus.CounterVec
	proxyRefreshTotal          *prometheus.CounterVec
	proxyBreakerOpen           prometheus.Gauge
	storeRetriesTotal          *prometheus.CounterVec
	accountsByStatus           *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		roundsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundcrawler_rounds_total",
				Help: "Total number of rounds, labeled by ledger outcome.",
			},
			[]string{"outcome"},
		)

		roundDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roundcrawler_round_duration_seconds",
				Help:    "Histogram of round wall-clock durations.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
			},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundcrawler_crawler_runs_total",
				Help: "External crawler invocations, labeled by pass and result.",
			},
			[]string{"pass", "result"},
		)

		compensationMarksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundcrawler_compensation_marks_total",
				Help: "Compensation accounts marked, labeled by result.",
			},
			[]string{"result"},
		)

		proxyRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundcrawler_proxy_refresh_total",
				Help: "Proxy lease refresh calls, labeled by result.",
			},
			[]string{"result"},
		)

		proxyBreakerOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "roundcrawler_proxy_breaker_open",
				Help: "1 once the proxy lease manager has disabled itself.",
			},
		)

		storeRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundcrawler_store_retries_total",
				Help: "Store calls retried after a connection error, labeled by operation.",
			},
			[]string{"op"},
		)

		accountsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "roundcrawler_accounts",
				Help: "Accounts per status as of the last round.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRound records one finished round.
func ObserveRound(outcome string, duration time.Duration) {
	Init()
	roundsTotal.WithLabelValues(outcome).Inc()
	roundDurationSeconds.Observe(duration.Seconds())
}

// ObserveCrawlerRun records one external crawler invocation.
func ObserveCrawlerRun(pass, result string) {
	Init()
	crawlerRunsTotal.WithLabelValues(pass, result).Inc()
}

// ObserveCompensationMark records an account marked completed or failed.
func ObserveCompensationMark(result string) {
	Init()
	compensationMarksTotal.WithLabelValues(result).Inc()
}

// ObserveProxyRefresh records a lease refresh call.
func ObserveProxyRefresh(result string) {
	Init()
	proxyRefreshTotal.WithLabelValues(result).Inc()
}

// SetProxyBreakerOpen flags the proxy circuit breaker as tripped.
func SetProxyBreakerOpen(open bool) {
	Init()
	if open {
		proxyBreakerOpen.Set(1)
		return
	}
	proxyBreakerOpen.Set(0)
}

// ObserveStoreRetry records a store call retried after reconnecting.
func ObserveStoreRetry(op string) {
	Init()
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// SetAccountSummary publishes the status histogram as gauges.
func SetAccountSummary(summary map[string]int64) {
	Init()
	for status, count := range summary {
		accountsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
