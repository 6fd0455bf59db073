// Package metrics exposes Prometheus collectors for the fetch layer.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchRedirectsTotal        *prometheus.CounterVec
	fetchSizeRejectionsTotal   *prometheus.CounterVec
	fetchTruncationsTotal      *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citefetch_fetch_total",
				Help: "Total number of fetch calls, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citefetch_fetch_duration_seconds",
				Help:    "Histogram of fetch call latencies including retries and redirects.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citefetch_attempts_total",
				Help: "Total number of application-level fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fetchRedirectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citefetch_redirects_total",
				Help: "Total number of business-logic redirects followed, labeled by rule.",
			},
			[]string{"rule"},
		)

		fetchSizeRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citefetch_size_rejections_total",
				Help: "Responses rejected by the declared Content-Length guard, labeled by site.",
			},
			[]string{"site"},
		)

		fetchTruncationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citefetch_truncations_total",
				Help: "Streamed bodies cut at the size ceiling, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citefetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"site"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch call.
func ObserveFetch(rawURL, outcome string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveAttempt counts one application-level attempt.
func ObserveAttempt(result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRedirect counts a business-logic redirect chosen by rule.
func ObserveRedirect(rule string) {
	Init()
	fetchRedirectsTotal.WithLabelValues(rule).Inc()
}

// ObserveSizeRejection counts a response refused by the size guard.
func ObserveSizeRejection(rawURL string) {
	Init()
	fetchSizeRejectionsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveTruncation counts a streamed body cut at the ceiling.
func ObserveTruncation(rawURL string) {
	Init()
	fetchTruncationsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for a host token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
