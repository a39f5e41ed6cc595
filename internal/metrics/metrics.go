// Package metrics exposes Prometheus instrumentation for the engine.
//
// Collectors are registered once with promauto on the default registry;
// packages record through the helper functions so call sites stay one line.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xc_rest_calls_total",
			Help: "REST calls issued per venue, method, and outcome",
		},
		[]string{"venue", "method", "outcome"},
	)

	restLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xc_rest_latency_seconds",
			Help:    "REST call latency per venue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"venue", "method"},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xc_retries_total",
			Help: "Retry attempts per operation",
		},
		[]string{"op"},
	)

	candleRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xc_candle_refreshes_total",
			Help: "Candle refresh decisions per source",
		},
		[]string{"source"}, // cached, websocket, rest, backfill
	)

	wsPushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xc_ws_candles_total",
			Help: "Candles accepted from the WebSocket push feed",
		},
	)

	rateCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xc_rate_cache_total",
			Help: "Rate cache hits and misses",
		},
		[]string{"outcome"},
	)
)

// ObserveRESTCall records one REST round trip.
func ObserveRESTCall(venue, method string, elapsed time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	restCalls.WithLabelValues(venue, method, outcome).Inc()
	restLatency.WithLabelValues(venue, method).Observe(elapsed.Seconds())
}

// CountRetry records one retry attempt of op.
func CountRetry(op string) { retries.WithLabelValues(op).Inc() }

// CountRefresh records one refresh decision: cached, websocket, rest, backfill.
func CountRefresh(source string) { candleRefreshes.WithLabelValues(source).Inc() }

// CountWSCandle records one candle accepted from the push feed.
func CountWSCandle() { wsPushes.Inc() }

// CountRateCache records a rate-cache lookup outcome: hit or miss.
func CountRateCache(outcome string) { rateCache.WithLabelValues(outcome).Inc() }
