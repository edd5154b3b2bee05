// Package metrics holds the Prometheus collectors shared by the engine
// supervisor, the session registry and the buffer synchronizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EngineRequests counts engine round trips by command label and outcome
	// (return, failure, error, exception, transport, codec, timeout).
	EngineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merlind_engine_requests_total",
		Help: "Engine requests by command and outcome",
	}, []string{"command", "outcome"})

	EngineRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merlind_engine_request_duration_seconds",
		Help:    "Engine round-trip latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"command"})

	EngineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merlind_engine_restarts_total",
		Help: "Engine process launches, including the first one per session",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "merlind_sessions",
		Help: "Live project sessions",
	})

	// SyncFeeds counts source feeds issued by the buffer synchronizer, split
	// into the initial prefix feed and follow-up chunks.
	SyncFeeds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merlind_sync_feeds_total",
		Help: "Source feeds sent while synchronizing buffers",
	}, []string{"kind"})
)
