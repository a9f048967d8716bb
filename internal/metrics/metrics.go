// Package metrics holds the prometheus collectors shared by the sync core,
// the relay pool and the person store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate metrics
var (
	KeysSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peoplesync_keys_selected_total",
		Help: "Pubkeys that passed the staleness gate and were scheduled for fetch.",
	}, []string{"kind"})

	KeysSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peoplesync_keys_skipped_total",
		Help: "Pubkeys rejected by the staleness gate because they are fresh or in flight.",
	}, []string{"kind"})

	InvalidPubkeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peoplesync_invalid_pubkeys_total",
		Help: "Candidates dropped because they are not 64-character lowercase hex.",
	})
)

// Relay metrics
var (
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peoplesync_relay_requests_total",
		Help: "Relay requests by outcome (eose, timeout, error, cached).",
	}, []string{"outcome"})

	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peoplesync_relay_connections",
		Help: "Open websocket connections in the relay pool.",
	})
)

// Store metrics
var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peoplesync_events_ingested_total",
		Help: "Events handed to the person store, by kind and whether they changed a record.",
	}, []string{"kind", "result"})
)

// Sync metrics
var (
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peoplesync_sync_duration_seconds",
		Help:    "Wall time of a sync call from gate to settle.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"kind"})

	RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peoplesync_sync_request_failures_total",
		Help: "Sync requests whose loader run reported at least one relay failure.",
	}, []string{"kind"})
)

// HTTP metrics
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peoplesync_http_requests_total",
		Help: "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
)
