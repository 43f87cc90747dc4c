// Package metrics declares the Prometheus instruments exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classification cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threat_cache_hits_total",
		Help: "Lookups answered from a fresh cache entry",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threat_cache_misses_total",
		Help: "Lookups that had to wait for a classification",
	})
	CacheShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threat_cache_shared_total",
		Help: "Lookups whose result came from a classification shared with other callers",
	})
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threat_cache_evictions_total",
		Help: "Entries removed from the cache",
	}, []string{"reason"}) // expired | capacity
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threat_cache_entries",
		Help: "Live entries in the classification cache",
	})

	// Upstream classifier
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threat_classifications_total",
		Help: "Upstream classification calls by provider and outcome",
	}, []string{"provider", "outcome"}) // dangerous | safe | error
	ClassifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "threat_classify_duration_seconds",
		Help:    "Latency of upstream classification calls",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
	}, []string{"provider"})

	// Alerts
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threat_alerts_total",
		Help: "Alert dispatch attempts by outcome",
	}, []string{"outcome"}) // sent | failed

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threat_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "threat_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// RecordClassification tracks one upstream call.
func RecordClassification(provider string, dangerous bool, err error, took time.Duration) {
	outcome := "safe"
	switch {
	case err != nil:
		outcome = "error"
	case dangerous:
		outcome = "dangerous"
	}
	Classifications.WithLabelValues(provider, outcome).Inc()
	ClassifyDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func RecordAlert(err error) {
	if err != nil {
		Alerts.WithLabelValues("failed").Inc()
		return
	}
	Alerts.WithLabelValues("sent").Inc()
}

func RecordHTTP(route string, status int, took time.Duration) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}
