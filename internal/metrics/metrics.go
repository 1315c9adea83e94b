// Package metrics exposes Prometheus collectors for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skyrange_queries_total",
		Help: "Overlap queries executed, by kind.",
	}, []string{"kind"})

	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skyrange_query_duration_seconds",
		Help:    "Overlap query latency, by kind.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"kind"})

	TilesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skyrange_tiles_ingested_total",
		Help: "Tiles stored, by region type (skymap or field).",
	}, []string{"region"})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skyrange_cache_hits_total",
		Help: "Cache hits, by cache.",
	}, []string{"cache"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skyrange_cache_misses_total",
		Help: "Cache misses, by cache.",
	}, []string{"cache"})

	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skyrange_jobs_finished_total",
		Help: "Query jobs reaching a terminal state, by status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(QueriesTotal, QueryDuration, TilesIngested, CacheHits, CacheMisses, JobsFinished)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
