// Package metrics exposes Prometheus collectors for the import pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	postsTotal   *prometheus.CounterVec
	filesTotal   *prometheus.CounterVec
	bytesFetched *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		postsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seiso_posts_total",
				Help: "Post outcomes per service, labeled imported/skipped/failed.",
			},
			[]string{"service", "outcome"},
		)
		filesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seiso_files_total",
				Help: "Files acquired per service.",
			},
			[]string{"service"},
		)
		bytesFetched = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seiso_fetch_bytes_total",
				Help: "Bytes downloaded from remote services.",
			},
			[]string{"service"},
		)
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seiso_runs_total",
				Help: "Import runs by exit status.",
			},
			[]string{"service", "status"},
		)
	})
}

// ObservePost counts a per-post outcome.
func ObservePost(service, outcome string) {
	if postsTotal != nil {
		postsTotal.WithLabelValues(service, outcome).Inc()
	}
}

// ObserveFile counts one acquired file and its size.
func ObserveFile(service string, size int64) {
	if filesTotal != nil {
		filesTotal.WithLabelValues(service).Inc()
	}
	if bytesFetched != nil && size > 0 {
		bytesFetched.WithLabelValues(service).Add(float64(size))
	}
}

// ObserveRun counts a finished run by exit status.
func ObserveRun(service, status string) {
	if runsTotal != nil {
		runsTotal.WithLabelValues(service, status).Inc()
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
