// Package metrics exposes ratelimitd's Prometheus metrics, the same
// promauto/promhttp pattern the teacher's agents use for their own gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimitd_checks_total",
		Help: "Total rate-limit checks performed, by namespace and outcome.",
	}, []string{"namespace", "outcome"})

	StorageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimitd_storage_errors_total",
		Help: "Total storage backend errors encountered during a check.",
	}, []string{"namespace"})

	ReplicationPeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ratelimitd_replication_peers_connected",
		Help: "Number of peers with a live replication session.",
	})
)

// RecordCheck tallies the outcome ("ok" or "limited") of one Check call.
func RecordCheck(namespace string, limited bool) {
	outcome := "ok"
	if limited {
		outcome = "limited"
	}
	ChecksTotal.WithLabelValues(namespace, outcome).Inc()
}

// RecordStorageError tallies a storage-layer failure for namespace.
func RecordStorageError(namespace string) {
	StorageErrorsTotal.WithLabelValues(namespace).Inc()
}

// Handler serves /metrics in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
