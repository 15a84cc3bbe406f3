// Package metrics wires the ambient observability stack: docker/go-metrics
// namespaces registered against a prometheus client_golang registry
// (SPEC_FULL.md §3 domain stack). It exposes exactly the counters/gauge
// spec.md's scenarios exercise: backend_retry (S3), fetch_failed, and a
// transient-storage-salvage gauge (§7 error kind 3).
package metrics

import (
	"net/http"

	metrics "github.com/docker/go-metrics"
)

// Set is the fixed collection of metrics the fetch pipeline emits.
type Set struct {
	ns *metrics.Namespace

	BackendRetry    metrics.Counter
	FetchFailed     metrics.Counter
	StorageSalvaged metrics.Gauge
}

// NewSet creates an "edgecache" namespace, registers it with
// docker/go-metrics (metrics.Register) and returns its metrics; Handler
// serves them.
func NewSet() *Set {
	ns := metrics.NewNamespace("edgecache", "fetch", nil)
	s := &Set{
		ns:              ns,
		BackendRetry:    ns.NewCounter("backend_retry_total", "recycle-lost retries performed at the transport layer"),
		FetchFailed:     ns.NewCounter("fetch_failed_total", "fetches that transitioned to FAILED"),
		StorageSalvaged: ns.NewGauge("storage_salvaged", "objects allocated from transient salvage storage", metrics.Total),
	}
	metrics.Register(ns)
	return s
}

// Handler serves every registered namespace's metrics in Prometheus text
// format, matching dockerd's own /metrics mount.
func Handler() http.Handler {
	return metrics.Handler()
}
