// Package metrics exposes store activity in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dedupstore/internal/dedup"
	"dedupstore/internal/models"
)

const namespace = "dedupstore"

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	uploads         *prometheus.CounterVec
	uploadFailures  *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	deletes         prometheus.Counter
	blobsRemoved    prometheus.Counter
	bytesReclaimed  prometheus.Counter
	removalFailures prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

var _ dedup.Recorder = (*Metrics)(nil)

// New builds the collectors and registers Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Committed uploads by whether the content was already stored.",
		}, []string{"outcome"}),
		uploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Rejected or failed uploads by error kind.",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Logical bytes accepted by committed uploads.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "File records deleted.",
		}),
		blobsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_removed_total",
			Help:      "Payloads removed after their last reference went away.",
		}),
		bytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_bytes_total",
			Help:      "Physical bytes freed by payload removal.",
		}),
		removalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_removal_failures_total",
			Help:      "Payload removals deferred to reconciliation.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.uploads,
		m.uploadFailures,
		m.bytesReceived,
		m.deletes,
		m.blobsRemoved,
		m.bytesReclaimed,
		m.removalFailures,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) UploadCommitted(duplicate bool, sizeBytes int64) {
	outcome := "new"
	if duplicate {
		outcome = "duplicate"
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.bytesReceived.Add(float64(sizeBytes))
}

func (m *Metrics) UploadFailed(kind dedup.Kind) {
	m.uploadFailures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) FileDeleted() {
	m.deletes.Inc()
}

func (m *Metrics) BlobRemoved(sizeBytes int64) {
	m.blobsRemoved.Inc()
	m.bytesReclaimed.Add(float64(sizeBytes))
}

func (m *Metrics) BlobRemovalFailed() {
	m.removalFailures.Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// StatsFunc returns the current storage totals.
type StatsFunc func(ctx context.Context) (models.StorageStats, error)

// RegisterStats exports storage totals as gauges computed at scrape time.
func (m *Metrics) RegisterStats(fn StatsFunc, timeout time.Duration) error {
	return m.registry.Register(newStatsCollector(fn, timeout))
}
