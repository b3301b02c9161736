package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type statsCollector struct {
	fn      StatsFunc
	timeout time.Duration

	totalFiles  *prometheus.Desc
	uniqueFiles *prometheus.Desc
	totalBytes  *prometheus.Desc
	storedBytes *prometheus.Desc
	savedBytes  *prometheus.Desc
	pending     *prometheus.Desc
	up          *prometheus.Desc
}

func newStatsCollector(fn StatsFunc, timeout time.Duration) *statsCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, nil, nil)
	}
	return &statsCollector{
		fn:          fn,
		timeout:     timeout,
		totalFiles:  desc("files", "Logical file records."),
		uniqueFiles: desc("unique_files", "Distinct digests with live references."),
		totalBytes:  desc("logical_bytes", "Sum of file sizes as users see them."),
		storedBytes: desc("stored_bytes", "Physical bytes held by referenced payloads."),
		savedBytes:  desc("saved_bytes", "Bytes not stored thanks to deduplication."),
		pending:     desc("pending_removals", "Zero-reference payloads awaiting removal."),
		up:          desc("stats_up", "Whether the last stats snapshot succeeded."),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalFiles
	ch <- c.uniqueFiles
	ch <- c.totalBytes
	ch <- c.storedBytes
	ch <- c.savedBytes
	ch <- c.pending
	ch <- c.up
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	stats, err := c.fn(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.totalFiles, prometheus.GaugeValue, float64(stats.TotalFiles))
	ch <- prometheus.MustNewConstMetric(c.uniqueFiles, prometheus.GaugeValue, float64(stats.UniqueFiles))
	ch <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.GaugeValue, float64(stats.TotalSizeBytes))
	ch <- prometheus.MustNewConstMetric(c.storedBytes, prometheus.GaugeValue, float64(stats.StoredSizeBytes))
	ch <- prometheus.MustNewConstMetric(c.savedBytes, prometheus.GaugeValue, float64(stats.SavedSizeBytes))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stats.PendingRemoval))
}
