package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"dedupstore/internal/dedup"
	"dedupstore/internal/models"
)

func TestRecorderCounters(t *testing.T) {
	m := New()
	m.UploadCommitted(false, 10)
	m.UploadCommitted(true, 10)
	m.UploadCommitted(true, 5)
	m.UploadFailed(dedup.KindPayloadTooLarge)
	m.FileDeleted()
	m.BlobRemoved(10)
	m.BlobRemovalFailed()

	if got := testutil.ToFloat64(m.uploads.WithLabelValues("duplicate")); got != 2 {
		t.Fatalf("expected 2 duplicate uploads, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytesReceived); got != 25 {
		t.Fatalf("expected 25 bytes received, got %v", got)
	}
	if got := testutil.ToFloat64(m.uploadFailures.WithLabelValues("payload_too_large")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytesReclaimed); got != 10 {
		t.Fatalf("expected 10 reclaimed bytes, got %v", got)
	}
}

func TestStatsCollector(t *testing.T) {
	m := New()
	err := m.RegisterStats(func(context.Context) (models.StorageStats, error) {
		return models.StorageStats{TotalFiles: 3, UniqueFiles: 2, TotalSizeBytes: 30, SavedSizeBytes: 10, StoredSizeBytes: 20}, nil
	}, time.Second)
	if err != nil {
		t.Fatalf("register stats: %v", err)
	}

	expected := `
# HELP dedupstore_store_saved_bytes Bytes not stored thanks to deduplication.
# TYPE dedupstore_store_saved_bytes gauge
dedupstore_store_saved_bytes 10
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dedupstore_store_saved_bytes"); err != nil {
		t.Fatalf("unexpected saved bytes metric: %v", err)
	}
}

func TestStatsCollectorReportsFailure(t *testing.T) {
	m := New()
	if err := m.RegisterStats(func(context.Context) (models.StorageStats, error) {
		return models.StorageStats{}, errors.New("db closed")
	}, time.Second); err != nil {
		t.Fatalf("register stats: %v", err)
	}
	expected := `
# HELP dedupstore_store_stats_up Whether the last stats snapshot succeeded.
# TYPE dedupstore_store_stats_up gauge
dedupstore_store_stats_up 0
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dedupstore_store_stats_up"); err != nil {
		t.Fatalf("unexpected up metric: %v", err)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "/v1/stats", http.StatusOK, 15*time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `dedupstore_http_request_duration_seconds_count{method="GET",route="/v1/stats",status="200"} 1`) {
		t.Fatalf("missing request histogram in output:\n%s", w.Body.String())
	}
}
