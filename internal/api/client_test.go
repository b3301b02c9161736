package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dedupstore/internal/models"
)

func TestHTTPTimeoutFromEnv(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "")
		if got := httpTimeoutFromEnv(); got != defaultHTTPTimeout {
			t.Fatalf("expected default timeout %v, got %v", defaultHTTPTimeout, got)
		}
	})

	t.Run("duration format", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "45s")
		if got := httpTimeoutFromEnv(); got != 45*time.Second {
			t.Fatalf("expected 45s timeout, got %v", got)
		}
	})

	t.Run("integer seconds", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "25")
		if got := httpTimeoutFromEnv(); got != 25*time.Second {
			t.Fatalf("expected 25s timeout, got %v", got)
		}
	})

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "invalid")
		if got := httpTimeoutFromEnv(); got != defaultHTTPTimeout {
			t.Fatalf("expected default timeout %v, got %v", defaultHTTPTimeout, got)
		}
	})
}

func TestUploadSendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/files" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if string(body) != "hello" || header.Filename != "a.txt" {
			t.Errorf("unexpected upload %q named %q", body, header.Filename)
		}
		if got := r.FormValue("media_type"); got != "text/plain" {
			t.Errorf("expected media_type field, got %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(UploadResponse{
			FileRecord:  models.FileRecord{ID: "f1", Filename: header.Filename, RefCount: 2},
			IsDuplicate: true,
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Upload(context.Background(), strings.NewReader("hello"), "a.txt", "text/plain")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.ID != "f1" || !resp.IsDuplicate || resp.RefCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDecodeErrorReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "file x not found", Code: "not_found", ErrorCode: 2001})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetFile(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" || apiErr.ErrorCode != 2001 {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestDecodeErrorWithoutJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Ping(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Code != "" {
		t.Fatalf("expected bare APIError, got %v", err)
	}
}

func TestDeleteAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/files/abc" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).DeleteFile(context.Background(), "abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestReconcileSendsConfirmHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Confirm") != "true" {
			t.Errorf("expected confirm header")
		}
		if r.URL.Query().Get("dry_run") != "" {
			t.Errorf("expected no dry_run param")
		}
		_ = json.NewEncoder(w).Encode(ReconcileResponse{RemovedBlobs: 1})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Reconcile(context.Background(), false, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if resp.RemovedBlobs != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListQueryValues(t *testing.T) {
	after := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	maxSize := int64(1024)
	v := ListQuery{
		Filename:      "report",
		UploadedAfter: &after,
		MaxSize:       &maxSize,
		OrderBySize:   true,
		Limit:         10,
	}.Values()

	want := map[string]string{
		"filename":       "report",
		"uploaded_after": "2024-01-02T03:04:05Z",
		"max_size":       "1024",
		"sort":           "size",
		"limit":          "10",
	}
	for key, val := range want {
		if got := v.Get(key); got != val {
			t.Fatalf("%s: expected %q, got %q", key, val, got)
		}
	}
	for _, key := range []string{"media_type", "uploaded_before", "min_size", "offset"} {
		if v.Has(key) {
			t.Fatalf("expected %s to be absent", key)
		}
	}
}
