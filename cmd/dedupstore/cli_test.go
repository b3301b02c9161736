package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"dedupstore/internal/api"
	"dedupstore/internal/blobstore"
	"dedupstore/internal/config"
	"dedupstore/internal/dedup"
	"dedupstore/internal/server"
	"dedupstore/internal/store"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(logLevelEnvKey, "")

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cli.db")
	ts := httptest.NewServer(newTestHandler(t, dbPath, server.Options{}))
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.APIURL = ts.URL
	cfg.DBPath = dbPath
	cfg.LogLevel = "error"
	return &cfg
}

// newTestHandler wires a real store and coordinator over in-memory payload
// storage behind the API handler.
func newTestHandler(t *testing.T, dbPath string, opts server.Options) http.Handler {
	t.Helper()
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cas, err := blobstore.NewLocalCAS(afero.NewMemMapFs(), "/blobs")
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := dedup.New(st, cas, dedup.Options{
		SpoolFs:  afero.NewMemMapFs(),
		SpoolDir: "/spool",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return server.New("", coord, logger, opts).Handler()
}

func runCLI(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })

	cmd := newRootCmd(cfg)
	cmd.SetArgs(args)
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	stdout = prev
	return buf.String(), err
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func uploadJSON(t *testing.T, cfg *config.Config, path string) api.UploadResponse {
	t.Helper()
	out, err := runCLI(t, cfg, "upload", "--json", path)
	if err != nil {
		t.Fatalf("upload %s: %v", path, err)
	}
	var resp api.UploadResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode upload output %q: %v", out, err)
	}
	return resp
}

func TestCLIUploadDeduplicates(t *testing.T) {
	cfg := newTestConfig(t)

	first := uploadJSON(t, cfg, writeTempFile(t, "a.txt", "hello dedup"))
	second := uploadJSON(t, cfg, writeTempFile(t, "b.txt", "hello dedup"))

	if first.IsDuplicate || first.RefCount != 1 {
		t.Fatalf("first upload: unexpected %+v", first)
	}
	if !second.IsDuplicate || second.RefCount != 2 || second.Digest != first.Digest {
		t.Fatalf("second upload: expected duplicate of first, got %+v", second)
	}
	if second.Filename != "b.txt" {
		t.Fatalf("expected base name as filename, got %q", second.Filename)
	}

	out, err := runCLI(t, cfg, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats api.StatsResponse
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalFiles != 2 || stats.UniqueFiles != 1 || stats.SavedSizeBytes != int64(len("hello dedup")) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.DuplicatePercentage != 50 {
		t.Fatalf("expected 50%% duplicates, got %v", stats.DuplicatePercentage)
	}
}

func TestCLIPlainOutput(t *testing.T) {
	cfg := newTestConfig(t)
	path := writeTempFile(t, "notes.txt", "plain output")

	out, err := runCLI(t, cfg, "upload", "-q", path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(out, "stored ") || !strings.Contains(out, "notes.txt") {
		t.Fatalf("unexpected upload output: %q", out)
	}

	out, err = runCLI(t, cfg, "upload", "-q", "--name", "again.txt", path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(out, "duplicate ") || !strings.Contains(out, "refs=2") {
		t.Fatalf("expected duplicate marker, got %q", out)
	}

	out, err = runCLI(t, cfg, "ls")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if !strings.Contains(out, "[x2]") {
		t.Fatalf("expected shared reference marker, got %q", out)
	}

	out, err = runCLI(t, cfg, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "total_files: 2") || !strings.Contains(out, "duplicate_percentage: 50.00%") {
		t.Fatalf("unexpected stats output: %q", out)
	}
}

func TestCLIListFiltersAndSmall(t *testing.T) {
	cfg := newTestConfig(t)
	uploadJSON(t, cfg, writeTempFile(t, "big.log", strings.Repeat("x", 4096)))
	uploadJSON(t, cfg, writeTempFile(t, "tiny.log", "x"))
	uploadJSON(t, cfg, writeTempFile(t, "mid.txt", strings.Repeat("y", 512)))

	out, err := runCLI(t, cfg, "ls", "--json", "--filename", ".log")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	var list api.ListResponse
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 2 {
		t.Fatalf("expected 2 log files, got %+v", list)
	}

	out, err = runCLI(t, cfg, "small", "--json", "--max-size", "1KB")
	if err != nil {
		t.Fatalf("small: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode small: %v", err)
	}
	if len(list.Files) != 2 || list.Files[0].Filename != "tiny.log" || list.Files[1].Filename != "mid.txt" {
		t.Fatalf("expected tiny then mid, got %+v", list.Files)
	}

	out, err = runCLI(t, cfg, "ls", "--yaml", "--min-size", "1KB")
	if err != nil {
		t.Fatalf("ls yaml: %v", err)
	}
	if !strings.Contains(out, "total: 1") || !strings.Contains(out, "filename: big.log") {
		t.Fatalf("unexpected yaml output: %q", out)
	}

	if _, err := runCLI(t, cfg, "ls", "--after", "last week"); err == nil {
		t.Fatal("expected invalid --after to fail")
	}
	if _, err := runCLI(t, cfg, "small", "--max-size", "lots"); err == nil {
		t.Fatal("expected invalid --max-size to fail")
	}
}

func TestCLIDownloadAndRemove(t *testing.T) {
	cfg := newTestConfig(t)
	content := strings.Repeat("payload ", 100)
	up := uploadJSON(t, cfg, writeTempFile(t, "payload.bin", content))

	target := filepath.Join(t.TempDir(), "out.bin")
	if _, err := runCLI(t, cfg, "download", "-q", "-o", target, up.ID); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(got) != content {
		t.Fatalf("downloaded content mismatch: %d bytes", len(got))
	}

	out, err := runCLI(t, cfg, "download", "-o", "-", up.ID)
	if err != nil {
		t.Fatalf("download to stdout: %v", err)
	}
	if out != content {
		t.Fatalf("stdout content mismatch: %d bytes", len(out))
	}

	if _, err := runCLI(t, cfg, "rm", up.ID); err != nil {
		t.Fatalf("rm: %v", err)
	}
	_, err = runCLI(t, cfg, "show", up.ID)
	if !api.IsNotFound(err) {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
}

func TestCLIReconcileRequiresConfirmation(t *testing.T) {
	cfg := newTestConfig(t)

	if _, err := runCLI(t, cfg, "reconcile"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", err)
	}

	out, err := runCLI(t, cfg, "reconcile", "--dry-run", "--json")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	var res api.ReconcileResponse
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode reconcile: %v", err)
	}
	if !res.DryRun {
		t.Fatalf("expected dry run result, got %+v", res)
	}

	if _, err := runCLI(t, cfg, "reconcile", "--yes"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestCLIRejectsConflictingOutputFlags(t *testing.T) {
	cfg := newTestConfig(t)
	if _, err := runCLI(t, cfg, "stats", "--json", "--yaml"); err == nil {
		t.Fatal("expected --json and --yaml to conflict")
	}
}

func TestCLIMigrateInspect(t *testing.T) {
	cfg := newTestConfig(t)
	out, err := runCLI(t, cfg, "migrate", "--inspect", "--json")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var plan store.MigrationStatus
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.CurrentVersion == 0 || plan.CurrentVersion != plan.AvailableVersion || len(plan.Pending) != 0 {
		t.Fatalf("expected fully migrated database, got %+v", plan)
	}
}

func TestCLIConfigGetAndSet(t *testing.T) {
	cfg := newTestConfig(t)
	configDir := t.TempDir()
	t.Setenv("DEDUP_CONFIG_DIR", configDir)

	out, err := runCLI(t, cfg, "config", "get", "api_url")
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if strings.TrimSpace(out) != cfg.APIURL {
		t.Fatalf("expected %q, got %q", cfg.APIURL, out)
	}

	out, err = runCLI(t, cfg, "config", "get", "--json")
	if err != nil {
		t.Fatalf("config get all: %v", err)
	}
	var entries []configEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode entries: %v\n%s", err, out)
	}
	if len(entries) != len(config.AllowedKeys()) {
		t.Fatalf("expected %d entries, got %d", len(config.AllowedKeys()), len(entries))
	}

	if _, err := runCLI(t, cfg, "config", "get", "storage.nope"); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}

	out, err = runCLI(t, cfg, "config", "set", "storage.max_upload_size", "2MB")
	if err != nil {
		t.Fatalf("config set: %v", err)
	}
	if !strings.Contains(out, "storage.max_upload_size = 2MB") {
		t.Fatalf("unexpected set output %q", out)
	}
	data, err := os.ReadFile(filepath.Join(configDir, "config.toml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "max_upload_size") {
		t.Fatalf("config file missing key:\n%s", data)
	}
}

func TestFileIDArgs(t *testing.T) {
	id := "3f2a9c1e-8d4b-4a6f-9e2d-7c1b5a0f4e6d"
	cases := []struct {
		validate func(*cobra.Command, []string) error
		args     []string
		wantErr  string
	}{
		{requireOneID, []string{id}, ""},
		{requireOneID, nil, "exactly 1 file id"},
		{requireOneID, []string{id, id}, "at most 1"},
		{requireAtLeastOneID, []string{id, id}, ""},
		{requireAtLeastOneID, nil, "file id is required"},
		{requireAtLeastOneID, []string{id, "not-a-uuid"}, `invalid file id "not-a-uuid"`},
		{requireOneID, []string{strings.ToUpper(id)}, "invalid file id"},
	}
	for _, tc := range cases {
		err := tc.validate(nil, tc.args)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%v: unexpected error %v", tc.args, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%v: expected %q, got %v", tc.args, tc.wantErr, err)
		}
	}
}
