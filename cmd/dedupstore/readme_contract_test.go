package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupstore/internal/config"
	"dedupstore/internal/metrics"
	"dedupstore/internal/server"
)

var (
	configKeyBullet = regexp.MustCompile("^- `([a-z0-9_.]+)`")
	routeRow        = regexp.MustCompile("^\\| (GET|POST|PUT|DELETE) \\| `([^`]+)` \\|")
	envKey          = regexp.MustCompile(`DEDUP_[A-Z0-9_]+`)
)

func TestReadmeConfigKeys(t *testing.T) {
	section := readmeSection(t, "Supported config keys:")

	var documented []string
	for _, line := range strings.Split(section, "\n") {
		if m := configKeyBullet.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			documented = append(documented, m[1])
		}
	}
	require.NotEmpty(t, documented, "no config key bullets found")
	assert.ElementsMatch(t, config.AllowedKeys(), documented)
}

func TestReadmeCommands(t *testing.T) {
	block := readmeFence(t, "## Commands", "bash")

	var documented []string
	for _, line := range strings.Split(block, "\n") {
		if path := commandPath(line); path != "" && !slices.Contains(documented, path) {
			documented = append(documented, path)
		}
	}

	cfg := config.Default()
	assert.ElementsMatch(t, leafCommands(newRootCmd(&cfg), nil), documented)
}

// TestReadmeRoutes sends one request per documented route and checks the mux
// dispatched it. The mux answers unknown paths with a plain-text 404 and
// unknown methods with 405; handlers always answer in JSON or with a payload.
func TestReadmeRoutes(t *testing.T) {
	section := readmeSection(t, "## HTTP API")
	handler := newTestHandler(t, filepath.Join(t.TempDir(), "routes.db"), server.Options{Metrics: metrics.New()})
	sampleID := uuid.NewString()

	var routes int
	for _, line := range strings.Split(section, "\n") {
		m := routeRow.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		routes++
		method, path := m[1], strings.ReplaceAll(m[2], "{id}", sampleID)

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		assert.NotEqual(t, http.StatusMethodNotAllowed, w.Code, "%s %s", method, path)
		if w.Code == http.StatusNotFound {
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json",
				"%s %s is not routed", method, path)
		}
	}
	assert.Equal(t, 10, routes, "documented route count")
}

func TestReadmeEnvironmentKeys(t *testing.T) {
	documented := envKey.FindAllString(loadReadme(t), -1)
	for _, key := range []string{
		"DEDUP_API_URL",
		"DEDUP_DB",
		"DEDUP_DATA_DIR",
		"DEDUP_CONFIG_DIR",
		logLevelEnvKey,
		"DEDUP_HTTP_TIMEOUT",
		"DEDUP_ALLOW_REMOTE",
		"DEDUP_DB_MAX_OPEN_CONNS",
		"DEDUP_DB_CONN_MAX_LIFETIME",
		"DEDUP_S3_BUCKET",
	} {
		assert.Contains(t, documented, key)
	}
}

func loadReadme(t *testing.T) string {
	t.Helper()
	_, self, _, ok := runtime.Caller(0)
	require.True(t, ok, "runtime.Caller failed")
	data, err := os.ReadFile(filepath.Join(filepath.Dir(self), "..", "..", "README.md"))
	require.NoError(t, err)
	return string(data)
}

// readmeSection returns the README text after heading up to the next "## ".
func readmeSection(t *testing.T, heading string) string {
	t.Helper()
	readme := loadReadme(t)
	_, rest, found := strings.Cut(readme, heading)
	require.True(t, found, "README has no %q", heading)
	if end := strings.Index(rest, "\n## "); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func readmeFence(t *testing.T, heading, lang string) string {
	t.Helper()
	section := readmeSection(t, heading)
	_, rest, found := strings.Cut(section, "```"+lang)
	require.True(t, found, "%s has no %s code fence", heading, lang)
	block, _, found := strings.Cut(rest, "```")
	require.True(t, found, "%s code fence is unterminated", heading)
	return block
}

// commandPath extracts "config get" from "dedupstore config get <key>  # ...".
func commandPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "dedupstore" {
		return ""
	}
	var parts []string
	for _, token := range fields[1:] {
		if strings.ContainsAny(token[:1], "#<[-") {
			break
		}
		parts = append(parts, token)
	}
	return strings.Join(parts, " ")
}

func leafCommands(cmd *cobra.Command, prefix []string) []string {
	var out []string
	for _, child := range cmd.Commands() {
		if child.Hidden || child.Name() == "help" || child.Name() == "completion" {
			continue
		}
		path := append(slices.Clone(prefix), child.Name())
		if sub := leafCommands(child, path); len(sub) > 0 {
			out = append(out, sub...)
			continue
		}
		out = append(out, strings.Join(path, " "))
	}
	return out
}
