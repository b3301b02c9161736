package main

import (
	"context"
	"errors"
	"net"

	"dedupstore/internal/api"
)

var codeHints = map[string]string{
	api.CodePayloadTooLarge:   "hint: raise storage.max_upload_size on the server to accept larger files.",
	api.CodeStorageFull:       "hint: delete unused files or raise storage.max_store_size; run `dedupstore reconcile` to reclaim orphaned payloads.",
	api.CodeResourceExhausted: "hint: a reconciliation is already running; retry shortly.",
	api.CodeInconsistent:      "hint: run `dedupstore reconcile --dry-run` to inspect storage consistency.",
	api.CodeEmptyPayload:      "hint: empty files are not stored.",
}

var unreachableHints = []string{
	"hint: ensure a dedupstore server is running at DEDUP_API_URL.",
	"hint: start local server manually with: dedupstore srv",
	"hint: you can increase DEDUP_HTTP_TIMEOUT for slower environments.",
}

// formatCLIError renders err followed by any hints that apply to it.
func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}
	lines := []string{err.Error()}

	var apiErr *api.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		if hint, ok := codeHints[apiErr.Code]; ok {
			lines = append(lines, hint)
		}
		if apiErr.Code == "" {
			lines = append(lines, "hint: verify DEDUP_API_URL points to a dedupstore server.")
		}
		if apiErr.Status >= 500 {
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
	case errors.Is(err, context.DeadlineExceeded):
		lines = append(lines, "hint: request timed out; check server health or increase DEDUP_HTTP_TIMEOUT.")
	case errors.As(err, &netErr):
		lines = append(lines, unreachableHints...)
	}
	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := lines[:0:0]
	for _, line := range lines {
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}
