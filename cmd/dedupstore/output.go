package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"dedupstore/internal/api"
	"dedupstore/internal/format"
	"dedupstore/internal/store"
)

var stdout io.Writer = os.Stdout

// outputFlags holds the root --json/--yaml switches.
type outputFlags struct {
	json bool
	yaml bool
}

func (o *outputFlags) structured() bool {
	return o != nil && (o.json || o.yaml)
}

func (o *outputFlags) formatter() format.Formatter {
	if o != nil && o.yaml {
		return format.YAMLFormatter{}
	}
	return format.JSONFormatter{}
}

func writeStructured(out *outputFlags, payload any) error {
	return out.formatter().Write(stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(stdout, format, args...)
	return err
}

func writeFileList(files []api.FileResponse) error {
	for _, file := range files {
		if err := writePlain("%s\n", formatFileLine(file)); err != nil {
			return err
		}
	}
	return nil
}

func writeFileDetail(file api.FileResponse) error {
	lines := []string{
		fmt.Sprintf("id: %s", file.ID),
		fmt.Sprintf("filename: %s", file.Filename),
		fmt.Sprintf("media_type: %s (%s)", file.MediaType, file.MediaTypeSource),
		fmt.Sprintf("size: %s (%d bytes)", humanize.IBytes(uint64(file.SizeBytes)), file.SizeBytes),
		fmt.Sprintf("digest: %s", file.Digest),
		fmt.Sprintf("reference_count: %d", file.RefCount),
		fmt.Sprintf("created_at: %s (%s)", formatTime(file.CreatedAt), humanize.Time(file.CreatedAt)),
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func writeUploadResult(resp api.UploadResponse) error {
	status := color.GreenString("stored")
	if resp.IsDuplicate {
		status = color.YellowString("duplicate")
	}
	return writePlain("%s %s %s (%s, refs=%d)\n",
		status, resp.ID, resp.Filename, humanize.IBytes(uint64(resp.SizeBytes)), resp.RefCount)
}

func writeStats(stats api.StatsResponse) error {
	lines := []string{
		fmt.Sprintf("total_files: %d", stats.TotalFiles),
		fmt.Sprintf("unique_files: %d", stats.UniqueFiles),
		fmt.Sprintf("total_size: %s", humanize.IBytes(uint64(stats.TotalSizeBytes))),
		fmt.Sprintf("stored_size: %s", humanize.IBytes(uint64(stats.StoredSizeBytes))),
		fmt.Sprintf("saved_size: %s", humanize.IBytes(uint64(stats.SavedSizeBytes))),
		fmt.Sprintf("duplicate_percentage: %.2f%%", stats.DuplicatePercentage),
	}
	if stats.PendingRemoval > 0 {
		lines = append(lines, color.YellowString("pending_removal: %d", stats.PendingRemoval))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func writeReconcileResult(res api.ReconcileResponse) error {
	prefix := ""
	if res.DryRun {
		prefix = "(dry run) "
	}
	lines := []string{
		fmt.Sprintf("%srecounted digests: %d", prefix, len(res.Recounted)),
	}
	for _, drift := range res.Recounted {
		lines = append(lines, fmt.Sprintf("  %s: %d -> %d", drift.Digest, drift.Recorded, drift.Actual))
	}
	lines = append(lines,
		fmt.Sprintf("%sremoved blobs: %d (%s)", prefix, res.RemovedBlobs, humanize.IBytes(uint64(res.ReclaimedBytes))),
		fmt.Sprintf("%sorphan blobs: %d", prefix, res.OrphanBlobs),
		fmt.Sprintf("%stemp files removed: %d", prefix, res.TempFilesRemoved),
	)
	if res.FailedRemovals > 0 {
		lines = append(lines, color.YellowString("failed removals: %d", res.FailedRemovals))
	}
	for _, digest := range res.MissingBlobs {
		lines = append(lines, color.RedString("missing payload: %s", digest))
	}
	for _, id := range res.DanglingFiles {
		lines = append(lines, color.RedString("dangling file: %s", id))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func writeMigrationStatus(plan *store.MigrationStatus) error {
	lines := []string{
		fmt.Sprintf("Current version: %d", plan.CurrentVersion),
		fmt.Sprintf("Available version: %d", plan.AvailableVersion),
	}
	if len(plan.Pending) == 0 {
		lines = append(lines, "No pending migrations.")
	} else {
		lines = append(lines, fmt.Sprintf("Pending migrations: %d", len(plan.Pending)))
		for _, m := range plan.Pending {
			lines = append(lines, fmt.Sprintf("  %d: %s", m.Version, m.Description))
		}
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatFileLine(file api.FileResponse) string {
	line := fmt.Sprintf("%s  %9s  %s  %s",
		file.ID, humanize.IBytes(uint64(file.SizeBytes)), formatTime(file.CreatedAt), file.Filename)
	if file.RefCount > 1 {
		line += " " + color.YellowString("[x%d]", file.RefCount)
	}
	return line
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
