package api

import (
	"time"

	"dedupstore/internal/models"
)

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// FileResponse is one stored file as seen by clients.
type FileResponse = models.FileRecord

// UploadResponse is returned by POST /v1/files.
type UploadResponse struct {
	models.FileRecord
	IsDuplicate bool `json:"is_duplicate"`
}

// ListResponse is one page of files. Total ignores limit and offset.
type ListResponse struct {
	Files  []FileResponse `json:"files"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse = models.StorageStats

// ReconcileResponse is returned by POST /v1/admin/reconcile.
type ReconcileResponse struct {
	DryRun           bool       `json:"dry_run"`
	Recounted        []RefDrift `json:"recounted"`
	RemovedBlobs     int        `json:"removed_blobs"`
	ReclaimedBytes   int64      `json:"reclaimed_bytes"`
	FailedRemovals   int        `json:"failed_removals"`
	OrphanBlobs      int        `json:"orphan_blobs"`
	MissingBlobs     []string   `json:"missing_blobs"`
	DanglingFiles    []string   `json:"dangling_files"`
	TempFilesRemoved int        `json:"temp_files_removed"`
}

// RefDrift is a ledger count that disagreed with the registry.
type RefDrift struct {
	Digest   string `json:"digest"`
	Recorded int64  `json:"recorded"`
	Actual   int64  `json:"actual"`
}

// ListQuery holds the optional filters for GET /v1/files.
type ListQuery struct {
	Filename       string
	MediaType      string
	UploadedAfter  *time.Time
	UploadedBefore *time.Time
	MinSize        *int64
	MaxSize        *int64
	OrderBySize    bool
	Limit          int
	Offset         int
}
