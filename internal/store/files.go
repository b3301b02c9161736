package store

import (
	"context"
	"database/sql"
	"time"

	"dedupstore/internal/models"
)

const fileColumns = "files.id, files.filename, files.media_type, files.media_type_source, files.size_bytes, files.digest, files.created_at"

// fileSelect joins the ledger so each record carries its live reference count.
const fileSelect = "SELECT " + fileColumns + ", COALESCE(blobs.ref_count, 0) FROM files LEFT JOIN blobs ON blobs.digest = files.digest"

// FileFilter selects file records. Every set field is an independent
// predicate; records must satisfy all of them. Zero values match everything.
type FileFilter struct {
	FilenameContains string
	// MediaType matches as a prefix when it ends in "/", otherwise as a substring.
	MediaType      string
	UploadedAfter  *time.Time
	UploadedBefore *time.Time
	MinSize        *int64
	MaxSize        *int64
	Digest         string
	// OrderBySize sorts smallest first instead of newest first.
	OrderBySize bool
	Limit       int
	Offset      int
}

// GetFile returns one record with its reference count, or nil.
func (s *Store) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	return scanFile(s.db.QueryRowContext(ctx, fileSelect+" WHERE files.id = ?", id))
}

// ListFiles returns records matching filter, newest first.
func (s *Store) ListFiles(ctx context.Context, filter FileFilter) ([]models.FileRecord, error) {
	query, args := buildFileListQuery(filter)
	return s.queryFiles(ctx, query, args...)
}

// CountFiles counts records matching filter, ignoring limit and offset.
func (s *Store) CountFiles(ctx context.Context, filter FileFilter) (int64, error) {
	query, args := buildFileCountQuery(filter)
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// ListFilesByDigest returns every record sharing digest.
func (s *Store) ListFilesByDigest(ctx context.Context, digest string) ([]models.FileRecord, error) {
	return s.ListFiles(ctx, FileFilter{Digest: digest})
}

// ListDanglingFiles returns records whose digest has no ledger row.
func (s *Store) ListDanglingFiles(ctx context.Context) ([]models.FileRecord, error) {
	return s.queryFiles(ctx, fileSelect+" WHERE blobs.digest IS NULL ORDER BY files.created_at ASC")
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]models.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []models.FileRecord{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if file != nil {
			files = append(files, *file)
		}
	}
	return files, rows.Err()
}

func scanFile(scanner interface {
	Scan(dest ...any) error
}) (*models.FileRecord, error) {
	file := models.FileRecord{}
	var source, createdAt string
	err := scanner.Scan(
		&file.ID,
		&file.Filename,
		&file.MediaType,
		&source,
		&file.SizeBytes,
		&file.Digest,
		&createdAt,
		&file.RefCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	file.MediaTypeSource = models.MediaTypeSource(source)
	if file.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	return &file, nil
}
