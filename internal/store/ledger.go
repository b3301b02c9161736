package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dedupstore/internal/models"
)

const blobColumns = "digest, size_bytes, ref_count, backend, created_at, updated_at"

// RefDrift is a ledger row whose stored count disagrees with the registry.
type RefDrift struct {
	Digest   string `json:"digest"`
	Recorded int64  `json:"recorded"`
	Actual   int64  `json:"actual"`
}

// CommitUpload records one new file for blob and increments the blob's
// reference count, all in one transaction. The ledger row is created on the
// first reference. It returns the post-increment count.
func (s *Store) CommitUpload(ctx context.Context, blob models.BlobEntry, file *models.FileRecord) (_ int64, err error) {
	if file == nil {
		return 0, fmt.Errorf("file is required")
	}
	blob.Digest = strings.TrimSpace(blob.Digest)
	if blob.Digest == "" {
		return 0, fmt.Errorf("digest is required")
	}
	if blob.SizeBytes < 0 {
		return 0, fmt.Errorf("size_bytes must be >= 0")
	}
	if file.Digest != "" && file.Digest != blob.Digest {
		return 0, fmt.Errorf("file digest %s does not match blob %s", file.Digest, blob.Digest)
	}
	file.Digest = blob.Digest
	file.SizeBytes = blob.SizeBytes
	if strings.TrimSpace(blob.Backend) == "" {
		blob.Backend = "local"
	}
	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	if file.MediaTypeSource == "" {
		file.MediaTypeSource = models.MediaTypeSourceDeclared
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs (digest, size_bytes, ref_count, backend, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
	`, blob.Digest, blob.SizeBytes, blob.Backend, dbFormatTime(now), dbFormatTime(now)); err != nil {
		return 0, fmt.Errorf("insert ledger row: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO files (id, filename, media_type, media_type_source, size_bytes, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, file.ID, file.Filename, file.MediaType, string(file.MediaTypeSource), file.SizeBytes, file.Digest, dbFormatTime(file.CreatedAt)); err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}

	count, err := adjustRefCountTx(ctx, tx, blob.Digest, 1, now)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	file.RefCount = count
	return count, nil
}

// CommitDelete removes a file record and decrements its digest's count in one
// transaction. A nil record means the id did not exist. At zero the ledger row
// is kept until the payload is removed and ForgetBlob is called.
func (s *Store) CommitDelete(ctx context.Context, id string) (_ *models.FileRecord, _ int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	file, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+`, 0 FROM files WHERE id = ?`, id))
	if err != nil {
		return nil, 0, err
	}
	if file == nil {
		_ = tx.Rollback()
		return nil, 0, nil
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return nil, 0, fmt.Errorf("delete file: %w", err)
	}
	now := time.Now().UTC()
	count, err := adjustRefCountTx(ctx, tx, file.Digest, -1, now)
	if err != nil {
		return nil, 0, err
	}
	if count == 0 {
		// A drifted-low count must not release a payload other records still use.
		if count, err = healZeroCountTx(ctx, tx, file.Digest, now); err != nil {
			return nil, 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, 0, err
	}
	file.RefCount = count
	return file, count, nil
}

func adjustRefCountTx(ctx context.Context, tx *sql.Tx, digest string, delta int64, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE blobs SET ref_count = ref_count + ?, updated_at = ?
		WHERE digest = ? AND ref_count + ? >= 0
	`, delta, dbFormatTime(now), digest, delta)
	if err != nil {
		return 0, fmt.Errorf("adjust ref count: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n != 1 {
		return 0, fmt.Errorf("%w: ledger row for %s missing or would go negative", ErrLedgerInconsistent, digest)
	}

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE digest = ?`, digest).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// healZeroCountTx overwrites a zero count with the number of records that
// still reference digest and returns it.
func healZeroCountTx(ctx context.Context, tx *sql.Tx, digest string, now time.Time) (int64, error) {
	var live int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE digest = ?`, digest).Scan(&live); err != nil {
		return 0, fmt.Errorf("count live records: %w", err)
	}
	if live == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ?, updated_at = ? WHERE digest = ?`,
		live, dbFormatTime(now), digest); err != nil {
		return 0, fmt.Errorf("restore ref count: %w", err)
	}
	return live, nil
}

// RefCount returns the live reference count, zero when the digest is unknown.
func (s *Store) RefCount(ctx context.Context, digest string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE digest = ?`, digest).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// GetBlob returns the ledger row for digest, or nil.
func (s *Store) GetBlob(ctx context.Context, digest string) (*models.BlobEntry, error) {
	return scanBlob(s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE digest = ?`, digest))
}

// ListZeroRefBlobs lists pending-removal rows, oldest first.
func (s *Store) ListZeroRefBlobs(ctx context.Context, limit int) ([]models.BlobEntry, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE ref_count = 0 ORDER BY updated_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryBlobs(ctx, query, args...)
}

// ListBlobs lists every ledger row.
func (s *Store) ListBlobs(ctx context.Context) ([]models.BlobEntry, error) {
	return s.queryBlobs(ctx, `SELECT `+blobColumns+` FROM blobs ORDER BY digest ASC`)
}

// ForgetBlob drops a ledger row, but only while its count is zero and no file
// references it. It reports whether a row was removed.
func (s *Store) ForgetBlob(ctx context.Context, digest string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blobs
		WHERE digest = ? AND ref_count = 0
		  AND NOT EXISTS (SELECT 1 FROM files WHERE files.digest = blobs.digest)
	`, digest)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecountRefs compares every ledger count with the registry. When apply is
// set, drifted counts are overwritten with the registry's answer.
func (s *Store) RecountRefs(ctx context.Context, apply bool) (_ []RefDrift, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil || !apply {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT b.digest, b.ref_count, COUNT(f.id)
		FROM blobs b LEFT JOIN files f ON f.digest = b.digest
		GROUP BY b.digest
		HAVING b.ref_count != COUNT(f.id)
		ORDER BY b.digest
	`)
	if err != nil {
		return nil, err
	}
	drift := []RefDrift{}
	for rows.Next() {
		var d RefDrift
		if err = rows.Scan(&d.Digest, &d.Recorded, &d.Actual); err != nil {
			rows.Close()
			return nil, err
		}
		drift = append(drift, d)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if !apply {
		return drift, nil
	}
	now := dbFormatTime(time.Now().UTC())
	for _, d := range drift {
		if _, err = tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ?, updated_at = ? WHERE digest = ?`, d.Actual, now, d.Digest); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return drift, nil
}

func (s *Store) queryBlobs(ctx context.Context, query string, args ...any) ([]models.BlobEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blobs := []models.BlobEntry{}
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			blobs = append(blobs, *blob)
		}
	}
	return blobs, rows.Err()
}

func scanBlob(scanner interface {
	Scan(dest ...any) error
}) (*models.BlobEntry, error) {
	blob := models.BlobEntry{}
	var createdAt, updatedAt string
	err := scanner.Scan(&blob.Digest, &blob.SizeBytes, &blob.RefCount, &blob.Backend, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if blob.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	if blob.UpdatedAt, err = dbParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &blob, nil
}
