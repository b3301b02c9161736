package store

import (
	"context"

	"dedupstore/internal/models"
)

// StatsSnapshot aggregates registry and ledger totals inside one transaction,
// so a concurrent commit is seen entirely or not at all.
func (s *Store) StatsSnapshot(ctx context.Context) (models.StorageStats, error) {
	var stats models.StorageStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM files
	`).Scan(&stats.TotalFiles, &stats.TotalSizeBytes); err != nil {
		return stats, err
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT
		  COUNT(*),
		  COALESCE(SUM(size_bytes), 0),
		  COALESCE(SUM(CASE WHEN ref_count > 1 THEN (ref_count - 1) * size_bytes ELSE 0 END), 0)
		FROM blobs WHERE ref_count > 0
	`).Scan(&stats.UniqueFiles, &stats.StoredSizeBytes, &stats.SavedSizeBytes); err != nil {
		return stats, err
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blobs WHERE ref_count = 0
	`).Scan(&stats.PendingRemoval); err != nil {
		return stats, err
	}

	stats.ComputeDuplicatePercentage()
	return stats, nil
}
