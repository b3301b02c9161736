package dedup

import (
	"context"
	"time"

	"dedupstore/internal/hasher"
	"dedupstore/internal/store"
)

// staleTempAge is how old an abandoned temp or spool file must be before a
// reconcile pass removes it.
const staleTempAge = time.Hour

// ReconcileResult reports one reconciliation pass.
type ReconcileResult struct {
	DryRun           bool             `json:"dry_run"`
	Recounted        []store.RefDrift `json:"recounted"`
	RemovedBlobs     int              `json:"removed_blobs"`
	ReclaimedBytes   int64            `json:"reclaimed_bytes"`
	FailedRemovals   int              `json:"failed_removals"`
	OrphanBlobs      int              `json:"orphan_blobs"`
	MissingBlobs     []string         `json:"missing_blobs"`
	DanglingFiles    []string         `json:"dangling_files"`
	TempFilesRemoved int              `json:"temp_files_removed"`
}

type tempSweeper interface {
	SweepTemp(ctx context.Context, age time.Duration) (int, error)
}

// Reconcile restores the ledger invariants after a crash: counts are
// recomputed from the registry, zero-count payloads are removed, payloads
// without a ledger row are deleted, and live rows without a payload are
// reported. With dryRun nothing is changed.
func (c *Coordinator) Reconcile(ctx context.Context, dryRun bool) (*ReconcileResult, error) {
	const op = "reconcile"
	res := &ReconcileResult{
		DryRun:        dryRun,
		MissingBlobs:  []string{},
		DanglingFiles: []string{},
	}

	drift, err := c.store.RecountRefs(ctx, !dryRun)
	if err != nil {
		return nil, newError(KindIO, op, err)
	}
	res.Recounted = drift
	for _, d := range drift {
		c.logger.Warn("reference count drift", "digest", hasher.Digest(d.Digest).Short(), "recorded", d.Recorded, "actual", d.Actual, "dry_run", dryRun)
	}

	if err := c.sweepZeroRefs(ctx, dryRun, res); err != nil {
		return nil, err
	}
	if err := c.sweepPayloads(ctx, dryRun, res); err != nil {
		return nil, err
	}

	dangling, err := c.store.ListDanglingFiles(ctx)
	if err != nil {
		return nil, newError(KindIO, op, err)
	}
	for _, f := range dangling {
		res.DanglingFiles = append(res.DanglingFiles, f.ID)
		c.logger.Error("file record without ledger row", "kind", KindInconsistent.String(), "id", f.ID, "digest", hasher.Digest(f.Digest).Short())
	}

	if !dryRun {
		if sweeper, ok := c.blobs.(tempSweeper); ok {
			n, err := sweeper.SweepTemp(ctx, staleTempAge)
			if err != nil {
				c.logger.Warn("blob temp sweep failed", "error", err)
			}
			res.TempFilesRemoved += n
		}
		n, err := c.sweepSpool(ctx, staleTempAge)
		if err != nil {
			c.logger.Warn("spool sweep failed", "error", err)
		}
		res.TempFilesRemoved += n
	}

	c.logger.Info("reconcile finished",
		"dry_run", dryRun,
		"recounted", len(res.Recounted),
		"removed_blobs", res.RemovedBlobs,
		"orphan_blobs", res.OrphanBlobs,
		"missing_blobs", len(res.MissingBlobs),
		"dangling_files", len(res.DanglingFiles))
	return res, nil
}

// sweepZeroRefs finishes deletes whose payload removal was deferred.
func (c *Coordinator) sweepZeroRefs(ctx context.Context, dryRun bool, res *ReconcileResult) error {
	zero, err := c.store.ListZeroRefBlobs(ctx, 0)
	if err != nil {
		return newError(KindIO, "reconcile", err)
	}
	for _, entry := range zero {
		if err := ctx.Err(); err != nil {
			return newError(KindIO, "reconcile", err)
		}
		if dryRun {
			res.RemovedBlobs++
			res.ReclaimedBytes += entry.SizeBytes
			continue
		}
		switch c.finishZeroRef(ctx, hasher.Digest(entry.Digest)) {
		case sweepRemoved:
			res.RemovedBlobs++
			res.ReclaimedBytes += entry.SizeBytes
		case sweepFailed:
			res.FailedRemovals++
		}
	}
	return nil
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepRemoved
	sweepFailed
)

func (c *Coordinator) finishZeroRef(ctx context.Context, digest hasher.Digest) sweepOutcome {
	unlock := c.locks.Lock(string(digest))
	defer unlock()

	entry, err := c.store.GetBlob(ctx, string(digest))
	if err != nil {
		c.logger.Warn("reload ledger row", "digest", digest.Short(), "error", err)
		return sweepFailed
	}
	if entry == nil || entry.RefCount > 0 {
		// Revived or already cleared since the listing.
		return sweepSkipped
	}
	holders, err := c.store.ListFilesByDigest(ctx, string(digest))
	if err != nil {
		c.logger.Warn("check live records", "digest", digest.Short(), "error", err)
		return sweepFailed
	}
	if len(holders) > 0 {
		c.logger.Error("zero count with live records; payload kept",
			"kind", KindInconsistent.String(),
			"digest", digest.Short(),
			"records", len(holders))
		return sweepSkipped
	}
	if !c.removeBlob(ctx, digest, entry.SizeBytes) {
		return sweepFailed
	}
	return sweepRemoved
}

// sweepPayloads compares stored payloads with the ledger in both directions.
func (c *Coordinator) sweepPayloads(ctx context.Context, dryRun bool, res *ReconcileResult) error {
	entries, err := c.store.ListBlobs(ctx)
	if err != nil {
		return newError(KindIO, "reconcile", err)
	}
	live := make(map[string]int64, len(entries))
	for _, e := range entries {
		live[e.Digest] = e.RefCount
	}

	stored := map[hasher.Digest]int64{}
	if err := c.blobs.Walk(ctx, func(d hasher.Digest, size int64) error {
		stored[d] = size
		return nil
	}); err != nil {
		return newError(KindIO, "reconcile", err)
	}

	for d, size := range stored {
		if _, ok := live[string(d)]; ok {
			continue
		}
		if c.removeOrphan(ctx, d, dryRun) {
			res.OrphanBlobs++
			res.ReclaimedBytes += size
		}
	}

	for digest, refs := range live {
		if refs == 0 {
			continue
		}
		if _, ok := stored[hasher.Digest(digest)]; ok {
			continue
		}
		if c.confirmMissing(ctx, hasher.Digest(digest)) {
			res.MissingBlobs = append(res.MissingBlobs, digest)
			c.logger.Error("ledger row without payload", "kind", KindInconsistent.String(), "digest", hasher.Digest(digest).Short(), "refs", refs)
		}
	}
	return nil
}

func (c *Coordinator) removeOrphan(ctx context.Context, digest hasher.Digest, dryRun bool) bool {
	unlock := c.locks.Lock(string(digest))
	defer unlock()

	entry, err := c.store.GetBlob(ctx, string(digest))
	if err != nil || entry != nil {
		return false
	}
	if dryRun {
		return true
	}
	if err := c.blobs.Delete(ctx, digest); err != nil {
		c.logger.Warn("orphan blob removal failed", "digest", digest.Short(), "error", err)
		return false
	}
	return true
}

func (c *Coordinator) confirmMissing(ctx context.Context, digest hasher.Digest) bool {
	unlock := c.locks.Lock(string(digest))
	defer unlock()

	entry, err := c.store.GetBlob(ctx, string(digest))
	if err != nil || entry == nil || entry.RefCount == 0 {
		return false
	}
	exists, err := c.blobs.Exists(ctx, digest)
	return err == nil && !exists
}
