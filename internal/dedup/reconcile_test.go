package dedup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupstore/internal/blobstore"
	"dedupstore/internal/hasher"
	"dedupstore/internal/models"
	"dedupstore/internal/store"
)

// flakyBlobs fails Delete while failDelete is set.
type flakyBlobs struct {
	blobstore.BlobStore
	failDelete bool
}

func (f *flakyBlobs) Delete(ctx context.Context, d hasher.Digest) error {
	if f.failDelete {
		return errors.New("device busy")
	}
	return f.BlobStore.Delete(ctx, d)
}

// failingCommits rejects every CommitUpload.
type failingCommits struct {
	store.FileStore
}

func (failingCommits) CommitUpload(context.Context, models.BlobEntry, *models.FileRecord) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func execSQL(t *testing.T, env *testEnv, query string, args ...any) {
	t.Helper()
	db, err := store.OpenRaw(env.dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(query, args...)
	require.NoError(t, err)
}

func TestDeleteDefersFailedBlobRemoval(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	flaky := &flakyBlobs{BlobStore: env.cas, failDelete: true}
	env.coord = newCoordinator(t, env.store, flaky, Options{SpoolFs: env.spool, SpoolDir: "/spool", Logger: env.coord.logger, Recorder: env.rec})

	res := env.upload(t, "sticky", "s.txt")
	require.NoError(t, env.coord.Delete(ctx, res.File.ID), "logical delete succeeds")
	assert.Equal(t, 1, env.rec.deferrals)

	_, err := env.coord.Get(ctx, res.File.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	s := env.stats(t)
	assert.EqualValues(t, 0, s.TotalFiles)
	assert.EqualValues(t, 0, s.UniqueFiles)
	assert.EqualValues(t, 1, s.PendingRemoval)
	assert.Equal(t, 1, env.blobCount(t), "payload leaked until retried")

	result, err := env.coord.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.RemovedBlobs)
	assert.Equal(t, 1, result.FailedRemovals)

	flaky.failDelete = false
	result, err = env.coord.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RemovedBlobs)
	assert.EqualValues(t, 6, result.ReclaimedBytes)
	assert.Equal(t, 0, env.blobCount(t))
	assert.EqualValues(t, 0, env.stats(t).PendingRemoval)
}

func TestDeleteWithDriftedCountKeepsSharedBlob(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.upload(t, "shared", "a.txt")
	b := env.upload(t, "shared", "b.txt")
	execSQL(t, env, "UPDATE blobs SET ref_count = 1 WHERE digest = ?", a.File.Digest)

	require.NoError(t, env.coord.Delete(ctx, a.File.ID))
	assert.Equal(t, 1, env.blobCount(t), "sibling payload kept")

	dl, err := env.coord.Download(ctx, b.File.ID)
	require.NoError(t, err)
	defer dl.Body.Close()
	refs, err := env.store.RefCount(ctx, b.File.Digest)
	require.NoError(t, err)
	assert.EqualValues(t, 1, refs)
}

func TestZeroCountSweepSkipsLiveRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.upload(t, "held", "held.txt")
	execSQL(t, env, "UPDATE blobs SET ref_count = 0 WHERE digest = ?", res.File.Digest)

	outcome := env.coord.finishZeroRef(context.Background(), hasher.Digest(res.File.Digest))
	assert.Equal(t, sweepSkipped, outcome)
	assert.Equal(t, 1, env.blobCount(t))
	entry, err := env.store.GetBlob(context.Background(), res.File.Digest)
	require.NoError(t, err)
	assert.NotNil(t, entry, "ledger row kept")
}

func TestUploadAfterDeferredRemovalIsNotDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	flaky := &flakyBlobs{BlobStore: env.cas, failDelete: true}
	env.coord = newCoordinator(t, env.store, flaky, Options{SpoolFs: env.spool, SpoolDir: "/spool", Logger: env.coord.logger})

	first := env.upload(t, "again", "a.txt")
	require.NoError(t, env.coord.Delete(ctx, first.File.ID))

	second := env.upload(t, "again", "b.txt")
	assert.False(t, second.IsDuplicate)
	assert.EqualValues(t, 1, second.RefCount)
	assert.EqualValues(t, 0, env.stats(t).PendingRemoval)
}

func TestCommitFailureRemovesCreatedBlob(t *testing.T) {
	env := newTestEnv(t, nil)
	coord := newCoordinator(t, failingCommits{FileStore: env.store}, env.cas, Options{SpoolFs: env.spool, SpoolDir: "/spool", Logger: env.coord.logger})

	_, err := coord.Upload(context.Background(), strings.NewReader("doomed"), "d.txt", "")
	assert.True(t, errors.Is(err, ErrIO), "got %v", err)
	assert.Equal(t, 0, env.blobCount(t))
}

func TestCommitFailureKeepsSharedBlob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "shared", "keep.txt")
	coord := newCoordinator(t, failingCommits{FileStore: env.store}, env.cas, Options{SpoolFs: env.spool, SpoolDir: "/spool", Logger: env.coord.logger})

	_, err := coord.Upload(context.Background(), strings.NewReader("shared"), "again.txt", "")
	require.Error(t, err)
	assert.Equal(t, 1, env.blobCount(t))
}

func TestReconcileRepairsDriftAndOrphans(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	keep := env.upload(t, "keep", "keep.txt")
	env.upload(t, "keep", "keep2.txt")

	execSQL(t, env, "UPDATE blobs SET ref_count = 9 WHERE digest = ?", keep.File.Digest)
	orphan := digestFor("orphan payload")
	_, err := env.cas.PutIfAbsent(ctx, orphan, strings.NewReader("orphan payload"))
	require.NoError(t, err)

	dry, err := env.coord.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	require.Len(t, dry.Recounted, 1)
	assert.EqualValues(t, 9, dry.Recounted[0].Recorded)
	assert.EqualValues(t, 2, dry.Recounted[0].Actual)
	assert.Equal(t, 1, dry.OrphanBlobs)
	count, _ := env.store.RefCount(ctx, keep.File.Digest)
	assert.EqualValues(t, 9, count, "dry run leaves counts alone")
	assert.Equal(t, 2, env.blobCount(t), "dry run leaves payloads alone")

	res, err := env.coord.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Len(t, res.Recounted, 1)
	assert.Equal(t, 1, res.OrphanBlobs)
	assert.Empty(t, res.MissingBlobs)
	assert.Empty(t, res.DanglingFiles)
	count, _ = env.store.RefCount(ctx, keep.File.Digest)
	assert.EqualValues(t, 2, count)
	assert.Equal(t, 1, env.blobCount(t))

	again, err := env.coord.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, again.Recounted)
	assert.Zero(t, again.OrphanBlobs)
	assert.Zero(t, again.RemovedBlobs)
}

func TestReconcileClearsCountThatShouldBeZero(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := env.upload(t, "ghost", "ghost.txt")

	// Simulate a crash that removed the record but not the decrement.
	execSQL(t, env, "DELETE FROM files WHERE id = ?", res.File.ID)

	out, err := env.coord.Reconcile(ctx, false)
	require.NoError(t, err)
	require.Len(t, out.Recounted, 1)
	assert.EqualValues(t, 0, out.Recounted[0].Actual)
	assert.Equal(t, 1, out.RemovedBlobs)
	assert.Equal(t, 0, env.blobCount(t))
	entry, err := env.store.GetBlob(ctx, res.File.Digest)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestReconcileReportsMissingPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := env.upload(t, "lost", "lost.txt")
	require.NoError(t, env.cas.Delete(ctx, digestFor("lost")))

	out, err := env.coord.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{res.File.Digest}, out.MissingBlobs)
}

func TestReconcileSweepsStaleSpool(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.spool.MkdirAll("/spool", 0o755))
	require.NoError(t, afero.WriteFile(env.spool, "/spool/upload-stale", []byte("x"), 0o644))
	old := time.Now().Add(-2 * staleTempAge)
	require.NoError(t, env.spool.Chtimes("/spool/upload-stale", old, old))

	out, err := env.coord.Reconcile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.TempFilesRemoved)
	ok, _ := afero.Exists(env.spool, "/spool/upload-stale")
	assert.False(t, ok)
}
