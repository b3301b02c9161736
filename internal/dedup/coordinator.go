// Package dedup coordinates the blob store and the metadata store so that
// identical content is stored once and reference counts stay exact.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"dedupstore/internal/blobstore"
	"dedupstore/internal/hasher"
	"dedupstore/internal/models"
	"dedupstore/internal/store"
)

// Options tune a Coordinator. Zero values pick defaults.
type Options struct {
	Hasher *hasher.Hasher
	// SpoolFs and SpoolDir hold in-flight uploads while they are hashed.
	SpoolFs        afero.Fs
	SpoolDir       string
	MaxUploadBytes int64
	Logger         *slog.Logger
	Recorder       Recorder
	Now            func() time.Time
	NewID          func() string
}

// Coordinator is the only writer of the reference ledger and the only caller
// of blob creation and removal.
type Coordinator struct {
	store  store.FileStore
	blobs  blobstore.BlobStore
	hasher *hasher.Hasher
	locks  *keyedMutex

	spoolFs        afero.Fs
	spoolDir       string
	maxUploadBytes int64

	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	newID    func() string
}

// UploadResult is returned by Upload.
type UploadResult struct {
	File        models.FileRecord `json:"file"`
	// IsDuplicate is true when the payload was already stored and at least one
	// other live record references it; reviving a pending-removal blob is not a
	// duplicate.
	IsDuplicate bool              `json:"is_duplicate"`
	RefCount    int64             `json:"reference_count"`
}

// Download is an open payload for one file record. Callers must close Body.
type Download struct {
	File models.FileRecord
	Body io.ReadCloser
	Size int64
}

// New wires a Coordinator over a metadata store and a blob store.
func New(st store.FileStore, blobs blobstore.BlobStore, opts Options) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	c := &Coordinator{
		store:          st,
		blobs:          blobs,
		hasher:         opts.Hasher,
		locks:          newKeyedMutex(),
		spoolFs:        opts.SpoolFs,
		spoolDir:       opts.SpoolDir,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         opts.Logger,
		recorder:       opts.Recorder,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	if c.hasher == nil {
		h, err := hasher.New(hasher.DefaultAlgorithm)
		if err != nil {
			return nil, err
		}
		c.hasher = h
	}
	if c.spoolFs == nil {
		c.spoolFs = afero.NewOsFs()
	}
	if c.spoolDir == "" {
		c.spoolDir = filepath.Join(os.TempDir(), "dedupstore-spool")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c, nil
}

// Upload stores r under its content digest and records a new file pointing
// at it. The ledger is only touched after the payload is fully received and
// stored, and the record insert and count increment commit together.
func (c *Coordinator) Upload(ctx context.Context, r io.Reader, filename, mediaType string) (_ *UploadResult, err error) {
	const op = "upload"
	defer func() {
		if err != nil {
			c.recorder.UploadFailed(KindOf(err))
		}
	}()

	name, err := models.NormalizeFilename(filename)
	if err != nil {
		return nil, newError(KindInvalid, op, err)
	}
	if r == nil {
		return nil, errorf(KindInvalid, op, "payload is required")
	}

	sp, err := c.spool(ctx, r)
	if err != nil {
		return nil, err
	}
	defer sp.Close()

	mediaType, source := resolveMediaType(mediaType, sp.head)

	unlock := c.locks.Lock(string(sp.digest))
	defer unlock()

	payload, err := sp.Rewind()
	if err != nil {
		return nil, newError(KindIO, op, err)
	}
	put, err := c.blobs.PutIfAbsent(ctx, sp.digest, payload)
	if err != nil {
		return nil, newError(blobErrorKind(err), op, err)
	}

	// From here the upload is committed or undone regardless of the caller.
	commitCtx := context.WithoutCancel(ctx)
	record := &models.FileRecord{
		ID:              c.newID(),
		Filename:        name,
		MediaType:       mediaType,
		MediaTypeSource: source,
		Digest:          string(sp.digest),
		CreatedAt:       c.now(),
	}
	count, err := c.store.CommitUpload(commitCtx, models.BlobEntry{
		Digest:    string(sp.digest),
		SizeBytes: sp.size,
		Backend:   c.blobs.Name(),
	}, record)
	if err != nil {
		if put == blobstore.PutCreated {
			c.undoCreatedBlob(commitCtx, sp.digest)
		}
		return nil, newError(KindIO, op, fmt.Errorf("commit upload: %w", err))
	}

	duplicate := put == blobstore.PutAlreadyPresent && count > 1
	c.recorder.UploadCommitted(duplicate, sp.size)
	c.logger.Debug("upload committed",
		"id", record.ID,
		"digest", sp.digest.Short(),
		"size", sp.size,
		"duplicate", duplicate,
		"refs", count)

	return &UploadResult{File: *record, IsDuplicate: duplicate, RefCount: count}, nil
}

// undoCreatedBlob removes a blob this upload wrote when its commit failed and
// nothing else references it. Caller holds the digest lock.
func (c *Coordinator) undoCreatedBlob(ctx context.Context, digest hasher.Digest) {
	refs, err := c.store.RefCount(ctx, digest.String())
	if err != nil || refs > 0 {
		return
	}
	if err := c.blobs.Delete(ctx, digest); err != nil {
		c.logger.Warn("orphan blob left after failed commit", "digest", digest.Short(), "error", err)
	}
}

// Delete removes a file record. When it held the last reference the payload
// is removed too; a removal failure is logged and left for Reconcile.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	const op = "delete"
	file, err := c.store.GetFile(ctx, id)
	if err != nil {
		return newError(KindIO, op, err)
	}
	if file == nil {
		return errorf(KindNotFound, op, "file %s not found", id)
	}

	digest := hasher.Digest(file.Digest)
	unlock := c.locks.Lock(file.Digest)
	defer unlock()

	commitCtx := context.WithoutCancel(ctx)
	deleted, count, err := c.store.CommitDelete(commitCtx, id)
	if err != nil {
		if errors.Is(err, store.ErrLedgerInconsistent) {
			c.logger.Error("ledger inconsistent on delete", "id", id, "digest", digest.Short(), "error", err)
			return newError(KindInconsistent, op, err)
		}
		return newError(KindIO, op, err)
	}
	if deleted == nil {
		return errorf(KindNotFound, op, "file %s not found", id)
	}
	c.recorder.FileDeleted()

	if count == 0 {
		c.removeBlob(commitCtx, digest, deleted.SizeBytes)
	}
	return nil
}

// removeBlob finishes a zero-count digest. Caller holds the digest lock.
func (c *Coordinator) removeBlob(ctx context.Context, digest hasher.Digest, size int64) bool {
	if err := c.blobs.Delete(ctx, digest); err != nil {
		c.recorder.BlobRemovalFailed()
		c.logger.Warn("blob removal deferred", "digest", digest.Short(), "error", err)
		return false
	}
	if _, err := c.store.ForgetBlob(ctx, digest.String()); err != nil {
		c.logger.Warn("ledger row not cleared", "digest", digest.Short(), "error", err)
	}
	c.recorder.BlobRemoved(size)
	return true
}

// Get returns one file record with its reference count.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	file, err := c.store.GetFile(ctx, id)
	if err != nil {
		return nil, newError(KindIO, "get", err)
	}
	if file == nil {
		return nil, errorf(KindNotFound, "get", "file %s not found", id)
	}
	return file, nil
}

// Download opens the payload behind a file record.
func (c *Coordinator) Download(ctx context.Context, id string) (*Download, error) {
	const op = "download"
	file, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	body, size, err := c.blobs.Open(ctx, hasher.Digest(file.Digest))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			c.logger.Error("blob missing for live record",
				"kind", KindInconsistent.String(),
				"id", file.ID,
				"digest", hasher.Digest(file.Digest).Short())
			return nil, newError(KindNotFound, op, fmt.Errorf("%w for file %s", ErrContentMissing, id))
		}
		return nil, newError(KindIO, op, err)
	}
	return &Download{File: *file, Body: body, Size: size}, nil
}

// List returns records matching filter.
func (c *Coordinator) List(ctx context.Context, filter store.FileFilter) ([]models.FileRecord, error) {
	files, err := c.store.ListFiles(ctx, filter)
	if err != nil {
		return nil, newError(KindIO, "list", err)
	}
	return files, nil
}

// Count returns the number of records matching filter, ignoring pagination.
func (c *Coordinator) Count(ctx context.Context, filter store.FileFilter) (int64, error) {
	n, err := c.store.CountFiles(ctx, filter)
	if err != nil {
		return 0, newError(KindIO, "count", err)
	}
	return n, nil
}

// ListSmall returns records no larger than maxBytes, smallest first.
func (c *Coordinator) ListSmall(ctx context.Context, maxBytes int64) ([]models.FileRecord, error) {
	if maxBytes < 0 {
		return nil, errorf(KindInvalid, "list small", "max size must be >= 0")
	}
	return c.List(ctx, store.FileFilter{MaxSize: &maxBytes, OrderBySize: true})
}

// Stats returns a consistent snapshot of logical and physical usage.
func (c *Coordinator) Stats(ctx context.Context) (models.StorageStats, error) {
	stats, err := c.store.StatsSnapshot(ctx)
	if err != nil {
		return stats, newError(KindIO, "stats", err)
	}
	return stats, nil
}

// Ping reports whether the metadata store is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return newError(KindIO, "ping", err)
	}
	return nil
}

func resolveMediaType(declared string, head []byte) (string, models.MediaTypeSource) {
	if mt := models.NormalizeMediaType(declared); mt != "" {
		return mt, models.MediaTypeSourceDeclared
	}
	if len(head) == 0 {
		return models.DefaultMediaType, models.MediaTypeSourceSniffed
	}
	return models.NormalizeMediaType(http.DetectContentType(head)), models.MediaTypeSourceSniffed
}

func blobErrorKind(err error) Kind {
	switch {
	case errors.Is(err, blobstore.ErrStorageFull):
		return KindStorageFull
	case errors.Is(err, blobstore.ErrDigestMismatch):
		return KindInconsistent
	default:
		return KindIO
	}
}
