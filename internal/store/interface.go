package store

import (
	"context"

	"dedupstore/internal/models"
)

// LedgerStore tracks per-digest reference counts.
type LedgerStore interface {
	RefCount(ctx context.Context, digest string) (int64, error)
	GetBlob(ctx context.Context, digest string) (*models.BlobEntry, error)
	ListZeroRefBlobs(ctx context.Context, limit int) ([]models.BlobEntry, error)
	ListBlobs(ctx context.Context) ([]models.BlobEntry, error)
	ForgetBlob(ctx context.Context, digest string) (bool, error)
	RecountRefs(ctx context.Context, apply bool) ([]RefDrift, error)
}

// RegistryStore reads file records. Writes go through UploadCommitter.
type RegistryStore interface {
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	ListFiles(ctx context.Context, filter FileFilter) ([]models.FileRecord, error)
	CountFiles(ctx context.Context, filter FileFilter) (int64, error)
	ListFilesByDigest(ctx context.Context, digest string) ([]models.FileRecord, error)
	ListDanglingFiles(ctx context.Context) ([]models.FileRecord, error)
}

// UploadCommitter applies registry and ledger changes as single transactions.
type UploadCommitter interface {
	CommitUpload(ctx context.Context, blob models.BlobEntry, file *models.FileRecord) (int64, error)
	CommitDelete(ctx context.Context, id string) (*models.FileRecord, int64, error)
}

// FileStore is everything the dedup coordinator needs from metadata storage.
type FileStore interface {
	LedgerStore
	RegistryStore
	UploadCommitter
	StatsSnapshot(ctx context.Context) (models.StorageStats, error)
	Ping(ctx context.Context) error
}

var _ FileStore = (*Store)(nil)
