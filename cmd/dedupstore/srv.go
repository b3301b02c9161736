package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"dedupstore/internal/blobstore"
	"dedupstore/internal/config"
	"dedupstore/internal/dedup"
	"dedupstore/internal/hasher"
	"dedupstore/internal/metrics"
	"dedupstore/internal/server"
	"dedupstore/internal/store"
)

const statsScrapeTimeout = 5 * time.Second

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the dedupstore API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), cfg)
		},
	}
}

// runServer wires storage, the coordinator and metrics, then serves until
// ctx is canceled.
func runServer(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("db path is required")
	}

	logger := slog.Default().With("component", "server")

	addr, err := server.ListenAddr(cfg.APIURL)
	if err != nil {
		return err
	}
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}
	multipartMemory, err := cfg.MultipartMaxMemoryBytes()
	if err != nil {
		return err
	}
	algo, err := hasher.ParseAlgorithm(cfg.Storage.Hash)
	if err != nil {
		return err
	}
	h, err := hasher.New(algo)
	if err != nil {
		return err
	}

	logger.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := openBlobStore(cfg)
	if err != nil {
		return err
	}
	logger.Info("blob store ready", "backend", blobs.Name(), "hash", string(algo))

	m := metrics.New()
	coord, err := dedup.New(st, blobs, dedup.Options{
		Hasher:         h,
		SpoolFs:        afero.NewOsFs(),
		SpoolDir:       filepath.Join(cfg.Storage.DataDir, "spool"),
		MaxUploadBytes: maxUpload,
		Logger:         slog.Default().With("component", "dedup"),
		Recorder:       m,
	})
	if err != nil {
		return err
	}
	if err := m.RegisterStats(coord.Stats, statsScrapeTimeout); err != nil {
		return err
	}

	if cfg.Storage.ReconcileOnStart {
		res, err := coord.Reconcile(ctx, false)
		if err != nil {
			return fmt.Errorf("startup reconcile: %w", err)
		}
		logger.Info("startup reconcile finished",
			"recounted", len(res.Recounted),
			"removed_blobs", res.RemovedBlobs,
			"orphan_blobs", res.OrphanBlobs,
			"missing_blobs", len(res.MissingBlobs),
			"temp_files_removed", res.TempFilesRemoved,
		)
	}

	srv := server.New(addr, coord, logger, server.Options{
		UploadMaxBytes:     maxUpload,
		MultipartMaxMemory: multipartMemory,
		Metrics:            m,
	})
	return srv.ListenAndServe(ctx)
}

func openBlobStore(cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		return blobstore.NewS3Store(blobstore.S3Config{
			Region:   cfg.Storage.S3.Region,
			Bucket:   cfg.Storage.S3.Bucket,
			Prefix:   cfg.Storage.S3.Prefix,
			Endpoint: cfg.Storage.S3.Endpoint,
		})
	default:
		capacity, err := cfg.MaxStoreBytes()
		if err != nil {
			return nil, err
		}
		var opts []blobstore.LocalOption
		if capacity > 0 {
			opts = append(opts, blobstore.WithCapacity(capacity))
		}
		return blobstore.NewOSLocalCAS(filepath.Join(cfg.Storage.DataDir, "blobs"), opts...)
	}
}
