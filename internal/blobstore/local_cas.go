package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"dedupstore/internal/hasher"
)

const tmpDir = "tmp"

// LocalCAS stores blob bytes in a content-addressed tree on an afero filesystem.
type LocalCAS struct {
	fs       afero.Fs
	root     string
	maxBytes int64
	used     atomic.Int64
}

// LocalOption configures a LocalCAS.
type LocalOption func(*LocalCAS)

// WithCapacity caps the total bytes the store may hold. Zero means unlimited.
func WithCapacity(maxBytes int64) LocalOption {
	return func(c *LocalCAS) {
		c.maxBytes = maxBytes
	}
}

// NewLocalCAS creates a local CAS rooted at root on fsys.
func NewLocalCAS(fsys afero.Fs, root string, opts ...LocalOption) (*LocalCAS, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local cas root is required")
	}
	root = path.Clean(strings.ReplaceAll(root, "\\", "/"))
	if err := fsys.MkdirAll(path.Join(root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("create cas root: %w", err)
	}
	c := &LocalCAS{fs: fsys, root: root}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes > 0 {
		var used int64
		err := c.Walk(context.Background(), func(_ hasher.Digest, size int64) error {
			used += size
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("measure cas usage: %w", err)
		}
		c.used.Store(used)
	}
	return c, nil
}

// NewOSLocalCAS is NewLocalCAS on the host filesystem.
func NewOSLocalCAS(root string, opts ...LocalOption) (*LocalCAS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local cas root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return NewLocalCAS(afero.NewOsFs(), filepath.ToSlash(abs), opts...)
}

func (c *LocalCAS) Name() string {
	return "local"
}

// PutIfAbsent streams r into a temp file, verifies the digest, and renames it
// into place unless a blob for digest already exists.
func (c *LocalCAS) PutIfAbsent(ctx context.Context, digest hasher.Digest, r io.Reader) (PutResult, error) {
	if r == nil {
		return 0, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst := c.blobPath(digest)
	if exists, err := c.exists(dst); err != nil {
		return 0, err
	} else if exists {
		return PutAlreadyPresent, nil
	}

	h, err := hasher.New(digest.Algorithm())
	if err != nil {
		return 0, err
	}
	tmp, err := afero.TempFile(c.fs, path.Join(c.root, tmpDir), "put-*")
	if err != nil {
		return 0, mapFSError(err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = c.fs.Remove(tmpPath)
	}

	w := h.NewWriter()
	n, err := io.Copy(io.MultiWriter(tmp, w), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		return 0, mapFSError(err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, mapFSError(err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, mapFSError(err)
	}
	if got := w.Digest(); got != digest {
		_ = c.fs.Remove(tmpPath)
		return 0, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, digest, got)
	}
	if !c.reserve(n) {
		_ = c.fs.Remove(tmpPath)
		if exists, err := c.exists(dst); err == nil && exists {
			return PutAlreadyPresent, nil
		}
		return 0, fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, c.used.Load(), c.maxBytes)
	}

	result, err := c.install(tmpPath, dst)
	if result != PutCreated {
		c.used.Add(-n)
	}
	return result, err
}

// reserve claims n bytes of capacity, failing when that would exceed the cap.
// Usage is tracked even without a cap.
func (c *LocalCAS) reserve(n int64) bool {
	for {
		used := c.used.Load()
		if c.maxBytes > 0 && used+n > c.maxBytes {
			return false
		}
		if c.used.CompareAndSwap(used, used+n) {
			return true
		}
	}
}

// install renames a verified temp file to dst, or discards it when another
// writer got there first.
func (c *LocalCAS) install(tmpPath, dst string) (PutResult, error) {
	if err := c.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		_ = c.fs.Remove(tmpPath)
		return 0, mapFSError(err)
	}
	if exists, err := c.exists(dst); err == nil && exists {
		_ = c.fs.Remove(tmpPath)
		return PutAlreadyPresent, nil
	}
	if err := c.fs.Rename(tmpPath, dst); err != nil {
		_ = c.fs.Remove(tmpPath)
		if exists, statErr := c.exists(dst); statErr == nil && exists {
			return PutAlreadyPresent, nil
		}
		return 0, mapFSError(err)
	}
	return PutCreated, nil
}

// Open returns a reader for the blob and its size.
func (c *LocalCAS) Open(ctx context.Context, digest hasher.Digest) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f, err := c.fs.Open(c.blobPath(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (c *LocalCAS) Exists(ctx context.Context, digest hasher.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.exists(c.blobPath(digest))
}

// Delete removes a blob. Missing blobs are ignored.
func (c *LocalCAS) Delete(ctx context.Context, digest hasher.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := c.blobPath(digest)
	info, statErr := c.fs.Stat(p)
	if err := c.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if statErr == nil {
		c.used.Add(-info.Size())
	}
	return nil
}

// Walk visits every stored blob. Files outside the digest layout are skipped.
func (c *LocalCAS) Walk(ctx context.Context, fn func(hasher.Digest, int64) error) error {
	tmpRoot := path.Join(c.root, tmpDir)
	return afero.Walk(c.fs, c.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p = strings.ReplaceAll(p, "\\", "/")
		if info.IsDir() {
			if p == tmpRoot {
				return fs.SkipDir
			}
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, c.root), "/")
		d, ok := digestFromKey(rel)
		if !ok {
			return nil
		}
		return fn(d, info.Size())
	})
}

// SweepTemp removes abandoned temp files older than age.
func (c *LocalCAS) SweepTemp(ctx context.Context, age time.Duration) (int, error) {
	dir := path.Join(c.root, tmpDir)
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || entry.ModTime().After(cutoff) {
			continue
		}
		if err := c.fs.Remove(path.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// UsedBytes reports the tracked payload footprint when a capacity is set.
func (c *LocalCAS) UsedBytes() int64 {
	return c.used.Load()
}

func (c *LocalCAS) blobPath(d hasher.Digest) string {
	return path.Join(c.root, digestKey(d))
}

func (c *LocalCAS) exists(p string) (bool, error) {
	_, err := c.fs.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func mapFSError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
