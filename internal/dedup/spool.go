package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"dedupstore/internal/hasher"
)

const sniffLen = 512

// spooled is an upload persisted to a temp file with its digest known.
type spooled struct {
	fs     afero.Fs
	file   afero.File
	digest hasher.Digest
	size   int64
	head   []byte
}

// spool copies r into a temp file while hashing it. Nothing outside the
// spool directory is touched, so a failure here leaves no shared state.
func (c *Coordinator) spool(ctx context.Context, r io.Reader) (*spooled, error) {
	const op = "spool"
	if err := c.spoolFs.MkdirAll(c.spoolDir, 0o755); err != nil {
		return nil, newError(kindForWrite(err), op, err)
	}
	f, err := afero.TempFile(c.spoolFs, c.spoolDir, "upload-*")
	if err != nil {
		return nil, newError(kindForWrite(err), op, err)
	}
	sp := &spooled{fs: c.spoolFs, file: f}

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if c.maxUploadBytes > 0 {
		src = io.LimitReader(src, c.maxUploadBytes+1)
	}
	w := c.hasher.NewWriter()
	head := &headBuffer{limit: sniffLen}
	n, err := io.Copy(io.MultiWriter(f, w, head), src)
	if err != nil {
		sp.Close()
		var ce *copyReadError
		if errors.As(err, &ce) {
			return nil, newError(KindIO, op, fmt.Errorf("read upload: %w", ce.err))
		}
		return nil, newError(kindForWrite(err), op, err)
	}
	if c.maxUploadBytes > 0 && n > c.maxUploadBytes {
		sp.Close()
		return nil, errorf(KindPayloadTooLarge, op, "payload exceeds %d bytes", c.maxUploadBytes)
	}
	if n == 0 {
		sp.Close()
		return nil, newError(KindInvalid, op, ErrEmptyPayload)
	}
	sp.digest = w.Digest()
	sp.size = n
	sp.head = head.buf
	return sp, nil
}

// Rewind positions the spool file at its start for re-reading.
func (s *spooled) Rewind() (io.Reader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.file, nil
}

// Close releases and removes the spool file.
func (s *spooled) Close() {
	name := s.file.Name()
	_ = s.file.Close()
	_ = s.fs.Remove(name)
}

// sweepSpool removes spool files abandoned by a crashed process.
func (c *Coordinator) sweepSpool(ctx context.Context, age time.Duration) (int, error) {
	entries, err := afero.ReadDir(c.spoolFs, c.spoolDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := c.now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || entry.ModTime().After(cutoff) {
			continue
		}
		if err := c.spoolFs.Remove(path.Join(c.spoolDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func kindForWrite(err error) Kind {
	if errors.Is(err, syscall.ENOSPC) {
		return KindStorageFull
	}
	return KindIO
}

type headBuffer struct {
	buf   []byte
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		h.buf = append(h.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}

// ctxReader aborts a slow client once ctx is done and tags read failures so
// they are not confused with spool write failures.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

type copyReadError struct{ err error }

func (e *copyReadError) Error() string { return e.err.Error() }
func (e *copyReadError) Unwrap() error { return e.err }

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, &copyReadError{err: err}
	}
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &copyReadError{err: err}
	}
	return n, err
}
