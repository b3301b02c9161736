package blobstore

import (
	"context"
	"errors"
	"io"

	"dedupstore/internal/hasher"
)

var (
	// ErrNotFound is returned when no blob exists for a digest.
	ErrNotFound = errors.New("blob not found")
	// ErrStorageFull is returned when the medium or configured capacity is exhausted.
	ErrStorageFull = errors.New("blob storage full")
	// ErrDigestMismatch is returned when written bytes do not hash to the claimed digest.
	ErrDigestMismatch = errors.New("blob digest mismatch")
)

// PutResult reports whether PutIfAbsent wrote a new blob.
type PutResult int

const (
	PutCreated PutResult = iota + 1
	PutAlreadyPresent
)

func (r PutResult) String() string {
	switch r {
	case PutCreated:
		return "created"
	case PutAlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// BlobStore maps a content digest to exactly one physical payload.
//
// Callers serialize PutIfAbsent and Delete per digest. Implementations still
// publish atomically so concurrent readers never see a partial payload.
type BlobStore interface {
	Name() string
	PutIfAbsent(ctx context.Context, digest hasher.Digest, r io.Reader) (PutResult, error)
	Open(ctx context.Context, digest hasher.Digest) (io.ReadCloser, int64, error)
	Exists(ctx context.Context, digest hasher.Digest) (bool, error)
	Delete(ctx context.Context, digest hasher.Digest) error
	Walk(ctx context.Context, fn func(digest hasher.Digest, size int64) error) error
}

// digestKey is the sharded relative key shared by all backends.
func digestKey(d hasher.Digest) string {
	h := d.Hex()
	return string(d.Algorithm()) + "/" + h[0:2] + "/" + h[2:4] + "/" + h
}

// digestFromKey reverses digestKey, rejecting anything that was not produced by it.
func digestFromKey(key string) (hasher.Digest, bool) {
	var parts [4]string
	n := 0
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			if n == len(parts) {
				return "", false
			}
			parts[n] = key[start:i]
			n++
			start = i + 1
		}
	}
	if n != len(parts) {
		return "", false
	}
	d, err := hasher.ParseDigest(parts[0] + ":" + parts[3])
	if err != nil {
		return "", false
	}
	if d.Hex()[0:2] != parts[1] || d.Hex()[2:4] != parts[2] {
		return "", false
	}
	return d, true
}
