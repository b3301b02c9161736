// Package hasher computes content digests used as blob storage keys.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"

	// DefaultAlgorithm is used when configuration leaves the algorithm empty.
	DefaultAlgorithm = SHA256
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(value string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return DefaultAlgorithm, nil
	case SHA256:
		return SHA256, nil
	case BLAKE2b256, "blake2b":
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", value)
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case BLAKE2b256:
		h, err := blake2b.New256(nil)
		if err != nil {
			// Only fails for keys longer than 64 bytes.
			panic(err)
		}
		return h
	default:
		return sha256.New()
	}
}

// Hasher produces digests with one fixed algorithm.
type Hasher struct {
	algo Algorithm
}

// New returns a Hasher for algo.
func New(algo Algorithm) (*Hasher, error) {
	parsed, err := ParseAlgorithm(string(algo))
	if err != nil {
		return nil, err
	}
	return &Hasher{algo: parsed}, nil
}

// Algorithm reports the configured algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

// Sum consumes r to EOF and returns its digest and length.
// A read error yields no digest.
func (h *Hasher) Sum(r io.Reader) (Digest, int64, error) {
	w := h.NewWriter()
	n, err := io.Copy(w, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash payload: %w", err)
	}
	return w.Digest(), n, nil
}

// Bytes is a convenience wrapper around Sum for in-memory payloads.
func (h *Hasher) Bytes(p []byte) Digest {
	w := h.NewWriter()
	_, _ = w.Write(p)
	return w.Digest()
}

// NewWriter returns a streaming digest writer.
func (h *Hasher) NewWriter() *Writer {
	return &Writer{algo: h.algo, h: h.algo.newHash()}
}

// Writer accumulates a digest over everything written to it.
type Writer struct {
	algo Algorithm
	h    hash.Hash
	n    int64
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.n
}

// Digest returns the digest of the bytes written so far.
func (w *Writer) Digest() Digest {
	return Digest(string(w.algo) + ":" + hex.EncodeToString(w.h.Sum(nil)))
}
