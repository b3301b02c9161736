package models

import (
	"fmt"
	"strings"
	"time"
)

// MediaTypeSource records how a file's media type was determined.
type MediaTypeSource string

const (
	MediaTypeSourceDeclared MediaTypeSource = "declared"
	MediaTypeSourceSniffed  MediaTypeSource = "sniffed"
)

const (
	// DefaultMediaType is used when nothing better is known.
	DefaultMediaType = "application/octet-stream"
	maxFilenameLen   = 255
)

// FileRecord is one logical upload. Records never change after creation.
type FileRecord struct {
	ID              string          `json:"id"`
	Filename        string          `json:"filename"`
	MediaType       string          `json:"media_type"`
	MediaTypeSource MediaTypeSource `json:"media_type_source"`
	SizeBytes       int64           `json:"size_bytes"`
	Digest          string          `json:"digest"`
	CreatedAt       time.Time       `json:"created_at"`
	// RefCount is filled from the ledger on reads; it is not stored on the record.
	RefCount int64 `json:"reference_count"`
}

// NormalizeFilename trims client-supplied names down to a display-safe base name.
func NormalizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("filename is required")
	}
	if len(name) > maxFilenameLen {
		return "", fmt.Errorf("filename exceeds %d bytes", maxFilenameLen)
	}
	return name, nil
}

// NormalizeMediaType lowercases a media type and drops parameters.
func NormalizeMediaType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return value
}
