package models

import "time"

// BlobEntry is the ledger row for one content digest.
//
// RefCount is the number of live file records pointing at Digest. A row with
// RefCount zero is a pending removal: its payload is being (or failed to be)
// deleted and the row is dropped once the payload is gone.
type BlobEntry struct {
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	RefCount  int64     `json:"ref_count"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingRemoval reports whether the entry is waiting for its payload to be deleted.
func (b BlobEntry) PendingRemoval() bool {
	return b.RefCount == 0
}
