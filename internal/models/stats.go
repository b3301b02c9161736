package models

// StorageStats is a point-in-time view of logical vs physical usage.
type StorageStats struct {
	TotalFiles          int64   `json:"total_files"`
	UniqueFiles         int64   `json:"unique_files"`
	TotalSizeBytes      int64   `json:"total_size_bytes"`
	SavedSizeBytes      int64   `json:"saved_size_bytes"`
	StoredSizeBytes     int64   `json:"stored_size_bytes"`
	DuplicatePercentage float64 `json:"duplicate_percentage"`
	PendingRemoval      int64   `json:"pending_removal"`
}

// ComputeDuplicatePercentage fills DuplicatePercentage from the byte totals.
func (s *StorageStats) ComputeDuplicatePercentage() {
	if s.TotalSizeBytes <= 0 {
		s.DuplicatePercentage = 0
		return
	}
	s.DuplicatePercentage = float64(s.SavedSizeBytes) / float64(s.TotalSizeBytes) * 100
}
