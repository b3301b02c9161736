package dedup

// Recorder observes coordinator outcomes, typically for metrics.
type Recorder interface {
	UploadCommitted(duplicate bool, sizeBytes int64)
	UploadFailed(kind Kind)
	FileDeleted()
	BlobRemoved(sizeBytes int64)
	BlobRemovalFailed()
}

type noopRecorder struct{}

func (noopRecorder) UploadCommitted(bool, int64) {}
func (noopRecorder) UploadFailed(Kind)           {}
func (noopRecorder) FileDeleted()                {}
func (noopRecorder) BlobRemoved(int64)           {}
func (noopRecorder) BlobRemovalFailed()          {}
