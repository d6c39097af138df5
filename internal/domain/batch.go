package domain

import "context"

// Batch is one unit of work pulled from a detection feed. Rejected holds
// entries the source could not even decode; they are counted as malformed.
// Commit acknowledges the batch to the source once it has been ingested and
// may be nil for sources without acknowledgement.
type Batch struct {
	Detections []RawDetection
	Rejected   []error
	Commit     func(ctx context.Context) error
}

// Len is the number of entries the source delivered.
func (b Batch) Len() int {
	return len(b.Detections) + len(b.Rejected)
}
