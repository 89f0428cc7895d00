package schedulerobjects

import (
	"time"

	"github.com/Paddel87/AIMA-sub000/internal/common/util"
)

// Checkpoint is an immutable, versioned snapshot of one job's progress.
// Checkpoints are append-only: once written they are never mutated, and
// sequence numbers for a given job are strictly increasing.
type Checkpoint struct {
	JobId string
	// Monotonic per-job sequence number, starting at 1.
	Sequence  int64
	CreatedAt time.Time
	// Progress fraction in [0,1] at the time of the snapshot.
	Progress float64
	// Sub-phases completed at the time of the snapshot.
	CompletedPhases []string
	// Opaque execution-state blob.
	Blob []byte
}

func (c *Checkpoint) DeepCopy() *Checkpoint {
	if c == nil {
		return nil
	}
	result := *c
	result.CompletedPhases = util.DeepCopyStrings(c.CompletedPhases)
	if c.Blob != nil {
		result.Blob = make([]byte, len(c.Blob))
		copy(result.Blob, c.Blob)
	}
	return &result
}
