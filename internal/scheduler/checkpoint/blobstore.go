package checkpoint

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// BlobStore is the durable backend for checkpoint snapshots. Checkpoints are
// addressed by (job id, sequence) and never overwritten; durability and
// replication are the store's responsibility. Implementations must be safe
// for concurrent writers across distinct job ids.
type BlobStore interface {
	// Put stores one checkpoint. Returns *aimaerrors.ErrAlreadyExists if a
	// checkpoint with the same (job id, sequence) already exists.
	Put(checkpoint *schedulerobjects.Checkpoint) error
	// GetLatest returns the checkpoint with the highest sequence number for
	// the job, or nil if the job has no checkpoints.
	GetLatest(jobId string) (*schedulerobjects.Checkpoint, error)
	// List returns all checkpoints for the job, ascending by sequence.
	List(jobId string) ([]*schedulerobjects.Checkpoint, error)
}

// MemoryBlobStore is an in-process BlobStore used in tests and as a fallback
// when no durable store is configured.
type MemoryBlobStore struct {
	mutex       sync.RWMutex
	checkpoints map[string][]*schedulerobjects.Checkpoint
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{checkpoints: map[string][]*schedulerobjects.Checkpoint{}}
}

func (s *MemoryBlobStore) Put(checkpoint *schedulerobjects.Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.checkpoints[checkpoint.JobId] {
		if existing.Sequence == checkpoint.Sequence {
			return errors.WithStack(&aimaerrors.ErrAlreadyExists{
				Type:  "checkpoint",
				Value: checkpoint.JobId,
			})
		}
	}
	s.checkpoints[checkpoint.JobId] = append(s.checkpoints[checkpoint.JobId], checkpoint.DeepCopy())
	return nil
}

func (s *MemoryBlobStore) GetLatest(jobId string) (*schedulerobjects.Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var latest *schedulerobjects.Checkpoint
	for _, checkpoint := range s.checkpoints[jobId] {
		if latest == nil || checkpoint.Sequence > latest.Sequence {
			latest = checkpoint
		}
	}
	return latest.DeepCopy(), nil
}

func (s *MemoryBlobStore) List(jobId string) ([]*schedulerobjects.Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	result := make([]*schedulerobjects.Checkpoint, 0, len(s.checkpoints[jobId]))
	for _, checkpoint := range s.checkpoints[jobId] {
		result = append(result, checkpoint.DeepCopy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}
