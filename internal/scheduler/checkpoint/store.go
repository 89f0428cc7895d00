package checkpoint

import (
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// Store sits in front of a BlobStore and enforces the checkpoint lifecycle:
// sequence numbers per job are assigned here and strictly increase, writes
// are asynchronous so the executing job never blocks beyond enqueuing the
// snapshot, and a failed write is logged and superseded by the next one.
// Single writer per job id; safe for concurrent writers across jobs.
type Store struct {
	blobs  BlobStore
	config configuration.CheckpointConfig
	clock  clock.Clock

	// Latest checkpoint per job, so recovery does not hit the blob store on
	// the hot path.
	cache *lru.Cache

	mutex   sync.Mutex
	lastSeq map[string]int64

	writeCh  chan *schedulerobjects.Checkpoint
	stopOnce sync.Once
	done     chan struct{}
}

func NewStore(config configuration.CheckpointConfig, blobs BlobStore, clk clock.Clock) (*Store, error) {
	cache, err := lru.New(config.CacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &Store{
		blobs:   blobs,
		config:  config,
		clock:   clk,
		cache:   cache,
		lastSeq: map[string]int64{},
		writeCh: make(chan *schedulerobjects.Checkpoint, config.WriteQueueSize),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Write snapshots a job's progress. The sequence number is assigned here and
// the durable write happens asynchronously; Write itself only enqueues.
// Returns the assigned sequence number.
func (s *Store) Write(jobId string, progress float64, completedPhases []string, blob []byte) (int64, error) {
	s.mutex.Lock()
	seq, err := s.nextSequenceUnlocked(jobId)
	if err != nil {
		s.mutex.Unlock()
		return 0, err
	}
	checkpoint := &schedulerobjects.Checkpoint{
		JobId:           jobId,
		Sequence:        seq,
		CreatedAt:       s.clock.Now(),
		Progress:        progress,
		CompletedPhases: completedPhases,
		Blob:            blob,
	}
	s.lastSeq[jobId] = seq
	s.mutex.Unlock()

	// The cache is updated before the durable write so that recovery sees
	// the newest snapshot even while the write is in flight.
	s.cache.Add(jobId, checkpoint.DeepCopy())

	select {
	case s.writeCh <- checkpoint:
	default:
		// The queue is full. Dropping is safe: the next checkpoint
		// supersedes this one.
		log.WithField("jobId", jobId).WithField("sequence", seq).
			Warn("checkpoint write queue full, snapshot dropped")
	}
	return seq, nil
}

// Latest returns the checkpoint with the highest sequence number for the
// job. Returns *aimaerrors.ErrNotFound if the job has never checkpointed.
func (s *Store) Latest(jobId string) (*schedulerobjects.Checkpoint, error) {
	if cached, ok := s.cache.Get(jobId); ok {
		return cached.(*schedulerobjects.Checkpoint).DeepCopy(), nil
	}
	checkpoint, err := s.blobs.GetLatest(jobId)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, errors.WithStack(&aimaerrors.ErrNotFound{Type: "checkpoint", Value: jobId})
	}
	s.cache.Add(jobId, checkpoint.DeepCopy())
	return checkpoint, nil
}

// List returns all retained checkpoints for the job, ascending by sequence.
func (s *Store) List(jobId string) ([]*schedulerobjects.Checkpoint, error) {
	return s.blobs.List(jobId)
}

// Stop drains the write queue and stops the background writer.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.writeCh)
		<-s.done
	})
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for checkpoint := range s.writeCh {
		err := retry.Do(
			func() error { return s.blobs.Put(checkpoint) },
			retry.Attempts(uint(s.config.WriteRetries)),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			var alreadyExists *aimaerrors.ErrAlreadyExists
			if errors.As(err, &alreadyExists) {
				// A restart raced a still-buffered write; the stored
				// snapshot wins.
				continue
			}
			// A failed write never aborts the job; the next checkpoint
			// attempt supersedes it.
			log.WithField("jobId", checkpoint.JobId).
				WithField("sequence", checkpoint.Sequence).
				Errorf("asynchronous checkpoint write failed: %v", err)
		}
	}
}

// nextSequenceUnlocked returns the next sequence number for the job, seeding
// from the blob store after a restart.
func (s *Store) nextSequenceUnlocked(jobId string) (int64, error) {
	if last, ok := s.lastSeq[jobId]; ok {
		return last + 1, nil
	}
	latest, err := s.blobs.GetLatest(jobId)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 1, nil
	}
	return latest.Sequence + 1, nil
}

// NextInterval returns the checkpoint interval to apply to a job, honoring
// the resource-heavy reduction and the hard floor.
func (s *Store) NextInterval(resourceHeavy bool) time.Duration {
	interval := s.config.Interval
	if resourceHeavy {
		interval = s.config.ResourceHeavyInterval
	}
	if interval < s.config.MinInterval {
		interval = s.config.MinInterval
	}
	return interval
}

// Milestones returns the progress milestones that trigger a checkpoint when
// crossed.
func (s *Store) Milestones() []float64 {
	return s.config.Milestones
}
