package checkpoint

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

func testConfig() configuration.CheckpointConfig {
	return configuration.CheckpointConfig{
		Interval:              5 * time.Minute,
		ResourceHeavyInterval: 2 * time.Minute,
		MinInterval:           30 * time.Second,
		Milestones:            []float64{0.25, 0.5, 0.75, 0.9},
		WriteRetries:          3,
		WriteQueueSize:        16,
		CacheSize:             8,
	}
}

func newTestStore(t *testing.T, blobs BlobStore) *Store {
	s, err := NewStore(testConfig(), blobs, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	return s
}

func TestWrite_SequencesStrictlyIncrease(t *testing.T) {
	blobs := NewMemoryBlobStore()
	s := newTestStore(t, blobs)

	for i := 1; i <= 5; i++ {
		seq, err := s.Write("job-1", float64(i)/10, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}
	s.Stop()

	stored, err := blobs.List("job-1")
	require.NoError(t, err)
	require.Len(t, stored, 5)
	for i, cp := range stored {
		assert.Equal(t, int64(i+1), cp.Sequence)
	}
}

func TestLatest_ReturnsHighestSequence(t *testing.T) {
	s := newTestStore(t, NewMemoryBlobStore())

	_, err := s.Write("job-1", 0.2, []string{"decode"}, []byte("a"))
	require.NoError(t, err)
	_, err = s.Write("job-1", 0.6, []string{"decode", "analyze"}, []byte("b"))
	require.NoError(t, err)

	latest, err := s.Latest("job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Sequence)
	assert.Equal(t, 0.6, latest.Progress)
	assert.Equal(t, []string{"decode", "analyze"}, latest.CompletedPhases)
}

func TestLatest_Idempotent(t *testing.T) {
	s := newTestStore(t, NewMemoryBlobStore())
	_, err := s.Write("job-1", 0.42, []string{"decode"}, []byte("state"))
	require.NoError(t, err)

	// Restoring twice from the same checkpoint yields identical state.
	first, err := s.Latest("job-1")
	require.NoError(t, err)
	second, err := s.Latest("job-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLatest_UnknownJob(t *testing.T) {
	s := newTestStore(t, NewMemoryBlobStore())
	_, err := s.Latest("nope")
	var notFound *aimaerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
}

func TestWrite_SeedsSequenceFromBlobStore(t *testing.T) {
	blobs := NewMemoryBlobStore()
	require.NoError(t, blobs.Put(&schedulerobjects.Checkpoint{JobId: "job-1", Sequence: 7, Progress: 0.7}))

	// A fresh store after a restart continues the sequence, never reuses.
	s := newTestStore(t, blobs)
	seq, err := s.Write("job-1", 0.8, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), seq)
}

func TestWrite_ConcurrentJobs(t *testing.T) {
	blobs := NewMemoryBlobStore()
	s := newTestStore(t, blobs)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		jobId := fmt.Sprintf("job-%d", i)
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				_, err := s.Write(jobId, float64(j)/10, nil, nil)
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	s.Stop()

	for i := 0; i < 8; i++ {
		stored, err := blobs.List(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		assert.Len(t, stored, 10)
	}
}

func TestMemoryBlobStore_AppendOnly(t *testing.T) {
	blobs := NewMemoryBlobStore()
	cp := &schedulerobjects.Checkpoint{JobId: "job-1", Sequence: 1}
	require.NoError(t, blobs.Put(cp))

	err := blobs.Put(&schedulerobjects.Checkpoint{JobId: "job-1", Sequence: 1, Progress: 0.9})
	var exists *aimaerrors.ErrAlreadyExists
	assert.True(t, errors.As(err, &exists))
}

func TestNextInterval(t *testing.T) {
	s := newTestStore(t, NewMemoryBlobStore())
	assert.Equal(t, 5*time.Minute, s.NextInterval(false))
	assert.Equal(t, 2*time.Minute, s.NextInterval(true))

	// The floor applies when configuration pushes the interval too low.
	config := testConfig()
	config.ResourceHeavyInterval = 5 * time.Second
	floored, err := NewStore(config, NewMemoryBlobStore(), clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, floored.NextInterval(true))
}
