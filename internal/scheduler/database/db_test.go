package database

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

func openTestDb(t *testing.T) *DB {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobRoundtrip(t *testing.T) {
	db := openTestDb(t)
	deadline := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &schedulerobjects.Job{
		Id: "job-1",
		Requirements: schedulerobjects.Requirements{
			MinAcceleratorMemoryMb: 16384,
			Confidentiality:        schedulerobjects.ConfidentialityConfidential,
			Priority:               schedulerobjects.PriorityHigh,
			Deadline:               &deadline,
		},
		State:           schedulerobjects.JobQueued,
		QueuedAt:        time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		RetryCount:      2,
		CompletedPhases: []string{"decode", "analyze"},
	}
	require.NoError(t, db.UpsertJob(job))

	// Upsert replaces the record under the same id.
	job.State = schedulerobjects.JobRunning
	require.NoError(t, db.UpsertJob(job))

	loaded, err := db.LoadJobs()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, job.Id, loaded[0].Id)
	assert.Equal(t, schedulerobjects.JobRunning, loaded[0].State)
	assert.Equal(t, 2, loaded[0].RetryCount)
	assert.Equal(t, []string{"decode", "analyze"}, loaded[0].CompletedPhases)
	require.NotNil(t, loaded[0].Requirements.Deadline)
	assert.True(t, deadline.Equal(*loaded[0].Requirements.Deadline))
}

func TestResourceRoundtripAndDelete(t *testing.T) {
	db := openTestDb(t)
	resource := &schedulerobjects.Resource{
		Id:    "r1",
		Class: "gpu-24g",
		Profile: schedulerobjects.ClassProfile{
			ComputeUnits:        8,
			MemoryMb:            65536,
			AcceleratorMemoryMb: 24576,
		},
		Locality: schedulerobjects.LocalityLocal,
		State:    schedulerobjects.ResourceAvailable,
		Cleared:  true,
	}
	require.NoError(t, db.UpsertResource(resource))

	loaded, err := db.LoadResources()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, resource.Id, loaded[0].Id)
	assert.True(t, loaded[0].Cleared)

	require.NoError(t, db.DeleteResource("r1"))
	loaded, err = db.LoadResources()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestScalingDecisions_NewestFirst(t *testing.T) {
	db := openTestDb(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, db.InsertScalingDecision(&schedulerobjects.ScalingDecision{
			Id:            id,
			ResourceClass: "gpu-24g",
			Action:        schedulerobjects.ScaleUp,
			IssuedAt:      base.Add(time.Duration(i) * time.Hour),
		}))
	}

	decisions, err := db.LoadScalingDecisions(2)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "third", decisions[0].Id)
	assert.Equal(t, "second", decisions[1].Id)
}

func TestCheckpoints_AppendOnly(t *testing.T) {
	db := openTestDb(t)
	cp := &schedulerobjects.Checkpoint{
		JobId:           "job-1",
		Sequence:        1,
		CreatedAt:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Progress:        0.25,
		CompletedPhases: []string{"decode"},
		Blob:            []byte("state"),
	}
	require.NoError(t, db.Put(cp))

	err := db.Put(&schedulerobjects.Checkpoint{JobId: "job-1", Sequence: 1, Progress: 0.9})
	var exists *aimaerrors.ErrAlreadyExists
	assert.True(t, errors.As(err, &exists))
}

func TestCheckpoints_LatestAndList(t *testing.T) {
	db := openTestDb(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, db.Put(&schedulerobjects.Checkpoint{
			JobId:           "job-1",
			Sequence:        seq,
			CreatedAt:       base.Add(time.Duration(seq) * time.Minute),
			Progress:        float64(seq) / 4,
			CompletedPhases: []string{"decode"},
			Blob:            []byte{byte(seq)},
		}))
	}

	latest, err := db.GetLatest("job-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(3), latest.Sequence)
	assert.Equal(t, 0.75, latest.Progress)
	assert.Equal(t, []byte{3}, latest.Blob)

	none, err := db.GetLatest("unknown")
	require.NoError(t, err)
	assert.Nil(t, none)

	list, err := db.List("job-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, cp := range list {
		assert.Equal(t, int64(i+1), cp.Sequence)
		assert.Equal(t, []string{"decode"}, cp.CompletedPhases)
	}
}
