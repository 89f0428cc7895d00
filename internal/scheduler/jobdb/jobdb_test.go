package jobdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

func job(id string, state schedulerobjects.JobState, queuedAt time.Time) *schedulerobjects.Job {
	return &schedulerobjects.Job{Id: id, State: state, QueuedAt: queuedAt}
}

func TestUpsertAndGet(t *testing.T) {
	jobDb, err := New()
	require.NoError(t, err)
	base := time.Now()

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, job("a", schedulerobjects.JobQueued, base)))
	txn.Commit()

	read := jobDb.ReadTxn()
	got, err := jobDb.GetById(read, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Id)

	missing, err := jobDb.GetById(read, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetByState_OrderedBySubmission(t *testing.T) {
	jobDb, err := New()
	require.NoError(t, err)
	base := time.Now()

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn,
		job("late", schedulerobjects.JobQueued, base.Add(time.Hour)),
		job("early", schedulerobjects.JobQueued, base),
		job("mid", schedulerobjects.JobQueued, base.Add(time.Minute)),
		job("running", schedulerobjects.JobRunning, base),
	))
	txn.Commit()

	read := jobDb.ReadTxn()
	queued, err := jobDb.GetByState(read, schedulerobjects.JobQueued)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "early", queued[0].Id)
	assert.Equal(t, "mid", queued[1].Id)
	assert.Equal(t, "late", queued[2].Id)

	running, err := jobDb.GetByState(read, schedulerobjects.JobRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "running", running[0].Id)
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	jobDb, err := New()
	require.NoError(t, err)
	base := time.Now()

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, job("a", schedulerobjects.JobQueued, base)))
	txn.Commit()

	updated := job("a", schedulerobjects.JobRunning, base)
	txn = jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, updated))
	txn.Commit()

	read := jobDb.ReadTxn()
	got, err := jobDb.GetById(read, "a")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.JobRunning, got.State)

	queued, err := jobDb.GetByState(read, schedulerobjects.JobQueued)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestDelete(t *testing.T) {
	jobDb, err := New()
	require.NoError(t, err)

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, job("a", schedulerobjects.JobQueued, time.Now())))
	require.NoError(t, jobDb.Delete(txn, "a"))
	// Unknown ids are ignored.
	require.NoError(t, jobDb.Delete(txn, "nope"))
	txn.Commit()

	got, err := jobDb.GetById(jobDb.ReadTxn(), "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}
