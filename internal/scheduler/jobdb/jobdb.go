package jobdb

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

const (
	jobsTable  = "jobs"
	idIndex    = "id"    // lookup by job id
	stateIndex = "state" // lookup by lifecycle state
	orderIndex = "order" // jobs in one state ordered by submission time
)

// JobDb stores the scheduler's job records. It is implemented on top of
// https://github.com/hashicorp/go-memdb, a simple in-memory database built
// on immutable radix trees: reads run against consistent snapshots while a
// single writer mutates the db.
type JobDb struct {
	db *memdb.MemDB
}

func New() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{db: db}, nil
}

// ReadTxn returns a read-only transaction. Multiple read-only transactions
// can access the db concurrently.
func (jobDb *JobDb) ReadTxn() *memdb.Txn {
	return jobDb.db.Txn(false)
}

// WriteTxn returns a writeable transaction. Only a single write transaction
// may access the db at any given time.
func (jobDb *JobDb) WriteTxn() *memdb.Txn {
	return jobDb.db.Txn(true)
}

// Upsert inserts the given jobs, replacing existing records with the same
// id. Jobs passed to this function must not be subsequently modified.
func (jobDb *JobDb) Upsert(txn *memdb.Txn, jobs ...*schedulerobjects.Job) error {
	for _, job := range jobs {
		job.QueuedAtNanos = job.QueuedAt.UnixNano()
		if err := txn.Insert(jobsTable, job); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the job with the given id or nil if no such job exists.
// The job returned must not be subsequently modified.
func (jobDb *JobDb) GetById(txn *memdb.Txn, id string) (*schedulerobjects.Job, error) {
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*schedulerobjects.Job), nil
}

// GetByState returns all jobs in the given state, ordered by submission
// time, oldest first.
func (jobDb *JobDb) GetByState(txn *memdb.Txn, state schedulerobjects.JobState) ([]*schedulerobjects.Job, error) {
	iter, err := txn.Get(jobsTable, orderIndex+"_prefix", string(state))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*schedulerobjects.Job
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*schedulerobjects.Job))
	}
	return result, nil
}

// GetAll returns all jobs in the database.
func (jobDb *JobDb) GetAll(txn *memdb.Txn) ([]*schedulerobjects.Job, error) {
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*schedulerobjects.Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*schedulerobjects.Job))
	}
	return result, nil
}

// Delete removes the job with the given id. Ids not in the database are
// ignored.
func (jobDb *JobDb) Delete(txn *memdb.Txn, id string) error {
	job, err := jobDb.GetById(txn, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return errors.WithStack(txn.Delete(jobsTable, job))
}

func jobDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					stateIndex: {
						Name:    stateIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					orderIndex: {
						Name:   orderIndex,
						Unique: false,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "State"},
								&memdb.IntFieldIndex{Field: "QueuedAtNanos"},
							},
						},
					},
				},
			},
		},
	}
}
