// Package database persists scheduler state in sqlite so the control loops
// are resumable processes, not session state. Job records, resource records
// and scaling-decision history are written through from the in-memory
// stores; checkpoint blobs are addressed by (job id, sequence) and never
// overwritten.
package database

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS scaling_decisions (
	id TEXT PRIMARY KEY,
	resource_class TEXT NOT NULL,
	action TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	progress REAL NOT NULL,
	phases TEXT NOT NULL,
	blob BLOB,
	PRIMARY KEY (job_id, sequence)
);
`

type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// The scheduler serializes writes per store; a single connection keeps
	// sqlite's locking out of the way.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.WithStack(err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return errors.WithStack(d.db.Close())
}

func (d *DB) UpsertJob(job *schedulerobjects.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.db.Exec(
		`INSERT INTO jobs (id, state, record) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET state = $2, record = $3`,
		job.Id, string(job.State), string(record),
	)
	return errors.WithStack(err)
}

func (d *DB) LoadJobs() ([]*schedulerobjects.Job, error) {
	rows, err := d.db.Query(`SELECT record FROM jobs`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []*schedulerobjects.Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, errors.WithStack(err)
		}
		job := &schedulerobjects.Job{}
		if err := json.Unmarshal([]byte(record), job); err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, job)
	}
	return result, errors.WithStack(rows.Err())
}

func (d *DB) UpsertResource(resource *schedulerobjects.Resource) error {
	record, err := json.Marshal(resource)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.db.Exec(
		`INSERT INTO resources (id, record) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET record = $2`,
		resource.Id, string(record),
	)
	return errors.WithStack(err)
}

func (d *DB) DeleteResource(id string) error {
	_, err := d.db.Exec(`DELETE FROM resources WHERE id = $1`, id)
	return errors.WithStack(err)
}

func (d *DB) LoadResources() ([]*schedulerobjects.Resource, error) {
	rows, err := d.db.Query(`SELECT record FROM resources`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []*schedulerobjects.Resource
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, errors.WithStack(err)
		}
		resource := &schedulerobjects.Resource{}
		if err := json.Unmarshal([]byte(record), resource); err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, resource)
	}
	return result, errors.WithStack(rows.Err())
}

func (d *DB) InsertScalingDecision(decision *schedulerobjects.ScalingDecision) error {
	record, err := json.Marshal(decision)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.db.Exec(
		`INSERT INTO scaling_decisions (id, resource_class, action, issued_at, record)
		 VALUES ($1, $2, $3, $4, $5)`,
		decision.Id, decision.ResourceClass, string(decision.Action), decision.IssuedAt, string(record),
	)
	return errors.WithStack(err)
}

// LoadScalingDecisions returns up to limit most recent decisions, newest
// first.
func (d *DB) LoadScalingDecisions(limit int) ([]*schedulerobjects.ScalingDecision, error) {
	rows, err := d.db.Query(`SELECT record FROM scaling_decisions ORDER BY issued_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []*schedulerobjects.ScalingDecision
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, errors.WithStack(err)
		}
		decision := &schedulerobjects.ScalingDecision{}
		if err := json.Unmarshal([]byte(record), decision); err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, decision)
	}
	return result, errors.WithStack(rows.Err())
}

// Put implements checkpoint.BlobStore. Checkpoints are append-only: a
// duplicate (job id, sequence) is rejected with ErrAlreadyExists.
func (d *DB) Put(cp *schedulerobjects.Checkpoint) error {
	phases, err := json.Marshal(cp.CompletedPhases)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.db.Exec(
		`INSERT INTO checkpoints (job_id, sequence, created_at, progress, phases, blob)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.JobId, cp.Sequence, cp.CreatedAt, cp.Progress, string(phases), cp.Blob,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errors.WithStack(&aimaerrors.ErrAlreadyExists{Type: "checkpoint", Value: cp.JobId})
	}
	return errors.WithStack(err)
}

// GetLatest implements checkpoint.BlobStore: the checkpoint with the highest
// sequence number, or nil if the job has none.
func (d *DB) GetLatest(jobId string) (*schedulerobjects.Checkpoint, error) {
	row := d.db.QueryRow(
		`SELECT job_id, sequence, created_at, progress, phases, blob
		 FROM checkpoints WHERE job_id = $1 ORDER BY sequence DESC LIMIT 1`,
		jobId,
	)
	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// List implements checkpoint.BlobStore, ascending by sequence.
func (d *DB) List(jobId string) ([]*schedulerobjects.Checkpoint, error) {
	rows, err := d.db.Query(
		`SELECT job_id, sequence, created_at, progress, phases, blob
		 FROM checkpoints WHERE job_id = $1 ORDER BY sequence ASC`,
		jobId,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []*schedulerobjects.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, errors.WithStack(rows.Err())
}

func scanCheckpoint(scan func(...interface{}) error) (*schedulerobjects.Checkpoint, error) {
	cp := &schedulerobjects.Checkpoint{}
	var phases string
	if err := scan(&cp.JobId, &cp.Sequence, &cp.CreatedAt, &cp.Progress, &phases, &cp.Blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.WithStack(err)
	}
	if err := json.Unmarshal([]byte(phases), &cp.CompletedPhases); err != nil {
		return nil, errors.WithStack(err)
	}
	return cp, nil
}
