package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/common/events"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/allocation"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// GetJob returns a copy of the job record, including status, progress and
// the assigned resource.
func (s *Scheduler) GetJob(jobId string) (*schedulerobjects.Job, error) {
	txn := s.jobDb.ReadTxn()
	job, err := s.jobDb.GetById(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&aimaerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	return job.DeepCopy(), nil
}

// ResumptionOption is one way an operator can resume a terminal job.
type ResumptionOption struct {
	// Checkpoint to resume from; nil for the restart-from-scratch option.
	Checkpoint *schedulerobjects.Checkpoint
	// Human-readable summary of the partial result.
	PartialResultSummary string
}

// ListResumable enumerates the resumption options for a job: one per
// retained checkpoint plus a restart-from-scratch option.
func (s *Scheduler) ListResumable(jobId string) ([]ResumptionOption, error) {
	if _, err := s.GetJob(jobId); err != nil {
		return nil, err
	}
	checkpoints, err := s.checkpoints.List(jobId)
	if err != nil {
		return nil, err
	}
	options := make([]ResumptionOption, 0, len(checkpoints)+1)
	for _, cp := range checkpoints {
		options = append(options, ResumptionOption{
			Checkpoint:           cp,
			PartialResultSummary: summarize(cp),
		})
	}
	options = append(options, ResumptionOption{PartialResultSummary: "restart from scratch"})
	return options, nil
}

// Abort stops a job on an external abort signal. Running jobs are stopped
// gracefully: the executor forces a final checkpoint within the grace
// window, releases the resource and the job ends up aborted, not failed.
func (s *Scheduler) Abort(jobId string, reason string) error {
	job, err := s.GetJob(jobId)
	if err != nil {
		return err
	}
	if job.State.InTerminalState() {
		return errors.Errorf("job %s is already %s", jobId, job.State)
	}

	if job.State == schedulerobjects.JobRunning && s.executor.Abort(jobId, reason) {
		// The executor drives the rest of the abort protocol.
		return nil
	}

	// Not executing: abort directly, releasing any reservation.
	err = s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobAborted
		job.AbortReason = reason
		job.AssignedResourceId = ""
		return nil
	})
	if err != nil {
		return err
	}
	if job.AssignedResourceId != "" {
		if err := s.registry.Release(job.AssignedResourceId); err != nil {
			log.Errorf("failed to release resource %s: %v", job.AssignedResourceId, err)
		}
	}
	s.emit(events.Event{
		Type:    events.JobAborted,
		Created: s.clock.Now(),
		JobId:   jobId,
		Details: map[string]string{"reason": reason},
	})
	s.notifyFinished(jobId)
	return nil
}

// PauseForRecovery transitions a running job to paused_for_recovery,
// recording the failure classification. Part of the fault tolerance
// manager's contract.
func (s *Scheduler) PauseForRecovery(jobId string, classification string, message string) error {
	err := s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobPausedForRecovery
		job.Failure = &schedulerobjects.FailureInfo{
			Classification: classification,
			Message:        message,
			FailedAt:       s.clock.Now(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(events.Event{
		Type:    events.JobRecovering,
		Created: s.clock.Now(),
		JobId:   jobId,
		Details: map[string]string{"classification": classification},
	})
	return nil
}

// ResumeOn restores the job from its latest checkpoint and starts it on the
// already-reserved resource, carrying its retry count forward.
func (s *Scheduler) ResumeOn(jobId string, resourceId string) error {
	resource, err := s.registry.GetById(resourceId)
	if err != nil {
		return err
	}
	if resource == nil {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "resource", Value: resourceId})
	}

	var resumed *schedulerobjects.Job
	err = s.transition(jobId, func(job *schedulerobjects.Job) error {
		if job.State != schedulerobjects.JobPausedForRecovery {
			return errors.Errorf("job %s is %s, expected paused_for_recovery", jobId, job.State)
		}
		s.restoreFromCheckpoint(job)
		job.State = schedulerobjects.JobScheduled
		job.AssignedResourceId = resourceId
		job.RetryCount++
		return nil
	})
	if err != nil {
		return err
	}
	err = s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobRunning
		resumed = job
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.registry.MarkBusy(resourceId); err != nil {
		log.Errorf("failed to mark resource %s busy: %v", resourceId, err)
	}
	s.executor.Start(resumed.DeepCopy(), resource)
	s.emit(events.Event{Type: events.JobRunning, Created: s.clock.Now(), JobId: jobId, ResourceId: resourceId})
	return nil
}

// Requeue returns a paused job to the pending queue, keeping its original
// queued-at timestamp so its effective priority is preserved, and carrying
// its retry count forward. Placement constraints apply to the next attempt.
func (s *Scheduler) Requeue(jobId string, opts allocation.Options) error {
	err := s.transition(jobId, func(job *schedulerobjects.Job) error {
		if job.State != schedulerobjects.JobPausedForRecovery && job.State != schedulerobjects.JobScheduled {
			return errors.Errorf("job %s is %s, expected paused_for_recovery or scheduled", jobId, job.State)
		}
		s.restoreFromCheckpoint(job)
		job.State = schedulerobjects.JobQueued
		job.AssignedResourceId = ""
		job.RetryCount++
		return nil
	})
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.placementOpts[jobId] = opts
	s.mutex.Unlock()
	s.TriggerCycle()
	return nil
}

// FailJob transitions the job to failed, retaining the failure
// classification and the latest checkpoint reference for later inspection
// or resumption by an operator.
func (s *Scheduler) FailJob(jobId string, classification string, message string) error {
	err := s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobFailed
		job.AssignedResourceId = ""
		job.Failure = &schedulerobjects.FailureInfo{
			Classification: classification,
			Message:        message,
			FailedAt:       s.clock.Now(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(events.Event{
		Type:    events.JobFailed,
		Created: s.clock.Now(),
		JobId:   jobId,
		Details: map[string]string{"classification": classification, "message": message},
	})
	s.notifyFinished(jobId)
	s.TriggerCycle()
	return nil
}

// RecoverFromRestart re-enqueues every job that was in a non-terminal state
// when the process stopped. Jobs that were executing resume from their
// latest checkpoint.
func (s *Scheduler) RecoverFromRestart(jobs []*schedulerobjects.Job) error {
	s.mutex.Lock()
	txn := s.jobDb.WriteTxn()
	for _, job := range jobs {
		loaded := job.DeepCopy()
		switch loaded.State {
		case schedulerobjects.JobScheduled, schedulerobjects.JobRunning, schedulerobjects.JobPausedForRecovery:
			s.restoreFromCheckpoint(loaded)
			loaded.State = schedulerobjects.JobQueued
			loaded.AssignedResourceId = ""
			loaded.RetryCount++
		}
		if err := s.jobDb.Upsert(txn, loaded); err != nil {
			txn.Abort()
			s.mutex.Unlock()
			return err
		}
	}
	txn.Commit()
	s.mutex.Unlock()

	for _, job := range jobs {
		if !job.State.InTerminalState() {
			s.persistById(job.Id)
		}
	}
	s.TriggerCycle()
	return nil
}

// restoreFromCheckpoint reconstructs a job's resumable state from its
// latest checkpoint. Restoring is idempotent: the same checkpoint always
// yields the same completed-phase set and progress fraction.
func (s *Scheduler) restoreFromCheckpoint(job *schedulerobjects.Job) {
	cp, err := s.checkpoints.Latest(job.Id)
	if err != nil {
		var notFound *aimaerrors.ErrNotFound
		if !errors.As(err, &notFound) {
			log.Errorf("failed to restore job %s from checkpoint: %v", job.Id, err)
		}
		return
	}
	job.LatestCheckpointSeq = cp.Sequence
	job.Progress = cp.Progress
	job.CompletedPhases = append([]string{}, cp.CompletedPhases...)
}

func (s *Scheduler) persistById(jobId string) {
	job, err := s.GetJob(jobId)
	if err != nil {
		return
	}
	s.persist(job)
}

func summarize(cp *schedulerobjects.Checkpoint) string {
	return fmt.Sprintf("%.0f%% complete, %d phases done", cp.Progress*100, len(cp.CompletedPhases))
}
