package scheduler

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/common/events"
	"github.com/Paddel87/AIMA-sub000/internal/common/util"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/allocation"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/checkpoint"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/jobdb"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// JobPersister persists job records so the scheduler survives process
// restarts.
type JobPersister interface {
	UpsertJob(job *schedulerobjects.Job) error
}

// Scheduler owns the pending-job queue and drives job lifecycle transitions.
// Each scheduling cycle re-sorts the pending set by effective priority and
// attempts placement for each job in order via the allocator.
type Scheduler struct {
	config      configuration.SchedulingConfig
	clock       clock.Clock
	jobDb       *jobdb.JobDb
	allocator   *allocation.Allocator
	executor    *Executor
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	persister   JobPersister
	sink        events.Sink
	// Notified whenever a job reaches a terminal state, e.g., so the fault
	// tolerance manager can drop its per-job bookkeeping.
	onFinished func(jobId string)

	// Serializes lifecycle transitions.
	mutex sync.Mutex
	// Per-job placement constraints carried across recovery requeues.
	placementOpts map[string]allocation.Options
	// Signalled when resources become available, to trigger an extra
	// scheduling cycle between periodic ones.
	triggerCh chan struct{}
}

func NewScheduler(
	config configuration.SchedulingConfig,
	clk clock.Clock,
	db *jobdb.JobDb,
	reg *registry.Registry,
	checkpoints *checkpoint.Store,
	persister JobPersister,
	sink events.Sink,
) *Scheduler {
	return &Scheduler{
		config:        config,
		clock:         clk,
		jobDb:         db,
		registry:      reg,
		checkpoints:   checkpoints,
		persister:     persister,
		sink:          sink,
		placementOpts: map[string]allocation.Options{},
		triggerCh:     make(chan struct{}, 1),
	}
}

// Bind wires the allocator and executor. Separate from the constructor
// because the allocator needs the scheduler's queue stats and the executor
// reports back into the scheduler.
func (s *Scheduler) Bind(allocator *allocation.Allocator, executor *Executor) {
	s.allocator = allocator
	s.executor = executor
	executor.onSuccess = s.onJobSucceeded
	executor.onAborted = s.onJobAborted
	executor.onCheckpoint = s.onCheckpointWritten
}

// OnExecutionFailure routes executor failures, normally into the fault
// tolerance manager.
func (s *Scheduler) OnExecutionFailure(handler func(jobId string, resourceId string, message string)) {
	s.executor.onFailure = handler
}

// OnJobFinished registers a handler invoked once per job reaching a terminal
// state.
func (s *Scheduler) OnJobFinished(handler func(jobId string)) {
	s.onFinished = handler
}

func (s *Scheduler) notifyFinished(jobId string) {
	if s.onFinished != nil {
		s.onFinished(jobId)
	}
}

// Submit validates a job descriptor and enqueues the job. Returns the new
// job id.
func (s *Scheduler) Submit(req schedulerobjects.Requirements) (string, error) {
	if err := validateRequirements(&req); err != nil {
		return "", err
	}
	now := s.clock.Now()
	job := &schedulerobjects.Job{
		Id:           util.NewULID(),
		Requirements: req,
		State:        schedulerobjects.JobQueued,
		QueuedAt:     now,
	}

	s.mutex.Lock()
	txn := s.jobDb.WriteTxn()
	defer txn.Abort()
	if err := s.jobDb.Upsert(txn, job); err != nil {
		s.mutex.Unlock()
		return "", err
	}
	txn.Commit()
	s.mutex.Unlock()

	s.persist(job)
	s.emit(events.Event{Type: events.JobQueued, Created: now, JobId: job.Id})
	s.TriggerCycle()
	return job.Id, nil
}

// ScheduleCycle attempts to place the pending jobs in effective-priority
// order. Jobs with no eligible resource stay queued for the next cycle. If
// configured, placing a critical-priority job consumes the remainder of the
// cycle's attention.
func (s *Scheduler) ScheduleCycle() {
	txn := s.jobDb.ReadTxn()
	queued, err := s.jobDb.GetByState(txn, schedulerobjects.JobQueued)
	if err != nil {
		log.Errorf("scheduling cycle failed to list queued jobs: %v", err)
		return
	}
	if len(queued) == 0 {
		return
	}

	now := s.clock.Now()
	type ranked struct {
		job      *schedulerobjects.Job
		priority float64
	}
	pending := make([]ranked, len(queued))
	for i, job := range queued {
		pending[i] = ranked{job: job, priority: EffectivePriority(job, now, s.config)}
	}
	slices.SortFunc(pending, func(a, b ranked) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.job.QueuedAt.Before(b.job.QueuedAt)
	})

	for _, entry := range pending {
		job := entry.job
		s.mutex.Lock()
		opts := s.placementOpts[job.Id]
		s.mutex.Unlock()

		resourceId, err := s.allocator.PlaceJobWithOptions(job, opts)
		if err != nil {
			var noEligible *aimaerrors.ErrNoEligibleResource
			if errors.As(err, &noEligible) {
				// Left queued; try again next cycle.
				continue
			}
			log.Errorf("placement of job %s failed: %v", job.Id, err)
			continue
		}
		if err := s.startJob(job.Id, resourceId); err != nil {
			log.Errorf("failed to start job %s on %s: %v", job.Id, resourceId, err)
			if releaseErr := s.registry.Release(resourceId); releaseErr != nil {
				log.Errorf("failed to release resource %s: %v", resourceId, releaseErr)
			}
			continue
		}
		if s.config.StopCycleAfterCriticalJob && job.Requirements.Priority == schedulerobjects.PriorityCritical {
			// Placing a critical job consumes the rest of this cycle's
			// attention.
			break
		}
	}
}

// TriggerCycle requests an extra scheduling cycle, e.g., after a resource
// became available. Non-blocking; coalesces with pending triggers.
func (s *Scheduler) TriggerCycle() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Triggers exposes the channel carrying extra-cycle requests.
func (s *Scheduler) Triggers() <-chan struct{} {
	return s.triggerCh
}

// QueueDepth returns the number of queued jobs. Implements
// allocation.QueueStats.
func (s *Scheduler) QueueDepth() int {
	txn := s.jobDb.ReadTxn()
	queued, err := s.jobDb.GetByState(txn, schedulerobjects.JobQueued)
	if err != nil {
		return 0
	}
	return len(queued)
}

// startJob transitions queued -> scheduled -> running and hands the job to
// the executor.
func (s *Scheduler) startJob(jobId string, resourceId string) error {
	resource, err := s.registry.GetById(resourceId)
	if err != nil {
		return err
	}
	if resource == nil {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "resource", Value: resourceId})
	}

	err = s.transition(jobId, func(job *schedulerobjects.Job) error {
		if job.State != schedulerobjects.JobQueued {
			return errors.Errorf("job %s is %s, expected queued", jobId, job.State)
		}
		job.State = schedulerobjects.JobScheduled
		job.AssignedResourceId = resourceId
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(events.Event{Type: events.JobScheduled, Created: s.clock.Now(), JobId: jobId, ResourceId: resourceId})

	var started *schedulerobjects.Job
	err = s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobRunning
		started = job
		return nil
	})
	if err != nil {
		return err
	}

	s.mutex.Lock()
	delete(s.placementOpts, jobId)
	s.mutex.Unlock()

	if err := s.registry.MarkBusy(resourceId); err != nil {
		log.Errorf("failed to mark resource %s busy: %v", resourceId, err)
	}
	s.executor.Start(started.DeepCopy(), resource)
	s.emit(events.Event{Type: events.JobRunning, Created: s.clock.Now(), JobId: jobId, ResourceId: resourceId})
	return nil
}

func (s *Scheduler) onJobSucceeded(jobId string, progress float64) {
	err := s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobCompleted
		job.Progress = progress
		job.AssignedResourceId = ""
		return nil
	})
	if err != nil {
		log.Errorf("failed to complete job %s: %v", jobId, err)
		return
	}
	s.emit(events.Event{Type: events.JobCompleted, Created: s.clock.Now(), JobId: jobId})
	s.notifyFinished(jobId)
	s.TriggerCycle()
}

func (s *Scheduler) onJobAborted(jobId string, reason string, progress float64) {
	err := s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.State = schedulerobjects.JobAborted
		job.Progress = progress
		job.AbortReason = reason
		job.AssignedResourceId = ""
		return nil
	})
	if err != nil {
		log.Errorf("failed to mark job %s aborted: %v", jobId, err)
		return
	}
	s.emit(events.Event{
		Type:    events.JobAborted,
		Created: s.clock.Now(),
		JobId:   jobId,
		Details: map[string]string{"reason": reason},
	})
	s.notifyFinished(jobId)
	s.TriggerCycle()
}

func (s *Scheduler) onCheckpointWritten(jobId string, sequence int64, progress float64, phases []string) {
	err := s.transition(jobId, func(job *schedulerobjects.Job) error {
		job.LatestCheckpointSeq = sequence
		job.Progress = progress
		job.CompletedPhases = phases
		return nil
	})
	if err != nil {
		log.Errorf("failed to record checkpoint %d of job %s: %v", sequence, jobId, err)
	}
}

// transition applies mutate to a deep copy of the job under the scheduler
// lock, upserts it and persists it.
func (s *Scheduler) transition(jobId string, mutate func(*schedulerobjects.Job) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	txn := s.jobDb.WriteTxn()
	defer txn.Abort()
	job, err := s.jobDb.GetById(txn, jobId)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	updated := job.DeepCopy()
	if err := mutate(updated); err != nil {
		return err
	}
	if job.State != updated.State && !schedulerobjects.ValidTransition(job.State, updated.State) {
		return errors.Errorf("illegal job transition %s -> %s for job %s", job.State, updated.State, jobId)
	}
	if err := s.jobDb.Upsert(txn, updated); err != nil {
		return err
	}
	txn.Commit()
	s.persist(updated)
	return nil
}

func (s *Scheduler) persist(job *schedulerobjects.Job) {
	if s.persister == nil {
		return
	}
	if err := s.persister.UpsertJob(job); err != nil {
		log.Errorf("failed to persist job %s: %v", job.Id, err)
	}
}

func (s *Scheduler) emit(event events.Event) {
	if s.sink != nil {
		s.sink.Send(event)
	}
}

func validateRequirements(req *schedulerobjects.Requirements) error {
	var result *multierror.Error
	if req.MinAcceleratorMemoryMb <= 0 {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "minAcceleratorMemoryMb", Value: req.MinAcceleratorMemoryMb, Message: "must be positive",
		})
	}
	switch req.Confidentiality {
	case schedulerobjects.ConfidentialityPublic,
		schedulerobjects.ConfidentialityInternal,
		schedulerobjects.ConfidentialityConfidential:
	default:
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "confidentiality", Value: string(req.Confidentiality), Message: "unknown confidentiality class",
		})
	}
	switch req.Priority {
	case schedulerobjects.PriorityCritical, schedulerobjects.PriorityHigh,
		schedulerobjects.PriorityNormal, schedulerobjects.PriorityLow,
		schedulerobjects.PriorityBatch:
	default:
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "priority", Value: string(req.Priority), Message: "unknown priority tier",
		})
	}
	return errors.WithStack(result.ErrorOrNil())
}
