package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/checkpoint"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// ProgressReporter is handed to the task runner so the executing job can
// report progress and phase boundaries. Reports may trigger checkpoints; the
// checkpoint write itself never blocks the reporter.
type ProgressReporter interface {
	// ReportProgress updates the progress fraction in [0,1].
	ReportProgress(fraction float64)
	// PhaseCompleted records a completed sub-phase. Phase boundaries always
	// trigger a checkpoint.
	PhaseCompleted(name string)
	// Snapshot returns the opaque execution-state blob to store with the
	// next checkpoint. The runner may update it at any time.
	SetSnapshot(blob []byte)
}

// TaskRunner executes one opaque analysis task on a reserved resource. The
// scheduler core does not interpret the task payload. Run must return
// promptly once ctx is cancelled, ideally at the next safe point.
type TaskRunner interface {
	Run(ctx context.Context, job *schedulerobjects.Job, resource *schedulerobjects.Resource, reporter ProgressReporter) error
}

// attempt is one execution of one job on one resource.
type attempt struct {
	job      *schedulerobjects.Job
	resource *schedulerobjects.Resource
	cancel   context.CancelFunc
	abortCh  chan string
	// kickCh wakes the run loop for an immediate checkpoint, e.g., on a
	// phase boundary or a milestone crossing.
	kickCh     chan struct{}
	milestones []float64

	mutex sync.Mutex
	// Current progress fraction.
	progress float64
	// Progress at the last checkpoint, for milestone detection.
	checkpointedProgress float64
	completedPhases      []string
	snapshot             []byte
}

// Executor drives job execution: one goroutine per running job, each owning
// exactly one reserved resource for its duration. It owns the checkpoint
// lifecycle (periodic, phase-boundary and milestone triggers) and the
// graceful-abort protocol.
type Executor struct {
	runner      TaskRunner
	checkpoints *checkpoint.Store
	registry    *registry.Registry
	clock       clock.Clock
	gracePeriod time.Duration

	mutex    sync.Mutex
	attempts map[string]*attempt

	// Callbacks wired by the scheduler.
	onSuccess    func(jobId string, progress float64)
	onFailure    func(jobId string, resourceId string, message string)
	onAborted    func(jobId string, reason string, progress float64)
	onCheckpoint func(jobId string, sequence int64, progress float64, phases []string)
}

func NewExecutor(
	runner TaskRunner,
	checkpoints *checkpoint.Store,
	reg *registry.Registry,
	clk clock.Clock,
	config configuration.SchedulingConfig,
) *Executor {
	return &Executor{
		runner:      runner,
		checkpoints: checkpoints,
		registry:    reg,
		clock:       clk,
		gracePeriod: config.AbortGracePeriod,
		attempts:    map[string]*attempt{},
	}
}

// Start launches the job on its reserved resource. The job must already be
// in state running and hold the reservation.
func (e *Executor) Start(job *schedulerobjects.Job, resource *schedulerobjects.Resource) {
	a := &attempt{
		job:                  job,
		resource:             resource,
		abortCh:              make(chan string, 1),
		kickCh:               make(chan struct{}, 1),
		milestones:           e.checkpoints.Milestones(),
		progress:             job.Progress,
		checkpointedProgress: job.Progress,
		completedPhases:      append([]string{}, job.CompletedPhases...),
	}
	e.mutex.Lock()
	e.attempts[job.Id] = a
	e.mutex.Unlock()
	go e.run(a)
}

// Abort requests a graceful stop: the runner is cancelled at the next safe
// point, a final checkpoint is forced, and the resource is released. If the
// runner does not stop within the grace period the resource is forcibly
// reclaimed.
func (e *Executor) Abort(jobId string, reason string) bool {
	e.mutex.Lock()
	a, ok := e.attempts[jobId]
	e.mutex.Unlock()
	if !ok {
		return false
	}
	select {
	case a.abortCh <- reason:
	default:
	}
	return true
}

// Running returns true if the executor currently owns an attempt for the
// job.
func (e *Executor) Running(jobId string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	_, ok := e.attempts[jobId]
	return ok
}

func (e *Executor) run(a *attempt) {
	defer e.remove(a.job.Id)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.runner.Run(ctx, a.job, a.resource, (*reporter)(a))
	}()

	interval := e.checkpoints.NextInterval(a.job.Requirements.ResourceHeavy)
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				// The resource stays reserved; the fault tolerance
				// manager decides its fate.
				e.onFailure(a.job.Id, a.resource.Id, err.Error())
				return
			}
			a.mutex.Lock()
			a.progress = 1
			progress := a.progress
			a.mutex.Unlock()
			e.writeCheckpoint(a)
			e.release(a.resource.Id)
			e.onSuccess(a.job.Id, progress)
			return

		case reason := <-a.abortCh:
			cancel()
			select {
			case <-done:
			case <-e.clock.After(e.gracePeriod):
				log.WithField("jobId", a.job.Id).
					Warnf("abort grace period of %s elapsed, forcibly reclaiming resource", e.gracePeriod)
			}
			// Force a final checkpoint capturing whatever partial result
			// exists, then release the resource.
			e.writeCheckpoint(a)
			e.release(a.resource.Id)
			a.mutex.Lock()
			progress := a.progress
			a.mutex.Unlock()
			e.onAborted(a.job.Id, reason, progress)
			return

		case <-a.kickCh:
			e.writeCheckpoint(a)

		case <-ticker.C():
			e.maybeCheckpoint(a)
		}
	}
}

// maybeCheckpoint writes a periodic checkpoint if progress moved since the
// last snapshot.
func (e *Executor) maybeCheckpoint(a *attempt) {
	a.mutex.Lock()
	due := a.progress > a.checkpointedProgress
	a.mutex.Unlock()
	if due {
		e.writeCheckpoint(a)
	}
}

func (e *Executor) writeCheckpoint(a *attempt) {
	a.mutex.Lock()
	progress := a.progress
	phases := append([]string{}, a.completedPhases...)
	snapshot := a.snapshot
	a.checkpointedProgress = progress
	a.mutex.Unlock()

	sequence, err := e.checkpoints.Write(a.job.Id, progress, phases, snapshot)
	if err != nil {
		// Never aborts the job; the next attempt supersedes.
		log.Errorf("checkpoint of job %s failed: %v", a.job.Id, err)
		return
	}
	if e.onCheckpoint != nil {
		e.onCheckpoint(a.job.Id, sequence, progress, phases)
	}
}

func (e *Executor) release(resourceId string) {
	if err := e.registry.Release(resourceId); err != nil {
		log.Errorf("failed to release resource %s: %v", resourceId, err)
	}
}

func (e *Executor) remove(jobId string) {
	e.mutex.Lock()
	delete(e.attempts, jobId)
	e.mutex.Unlock()
}

// reporter adapts an attempt to the ProgressReporter interface. Phase
// boundaries request an immediate checkpoint; milestone crossings are
// detected against the configured percentage milestones at the next tick.
type reporter attempt

func (r *reporter) ReportProgress(fraction float64) {
	r.mutex.Lock()
	if fraction <= r.progress {
		r.mutex.Unlock()
		return
	}
	previous := r.progress
	r.progress = fraction
	crossed := false
	for _, milestone := range r.milestones {
		if previous < milestone && fraction >= milestone {
			crossed = true
			break
		}
	}
	r.mutex.Unlock()
	if crossed {
		r.kick()
	}
}

func (r *reporter) PhaseCompleted(name string) {
	r.mutex.Lock()
	r.completedPhases = append(r.completedPhases, name)
	r.mutex.Unlock()
	r.kick()
}

func (r *reporter) kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

func (r *reporter) SetSnapshot(blob []byte) {
	r.mutex.Lock()
	r.snapshot = blob
	r.mutex.Unlock()
}
