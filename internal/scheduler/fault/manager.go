package fault

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/allocation"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// JobController is the slice of the scheduler the fault manager drives.
type JobController interface {
	GetJob(jobId string) (*schedulerobjects.Job, error)
	// PauseForRecovery transitions a running job to paused_for_recovery.
	PauseForRecovery(jobId string, classification string, message string) error
	// ResumeOn restores the job from its latest checkpoint and starts it on
	// the already-reserved resource, incrementing the retry count.
	ResumeOn(jobId string, resourceId string) error
	// FailJob transitions the job to failed, retaining the classification
	// and the latest checkpoint reference for later inspection.
	FailJob(jobId string, classification string, message string) error
}

// Placer is the slice of the allocator the fault manager uses for failover
// placements.
type Placer interface {
	PlaceJobWithOptions(job *schedulerobjects.Job, opts allocation.Options) (string, error)
}

// Failure describes one observed execution failure.
type Failure struct {
	JobId      string
	ResourceId string
	Message    string
}

type jobFaultState struct {
	// True once an unknown failure has been absorbed as transient.
	unknownSeen bool
}

// Manager observes execution failures, classifies them and drives retry,
// local failover or cloud failover using the checkpoint store. Per failure
// event the state machine is detected -> classified -> one of
// {retry, local_failover, cloud_failover, failed}.
type Manager struct {
	config   configuration.FaultConfig
	clock    clock.Clock
	jobs     JobController
	placer   Placer
	registry *registry.Registry

	mutex sync.Mutex
	state map[string]*jobFaultState
}

func NewManager(
	config configuration.FaultConfig,
	clk clock.Clock,
	jobs JobController,
	placer Placer,
	reg *registry.Registry,
) *Manager {
	return &Manager{
		config:   config,
		clock:    clk,
		jobs:     jobs,
		placer:   placer,
		registry: reg,
		state:    map[string]*jobFaultState{},
	}
}

// HandleExecutionFailure is invoked by the executor when a running job
// fails. The failed job's resource is still reserved at this point; the
// manager decides whether to reuse or release it.
func (m *Manager) HandleExecutionFailure(failure Failure) {
	job, err := m.jobs.GetJob(failure.JobId)
	if err != nil {
		log.Errorf("cannot recover job %s: %v", failure.JobId, err)
		return
	}
	if job == nil || job.State.InTerminalState() {
		return
	}

	classification := Classify(failure.Message)
	if classification == Unknown {
		classification = m.resolveUnknown(failure.JobId)
	}
	log.WithField("jobId", failure.JobId).
		WithField("resourceId", failure.ResourceId).
		WithField("classification", classification).
		Warnf("execution failure: %s", failure.Message)

	if err := m.jobs.PauseForRecovery(failure.JobId, string(classification), failure.Message); err != nil {
		log.Errorf("failed to pause job %s for recovery: %v", failure.JobId, err)
		return
	}

	switch classification {
	case Transient:
		m.retryInPlace(job, failure)
	case Persistent:
		m.localFailover(job, failure)
	case SystemCritical:
		m.systemCriticalFailover(job, failure)
	}
}

// HandleResourceUnreachable is registered with the registry's heartbeat
// sweep. A lost resource is a system-critical failure for its holder job.
func (m *Manager) HandleResourceUnreachable(resource *schedulerobjects.Resource) {
	if resource.HolderJobId == "" {
		return
	}
	m.HandleExecutionFailure(Failure{
		JobId:      resource.HolderJobId,
		ResourceId: resource.Id,
		Message:    "host unreachable: heartbeat timeout",
	})
}

// NextRetryDelay returns the backoff before retry attempt number attempt
// (1-based): the base delay doubling per attempt, capped.
func (m *Manager) NextRetryDelay(attempt int) time.Duration {
	delay := m.config.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRetryDelay {
			return m.config.MaxRetryDelay
		}
	}
	if delay > m.config.MaxRetryDelay {
		return m.config.MaxRetryDelay
	}
	return delay
}

// retryInPlace schedules a delayed resume on the same, still-reserved
// resource. Exceeding the retry bound escalates to persistent-error
// handling.
func (m *Manager) retryInPlace(job *schedulerobjects.Job, failure Failure) {
	attempt := job.RetryCount + 1
	if attempt > m.config.MaxRetries {
		log.WithField("jobId", job.Id).
			Warnf("retry bound of %d exhausted, escalating to relocation", m.config.MaxRetries)
		m.localFailover(job, failure)
		return
	}
	delay := m.NextRetryDelay(attempt)
	log.WithField("jobId", job.Id).
		WithField("attempt", attempt).
		Infof("retrying in place after %s", delay)
	go func() {
		<-m.clock.After(delay)
		if err := m.jobs.ResumeOn(job.Id, failure.ResourceId); err != nil {
			log.Errorf("in-place retry of job %s failed: %v", job.Id, err)
			m.localFailover(job, failure)
		}
	}()
}

// localFailover relocates the job to an alternative resource of the same
// tier, restoring from the latest checkpoint. If none is available it
// escalates to cloud failover where confidentiality permits.
func (m *Manager) localFailover(job *schedulerobjects.Job, failure Failure) {
	m.releaseFailed(failure.ResourceId)

	tier := schedulerobjects.LocalityLocal
	if failed, err := m.registry.GetById(failure.ResourceId); err == nil && failed != nil {
		tier = failed.Locality
	}
	resourceId, err := m.placer.PlaceJobWithOptions(job, allocation.Options{
		Exclude:        []string{failure.ResourceId},
		Tier:           tier,
		NoProvisioning: true,
	})
	if err == nil {
		m.resumeOrFail(job, resourceId, failure)
		return
	}
	var noEligible *aimaerrors.ErrNoEligibleResource
	if !errors.As(err, &noEligible) {
		log.Errorf("failover placement for job %s failed: %v", job.Id, err)
	}
	m.cloudFailover(job, failure)
}

// systemCriticalFailover quarantines the failed resource and attempts tier
// failover.
func (m *Manager) systemCriticalFailover(job *schedulerobjects.Job, failure Failure) {
	if err := m.registry.MarkDegraded(failure.ResourceId); err != nil {
		log.Errorf("failed to quarantine resource %s: %v", failure.ResourceId, err)
	}
	if failed, err := m.registry.GetById(failure.ResourceId); err == nil && failed != nil &&
		failed.Locality == schedulerobjects.LocalityCloud {
		// A lost cloud instance can fail over within its own tier first.
		m.localFailover(job, failure)
		return
	}
	m.cloudFailover(job, failure)
}

// cloudFailover is permitted only if the job's confidentiality class allows
// off-premises execution; otherwise the job fails immediately with a
// confidentiality violation. This check is never bypassed.
func (m *Manager) cloudFailover(job *schedulerobjects.Job, failure Failure) {
	m.releaseFailed(failure.ResourceId)

	if !job.Requirements.Confidentiality.AllowsCloud() {
		violation := &aimaerrors.ErrConfidentialityViolation{
			JobId:   job.Id,
			Message: "cloud failover refused",
		}
		m.fail(job, "ConfidentialityViolation", violation.Error())
		return
	}
	resourceId, err := m.placer.PlaceJobWithOptions(job, allocation.Options{
		Exclude: []string{failure.ResourceId},
		Tier:    schedulerobjects.LocalityCloud,
	})
	if err != nil {
		m.fail(job, string(Persistent), failure.Message)
		return
	}
	m.resumeOrFail(job, resourceId, failure)
}

func (m *Manager) resumeOrFail(job *schedulerobjects.Job, resourceId string, failure Failure) {
	if err := m.jobs.ResumeOn(job.Id, resourceId); err != nil {
		log.Errorf("failed to resume job %s on %s: %v", job.Id, resourceId, err)
		m.fail(job, string(Persistent), failure.Message)
	}
}

func (m *Manager) fail(job *schedulerobjects.Job, classification string, message string) {
	if err := m.jobs.FailJob(job.Id, classification, message); err != nil {
		log.Errorf("failed to mark job %s failed: %v", job.Id, err)
	}
	m.HandleJobFinished(job.Id)
}

// HandleJobFinished drops the per-job bookkeeping once a job reaches a
// terminal state. Registered with the scheduler so completed and aborted jobs
// do not accumulate entries.
func (m *Manager) HandleJobFinished(jobId string) {
	m.mutex.Lock()
	delete(m.state, jobId)
	m.mutex.Unlock()
}

func (m *Manager) releaseFailed(resourceId string) {
	if resourceId == "" {
		return
	}
	if err := m.registry.Release(resourceId); err != nil {
		log.Errorf("failed to release resource %s: %v", resourceId, err)
	}
}

// resolveUnknown implements the unknown-failure rule: treated as transient
// exactly once per job, persistent on recurrence.
func (m *Manager) resolveUnknown(jobId string) Classification {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	state, ok := m.state[jobId]
	if !ok {
		state = &jobFaultState{}
		m.state[jobId] = state
	}
	if state.unknownSeen {
		return Persistent
	}
	state.unknownSeen = true
	return Transient
}
