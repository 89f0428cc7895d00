package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/allocation"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/checkpoint"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/cloud"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/jobdb"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/scaling"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// scriptedRun is one controllable execution: the test decides when and how
// the task finishes.
type scriptedRun struct {
	reporter ProgressReporter
	finish   chan error
}

type scriptedRunner struct {
	mutex   sync.Mutex
	runs    map[string]*scriptedRun
	started chan string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		runs:    map[string]*scriptedRun{},
		started: make(chan string, 16),
	}
}

func (r *scriptedRunner) Run(
	ctx context.Context,
	job *schedulerobjects.Job,
	resource *schedulerobjects.Resource,
	reporter ProgressReporter,
) error {
	run := &scriptedRun{reporter: reporter, finish: make(chan error, 1)}
	r.mutex.Lock()
	r.runs[job.Id] = run
	r.mutex.Unlock()
	r.started <- job.Id

	select {
	case err := <-run.finish:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *scriptedRunner) get(t *testing.T, jobId string) *scriptedRun {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	run, ok := r.runs[jobId]
	require.True(t, ok, "no run for job %s", jobId)
	return run
}

func (r *scriptedRunner) waitStarted(t *testing.T) string {
	select {
	case jobId := <-r.started:
		return jobId
	case <-time.After(5 * time.Second):
		t.Fatal("no job started")
		return ""
	}
}

type fixture struct {
	clock       *clock.FakeClock
	scheduler   *Scheduler
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	runner      *scriptedRunner

	failureMutex sync.Mutex
	failures     []string

	finishedMutex sync.Mutex
	finished      []string
}

func (f *fixture) finishedJobs() []string {
	f.finishedMutex.Lock()
	defer f.finishedMutex.Unlock()
	return append([]string{}, f.finished...)
}

func schedulingConfig() configuration.SchedulingConfig {
	return configuration.SchedulingConfig{
		CycleInterval:             30 * time.Second,
		FairnessThreshold:         30 * time.Minute,
		DeadlineWindow:            2 * time.Hour,
		StopCycleAfterCriticalJob: true,
		AbortGracePeriod:          30 * time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewFakeClock(time.Now())

	reg, err := registry.New(configuration.RegistryConfig{
		HeartbeatInterval:          30 * time.Second,
		HeartbeatTimeoutMultiplier: 3,
	}, clk, nil, nil)
	require.NoError(t, err)

	checkpoints, err := checkpoint.NewStore(configuration.CheckpointConfig{
		Interval:              5 * time.Minute,
		ResourceHeavyInterval: 2 * time.Minute,
		MinInterval:           30 * time.Second,
		Milestones:            []float64{0.25, 0.5, 0.75, 0.9},
		WriteRetries:          3,
		WriteQueueSize:        16,
		CacheSize:             16,
	}, checkpoint.NewMemoryBlobStore(), clk)
	require.NoError(t, err)
	t.Cleanup(checkpoints.Stop)

	db, err := jobdb.New()
	require.NoError(t, err)

	f := &fixture{clock: clk, registry: reg, checkpoints: checkpoints, runner: newScriptedRunner()}
	f.scheduler = NewScheduler(schedulingConfig(), clk, db, reg, checkpoints, nil, nil)

	decisions := scaling.NewDecisionMaker(configuration.ScalingConfig{
		UpThreshold: 0.8, DownThreshold: 0.3, MinDurationPoints: 3,
		MinConfidence: 0.7, CooldownWindow: 30 * time.Minute, MaxChangeFraction: 0.5,
	}, clk, nil, nil)
	provider := cloud.NewStaticProvider(configuration.CloudConfig{Provider: "aima-cloud"})
	allocator := allocation.NewAllocator(configuration.AllocationConfig{
		UrgentQueueWaitThreshold: 10 * time.Minute,
		EstimatedJobDuration:     20 * time.Minute,
		DataLocalityPayloadMb:    2048,
		TransferBandwidthMbps:    50,
		CostToleranceMargin:      0.15,
		LocalCostPerUnit:         1.0,
		CloudCostPerUnit:         1.2,
		ReservationRetries:       3,
	}, reg, decisions, provider, f.scheduler)

	executor := NewExecutor(f.runner, checkpoints, reg, clk, schedulingConfig())
	f.scheduler.Bind(allocator, executor)
	f.scheduler.OnExecutionFailure(func(jobId string, resourceId string, message string) {
		f.failureMutex.Lock()
		f.failures = append(f.failures, message)
		f.failureMutex.Unlock()
	})
	f.scheduler.OnJobFinished(func(jobId string) {
		f.finishedMutex.Lock()
		f.finished = append(f.finished, jobId)
		f.finishedMutex.Unlock()
	})
	return f
}

func (f *fixture) registerResource(t *testing.T, id string) {
	_, err := f.registry.Register(&schedulerobjects.Resource{
		Id:    id,
		Class: "gpu-24g",
		Profile: schedulerobjects.ClassProfile{
			ComputeUnits:        8,
			MemoryMb:            65536,
			AcceleratorMemoryMb: 24576,
		},
		Locality: schedulerobjects.LocalityLocal,
		Cleared:  true,
	})
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, priority schedulerobjects.PriorityTier) string {
	jobId, err := f.scheduler.Submit(schedulerobjects.Requirements{
		MinAcceleratorMemoryMb: 16384,
		Confidentiality:        schedulerobjects.ConfidentialityInternal,
		Priority:               priority,
	})
	require.NoError(t, err)
	return jobId
}

func (f *fixture) jobState(t *testing.T, jobId string) schedulerobjects.JobState {
	job, err := f.scheduler.GetJob(jobId)
	require.NoError(t, err)
	return job.State
}

func TestSubmit_RejectsInvalidRequirements(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.Submit(schedulerobjects.Requirements{
		MinAcceleratorMemoryMb: 0,
		Confidentiality:        "secretish",
		Priority:               "urgent-ish",
	})
	require.Error(t, err)
	var invalid *aimaerrors.ErrInvalidDescriptor
	assert.True(t, errors.As(err, &invalid))
}

func TestScheduleCycle_PlacesAndRuns(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	assert.Equal(t, schedulerobjects.JobQueued, f.jobState(t, jobId))

	f.scheduler.ScheduleCycle()
	assert.Equal(t, jobId, f.runner.waitStarted(t))

	job, err := f.scheduler.GetJob(jobId)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.JobRunning, job.State)
	assert.Equal(t, "r1", job.AssignedResourceId)

	resource, err := f.registry.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceBusy, resource.State)
}

func TestJobCompletion_ReleasesResource(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	f.scheduler.ScheduleCycle()
	f.runner.waitStarted(t)

	run := f.runner.get(t, jobId)
	run.reporter.ReportProgress(0.9)
	run.finish <- nil

	require.Eventually(t, func() bool {
		return f.jobState(t, jobId) == schedulerobjects.JobCompleted
	}, 5*time.Second, time.Millisecond)

	job, err := f.scheduler.GetJob(jobId)
	require.NoError(t, err)
	assert.Equal(t, 1.0, job.Progress)

	resource, err := f.registry.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)

	// Completion writes a final checkpoint.
	cp, err := f.checkpoints.Latest(jobId)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cp.Progress)

	// Terminal jobs are reported to the finished handler.
	require.Eventually(t, func() bool {
		return len(f.finishedJobs()) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{jobId}, f.finishedJobs())
}

func TestAbort_GracefulWithFinalCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	f.scheduler.ScheduleCycle()
	f.runner.waitStarted(t)

	run := f.runner.get(t, jobId)
	run.reporter.ReportProgress(0.42)

	require.NoError(t, f.scheduler.Abort(jobId, "operator abort"))

	require.Eventually(t, func() bool {
		return f.jobState(t, jobId) == schedulerobjects.JobAborted
	}, 5*time.Second, time.Millisecond)

	// The partial result survives: final checkpoint at 42%, resource freed,
	// job aborted rather than failed.
	job, err := f.scheduler.GetJob(jobId)
	require.NoError(t, err)
	assert.Equal(t, "operator abort", job.AbortReason)
	assert.Equal(t, 0.42, job.Progress)

	cp, err := f.checkpoints.Latest(jobId)
	require.NoError(t, err)
	assert.Equal(t, 0.42, cp.Progress)

	resource, err := f.registry.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)
}

func TestAbort_QueuedJob(t *testing.T) {
	f := newFixture(t)
	jobId := f.submit(t, schedulerobjects.PriorityNormal)

	require.NoError(t, f.scheduler.Abort(jobId, "not needed anymore"))
	assert.Equal(t, schedulerobjects.JobAborted, f.jobState(t, jobId))
	assert.Equal(t, []string{jobId}, f.finishedJobs())

	// A second abort is rejected: the job is already terminal.
	assert.Error(t, f.scheduler.Abort(jobId, "again"))
}

func TestScheduleCycle_CriticalJobWinsAndStopsCycle(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	f.registerResource(t, "r2")

	batchId := f.submit(t, schedulerobjects.PriorityBatch)
	criticalId := f.submit(t, schedulerobjects.PriorityCritical)

	f.scheduler.ScheduleCycle()
	// The critical job is placed first and consumes the cycle's attention,
	// so the batch job waits despite free capacity.
	assert.Equal(t, criticalId, f.runner.waitStarted(t))
	assert.Equal(t, schedulerobjects.JobQueued, f.jobState(t, batchId))

	f.scheduler.ScheduleCycle()
	assert.Equal(t, batchId, f.runner.waitStarted(t))
}

func TestScheduleCycle_NoResourcesLeavesJobQueued(t *testing.T) {
	f := newFixture(t)
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	f.scheduler.ScheduleCycle()
	assert.Equal(t, schedulerobjects.JobQueued, f.jobState(t, jobId))
}

func TestExecutionFailure_RoutedToHandler(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	f.scheduler.ScheduleCycle()
	f.runner.waitStarted(t)

	f.runner.get(t, jobId).finish <- errors.New("connection reset by peer")

	require.Eventually(t, func() bool {
		f.failureMutex.Lock()
		defer f.failureMutex.Unlock()
		return len(f.failures) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "connection reset by peer", f.failures[0])

	// The resource stays held until the fault tolerance manager decides.
	resource, err := f.registry.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceBusy, resource.State)
}

func TestRequeue_PreservesQueuePosition(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	original, err := f.scheduler.GetJob(jobId)
	require.NoError(t, err)

	f.scheduler.ScheduleCycle()
	f.runner.waitStarted(t)
	require.NoError(t, f.scheduler.PauseForRecovery(jobId, "persistent", "permission denied"))
	require.NoError(t, f.scheduler.Requeue(jobId, allocation.Options{Exclude: []string{"r1"}}))

	job, err := f.scheduler.GetJob(jobId)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.JobQueued, job.State)
	assert.Equal(t, 1, job.RetryCount)
	// The original submission time is kept so effective priority carries
	// across the recovery.
	assert.True(t, original.QueuedAt.Equal(job.QueuedAt))
	assert.Empty(t, job.AssignedResourceId)
}

func TestRecoverFromRestart(t *testing.T) {
	f := newFixture(t)
	queuedAt := time.Now().Add(-time.Hour)
	persisted := []*schedulerobjects.Job{
		{
			Id:                 "was-running",
			Requirements:       schedulerobjects.Requirements{MinAcceleratorMemoryMb: 16384, Confidentiality: schedulerobjects.ConfidentialityInternal, Priority: schedulerobjects.PriorityNormal},
			State:              schedulerobjects.JobRunning,
			QueuedAt:           queuedAt,
			AssignedResourceId: "gone",
		},
		{
			Id:           "was-done",
			Requirements: schedulerobjects.Requirements{MinAcceleratorMemoryMb: 16384, Confidentiality: schedulerobjects.ConfidentialityInternal, Priority: schedulerobjects.PriorityNormal},
			State:        schedulerobjects.JobCompleted,
			QueuedAt:     queuedAt,
		},
	}
	require.NoError(t, f.scheduler.RecoverFromRestart(persisted))

	recovered, err := f.scheduler.GetJob("was-running")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.JobQueued, recovered.State)
	assert.Equal(t, 1, recovered.RetryCount)
	assert.Empty(t, recovered.AssignedResourceId)

	done, err := f.scheduler.GetJob("was-done")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.JobCompleted, done.State)
}

func TestListResumable(t *testing.T) {
	f := newFixture(t)
	f.registerResource(t, "r1")
	jobId := f.submit(t, schedulerobjects.PriorityNormal)
	f.scheduler.ScheduleCycle()
	f.runner.waitStarted(t)

	run := f.runner.get(t, jobId)
	run.reporter.ReportProgress(0.3)
	run.reporter.PhaseCompleted("decode")

	// Wait for the phase-boundary checkpoint to land in the blob store;
	// checkpoint writes are asynchronous.
	require.Eventually(t, func() bool {
		list, err := f.checkpoints.List(jobId)
		return err == nil && len(list) >= 1 && len(list[len(list)-1].CompletedPhases) == 1
	}, 5*time.Second, time.Millisecond)

	options, err := f.scheduler.ListResumable(jobId)
	require.NoError(t, err)
	require.NotEmpty(t, options)
	// The last option is always a restart from scratch.
	assert.Nil(t, options[len(options)-1].Checkpoint)
	assert.NotNil(t, options[0].Checkpoint)
}
