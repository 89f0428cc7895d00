package schedulerobjects

import (
	"time"

	"github.com/Paddel87/AIMA-sub000/internal/common/util"
)

type JobState string

const (
	JobQueued            JobState = "queued"
	JobScheduled         JobState = "scheduled"
	JobRunning           JobState = "running"
	JobPausedForRecovery JobState = "paused_for_recovery"
	JobCompleted         JobState = "completed"
	JobFailed            JobState = "failed"
	JobAborted           JobState = "aborted"
)

// InTerminalState returns true if no further transitions are possible.
func (s JobState) InTerminalState() bool {
	return s == JobCompleted || s == JobFailed || s == JobAborted
}

// validJobTransitions enumerates the legal lifecycle edges. Terminal states
// have no outgoing edges.
var validJobTransitions = map[JobState][]JobState{
	JobQueued:            {JobScheduled, JobAborted},
	JobScheduled:         {JobRunning, JobQueued, JobAborted, JobFailed},
	JobRunning:           {JobCompleted, JobFailed, JobAborted, JobPausedForRecovery},
	JobPausedForRecovery: {JobScheduled, JobQueued, JobFailed, JobAborted},
}

// ValidTransition returns true if moving from one state to another is legal.
func ValidTransition(from, to JobState) bool {
	for _, s := range validJobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ConfidentialityClass string

const (
	ConfidentialityPublic   ConfidentialityClass = "public"
	ConfidentialityInternal ConfidentialityClass = "internal"
	// Restricted data; must never leave the premises.
	ConfidentialityConfidential ConfidentialityClass = "confidential"
)

// AllowsCloud returns false if the class forbids off-premises execution.
func (c ConfidentialityClass) AllowsCloud() bool {
	return c != ConfidentialityConfidential
}

type PriorityTier string

const (
	PriorityCritical PriorityTier = "critical"
	PriorityHigh     PriorityTier = "high"
	PriorityNormal   PriorityTier = "normal"
	PriorityLow      PriorityTier = "low"
	PriorityBatch    PriorityTier = "batch"
)

// Weight returns the base priority weight of the tier. Unknown tiers weigh
// the same as normal.
func (t PriorityTier) Weight() float64 {
	switch t {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 50
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 5
	case PriorityBatch:
		return 1
	}
	return 10
}

// Requirements describes what a job needs from the resource that executes it.
type Requirements struct {
	MinAcceleratorMemoryMb int64
	Confidentiality        ConfidentialityClass
	Priority               PriorityTier
	// Optional completion deadline; nil if the job has none.
	Deadline *time.Time
	// Size of the input payload in MB, used by the data-locality gate.
	PayloadSizeMb int64
	// Tier already holding the input payload.
	DataLocality Locality
	// Resource-heavy jobs checkpoint at a shorter interval.
	ResourceHeavy bool
	// Opaque reference to the analysis task payload.
	PayloadRef string
}

// FailureInfo records why a job reached a terminal failed state. Retained on
// the job so an operator can decide whether to resume it.
type FailureInfo struct {
	Classification string
	Message        string
	FailedAt       time.Time
}

// Job is one unit of analysis work submitted for execution.
type Job struct {
	Id           string
	Requirements Requirements
	State        JobState
	QueuedAt     time.Time
	// QueuedAtNanos mirrors QueuedAt for index ordering.
	QueuedAtNanos int64
	// Number of execution attempts so far; monotonically non-decreasing
	// within one job lineage.
	RetryCount int
	// Sequence number of the latest checkpoint, 0 if none exists yet.
	LatestCheckpointSeq int64
	// Id of the resource currently assigned, empty if none. A job has at
	// most one assigned resource at any instant.
	AssignedResourceId string
	// Progress fraction in [0,1], updated from checkpoints.
	Progress float64
	// Sub-phases the job has completed so far.
	CompletedPhases []string
	// Populated on terminal failure.
	Failure *FailureInfo
	// Populated on abort.
	AbortReason string
}

// DeepCopy deep copies the job. Needed because jobs stored in the job db
// must not be modified in-place.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	result := *job
	result.CompletedPhases = util.DeepCopyStrings(job.CompletedPhases)
	if job.Requirements.Deadline != nil {
		deadline := *job.Requirements.Deadline
		result.Requirements.Deadline = &deadline
	}
	if job.Failure != nil {
		failure := *job.Failure
		result.Failure = &failure
	}
	return &result
}
