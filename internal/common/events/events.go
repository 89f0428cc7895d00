package events

import (
	"time"
)

type EventType string

const (
	JobQueued             EventType = "job_queued"
	JobScheduled          EventType = "job_scheduled"
	JobRunning            EventType = "job_running"
	JobCompleted          EventType = "job_completed"
	JobFailed             EventType = "job_failed"
	JobAborted            EventType = "job_aborted"
	JobRecovering         EventType = "job_recovering"
	ScalingDecisionIssued EventType = "scaling_decision_issued"
	ResourceUnreachable   EventType = "resource_unreachable"
)

// Event is a notification about a state transition. Events are emitted
// fire-and-forget; consumers outside the scheduler core render them to users.
type Event struct {
	Type    EventType
	Created time.Time
	// Id of the job the event relates to, if any.
	JobId string
	// Id of the resource the event relates to, if any.
	ResourceId string
	// Resource class a scaling decision relates to, if any.
	ResourceClass string
	// Free-form details, e.g., a failure classification or abort reason.
	Details map[string]string
}

// Sink consumes events. Send must not block the caller for longer than it
// takes to enqueue the event; delivery failures are the sink's problem.
type Sink interface {
	Send(event Event)
	// Stop flushes any buffered events and releases resources.
	Stop()
}
