package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

func priorityConfig() configuration.SchedulingConfig {
	return configuration.SchedulingConfig{
		FairnessThreshold: 30 * time.Minute,
		DeadlineWindow:    2 * time.Hour,
	}
}

func queuedJob(tier schedulerobjects.PriorityTier, queuedAt time.Time) *schedulerobjects.Job {
	return &schedulerobjects.Job{
		Id:           "job-1",
		Requirements: schedulerobjects.Requirements{Priority: tier},
		State:        schedulerobjects.JobQueued,
		QueuedAt:     queuedAt,
	}
}

func TestEffectivePriority_TierOrdering(t *testing.T) {
	now := time.Now()
	tiers := []schedulerobjects.PriorityTier{
		schedulerobjects.PriorityBatch,
		schedulerobjects.PriorityLow,
		schedulerobjects.PriorityNormal,
		schedulerobjects.PriorityHigh,
		schedulerobjects.PriorityCritical,
	}
	previous := 0.0
	for _, tier := range tiers {
		priority := EffectivePriority(queuedJob(tier, now), now, priorityConfig())
		assert.Greater(t, priority, previous, "tier %s", tier)
		previous = priority
	}
}

func TestEffectivePriority_WaitAmplification(t *testing.T) {
	now := time.Now()
	config := priorityConfig()

	// Below the fairness threshold the base weight applies unchanged.
	fresh := EffectivePriority(queuedJob(schedulerobjects.PriorityBatch, now.Add(-10*time.Minute)), now, config)
	assert.Equal(t, schedulerobjects.PriorityBatch.Weight(), fresh)

	// Past the threshold priority grows with wait time, so an old batch job
	// eventually outranks a fresh normal job.
	stale := queuedJob(schedulerobjects.PriorityBatch, now.Add(-10*time.Hour))
	staleBatch := EffectivePriority(stale, now, config)
	freshNormal := EffectivePriority(queuedJob(schedulerobjects.PriorityNormal, now), now, config)
	assert.Greater(t, staleBatch, freshNormal)

	// Strictly increasing in wait time: no job starves forever.
	older := EffectivePriority(queuedJob(schedulerobjects.PriorityBatch, now.Add(-11*time.Hour)), now, config)
	assert.Greater(t, older, staleBatch)
}

func TestEffectivePriority_DeadlineProximity(t *testing.T) {
	now := time.Now()
	config := priorityConfig()

	far := now.Add(12 * time.Hour)
	near := now.Add(20 * time.Minute)
	passed := now.Add(-time.Minute)

	base := queuedJob(schedulerobjects.PriorityNormal, now)
	withDeadline := func(deadline time.Time) *schedulerobjects.Job {
		job := queuedJob(schedulerobjects.PriorityNormal, now)
		job.Requirements.Deadline = &deadline
		return job
	}

	// Outside the window the deadline does not affect ranking.
	assert.Equal(t,
		EffectivePriority(base, now, config),
		EffectivePriority(withDeadline(far), now, config),
	)

	// Inside the window priority grows sharply.
	nearPriority := EffectivePriority(withDeadline(near), now, config)
	assert.InDelta(t, schedulerobjects.PriorityNormal.Weight()*6, nearPriority, 1e-9)

	// A missed deadline caps out instead of growing without bound.
	assert.Equal(t,
		schedulerobjects.PriorityNormal.Weight()*1000,
		EffectivePriority(withDeadline(passed), now, config),
	)
}
