package scheduler

import (
	"time"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// deadlineFactorCap bounds the deadline-proximity factor once a deadline has
// passed or is imminent.
const deadlineFactorCap = 1000.0

// EffectivePriority is a job's scheduling rank: the base tier weight
// multiplied by a wait-time amplification factor that grows once queue
// residence exceeds the fairness threshold, and by a deadline-proximity
// factor that grows sharply as the deadline approaches. Strictly increasing
// in wait time past the threshold, so no job starves forever.
func EffectivePriority(job *schedulerobjects.Job, now time.Time, config configuration.SchedulingConfig) float64 {
	priority := job.Requirements.Priority.Weight()

	wait := now.Sub(job.QueuedAt)
	if config.FairnessThreshold > 0 && wait > config.FairnessThreshold {
		priority *= 1 + float64(wait-config.FairnessThreshold)/float64(config.FairnessThreshold)
	}

	if deadline := job.Requirements.Deadline; deadline != nil {
		remaining := deadline.Sub(now)
		switch {
		case remaining <= 0:
			priority *= deadlineFactorCap
		case remaining < config.DeadlineWindow:
			factor := float64(config.DeadlineWindow) / float64(remaining)
			if factor > deadlineFactorCap {
				factor = deadlineFactorCap
			}
			priority *= factor
		}
	}
	return priority
}
