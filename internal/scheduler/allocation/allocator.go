package allocation

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/cloud"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/scaling"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// QueueStats exposes the scheduler queue state the urgency gate needs.
type QueueStats interface {
	// QueueDepth returns the number of jobs currently queued.
	QueueDepth() int
}

// Options modify one placement attempt, e.g., during failover.
type Options struct {
	// Resource ids never to place onto, e.g., the resource that just failed.
	Exclude []string
	// Restrict candidates to one tier. Empty means both tiers.
	Tier schedulerobjects.Locality
	// Never provision new cloud capacity for this attempt.
	NoProvisioning bool
}

// Allocator places one job onto one resource, choosing between the local and
// cloud pools. The placement gates are evaluated in fixed priority order:
// confidentiality, urgency/queue depth, data locality, cost. Reservations
// that race and fail are retried against the next-ranked candidate a bounded
// number of times.
type Allocator struct {
	config     configuration.AllocationConfig
	registry   *registry.Registry
	decisions  *scaling.DecisionMaker
	provider   cloud.Provider
	queueStats QueueStats
}

func NewAllocator(
	config configuration.AllocationConfig,
	reg *registry.Registry,
	decisions *scaling.DecisionMaker,
	provider cloud.Provider,
	queueStats QueueStats,
) *Allocator {
	return &Allocator{
		config:     config,
		registry:   reg,
		decisions:  decisions,
		provider:   provider,
		queueStats: queueStats,
	}
}

// PlaceJob reserves a resource for the job and returns its id. Returns an
// error of type *aimaerrors.ErrNoEligibleResource if no candidate satisfies
// the constraints; the scheduler re-queues the job in that case.
func (a *Allocator) PlaceJob(job *schedulerobjects.Job) (string, error) {
	return a.PlaceJobWithOptions(job, Options{})
}

func (a *Allocator) PlaceJobWithOptions(job *schedulerobjects.Job, opts Options) (string, error) {
	req := &job.Requirements
	candidates := a.registry.FindCandidates(req)
	candidates = filterCandidates(candidates, opts)

	// Gate 1: confidentiality. A hard constraint, never relaxed.
	localOnly := !req.Confidentiality.AllowsCloud()
	if localOnly {
		candidates = keepTier(candidates, schedulerobjects.LocalityLocal)
		if len(candidates) == 0 {
			return "", errors.WithStack(&aimaerrors.ErrNoEligibleResource{
				JobId:   job.Id,
				Message: "confidentiality restricts the job to local resources and none satisfy its requirements",
			})
		}
	}

	preferred := a.preferredTier(job, candidates)
	orderByTier(candidates, preferred)

	if resourceId, ok := a.reserveFirstFit(job, candidates); ok {
		return resourceId, nil
	}

	// Nothing reservable. Grow the cloud pool if the decision maker wants
	// capacity anyway, or unconditionally for critical jobs.
	if !localOnly && !opts.NoProvisioning && opts.Tier != schedulerobjects.LocalityLocal {
		if resourceId, ok := a.provisionAndReserve(job); ok {
			return resourceId, nil
		}
	}
	return "", errors.WithStack(&aimaerrors.ErrNoEligibleResource{JobId: job.Id})
}

// ApplyScaleDown terminates idle cloud resources of the class in proportion
// to the decision's magnitude. Busy and reserved resources are never
// reclaimed.
func (a *Allocator) ApplyScaleDown(decision *schedulerobjects.ScalingDecision) {
	if decision == nil || decision.Action != schedulerobjects.ScaleDown {
		return
	}
	resources, err := a.registry.GetAll()
	if err != nil {
		log.Errorf("scale-down skipped: %v", err)
		return
	}
	var idle []*schedulerobjects.Resource
	total := 0
	for _, resource := range resources {
		if resource.Class != decision.ResourceClass || resource.Locality != schedulerobjects.LocalityCloud {
			continue
		}
		total++
		if resource.State == schedulerobjects.ResourceAvailable {
			idle = append(idle, resource)
		}
	}
	toTerminate := int(-decision.Magnitude * float64(total))
	if toTerminate > len(idle) {
		toTerminate = len(idle)
	}
	for _, resource := range idle[:toTerminate] {
		if err := a.registry.Deregister(resource.Id); err != nil {
			log.Errorf("failed to deregister %s during scale-down: %v", resource.Id, err)
			continue
		}
		if err := a.provider.Terminate(resource.Id); err != nil {
			log.Errorf("failed to terminate %s during scale-down: %v", resource.Id, err)
		}
		log.WithField("resourceId", resource.Id).
			WithField("class", decision.ResourceClass).
			Info("cloud resource terminated on scale-down")
	}
}

// preferredTier runs gates 2-4 over the candidate set and returns the tier
// to try first.
func (a *Allocator) preferredTier(job *schedulerobjects.Job, candidates []*schedulerobjects.Resource) schedulerobjects.Locality {
	req := &job.Requirements

	// Gate 2: urgency versus local queue wait.
	if req.Priority == schedulerobjects.PriorityCritical || req.Priority == schedulerobjects.PriorityHigh {
		if a.estimatedLocalQueueWait(candidates) > a.config.UrgentQueueWaitThreshold {
			return schedulerobjects.LocalityCloud
		}
	}

	// Gate 3: data locality.
	if req.PayloadSizeMb > a.config.DataLocalityPayloadMb &&
		a.estimatedTransferTime(req.PayloadSizeMb) > a.config.DataLocalityTransferThreshold &&
		req.DataLocality != "" {
		return req.DataLocality
	}

	// Gate 4: cost. Local is preferred unless cloud undercuts it by more
	// than the tolerance margin.
	bestLocal := cheapest(keepTier(candidates, schedulerobjects.LocalityLocal), a.config.LocalCostPerUnit)
	bestCloud := cheapest(keepTier(candidates, schedulerobjects.LocalityCloud), a.config.CloudCostPerUnit)
	switch {
	case bestLocal < 0:
		return schedulerobjects.LocalityCloud
	case bestCloud < 0:
		return schedulerobjects.LocalityLocal
	case bestCloud < bestLocal*(1-a.config.CostToleranceMargin):
		return schedulerobjects.LocalityCloud
	}
	return schedulerobjects.LocalityLocal
}

// reserveFirstFit walks the ranked candidates and reserves the first one
// that accepts. Lost reservation races count against a bounded retry budget.
func (a *Allocator) reserveFirstFit(job *schedulerobjects.Job, candidates []*schedulerobjects.Resource) (string, bool) {
	conflicts := 0
	for _, candidate := range candidates {
		ok, err := a.registry.Reserve(candidate.Id, job.Id)
		if err != nil {
			log.Errorf("reservation of %s for job %s failed: %v", candidate.Id, job.Id, err)
			continue
		}
		if ok {
			return candidate.Id, true
		}
		// Raced against another cycle; fast-fail and try the next one.
		conflicts++
		if conflicts > a.config.ReservationRetries {
			log.WithField("jobId", job.Id).
				Warnf("placement abandoned after %d reservation conflicts", conflicts)
			return "", false
		}
	}
	return "", false
}

// provisionAndReserve rents a cloud instance when the decision maker has a
// pending scale-up intent for a class that fits the job, or unconditionally
// for critical jobs.
func (a *Allocator) provisionAndReserve(job *schedulerobjects.Job) (string, bool) {
	available := a.provider.ListAvailable(&job.Requirements)
	if len(available) == 0 {
		return "", false
	}
	// Cheapest instance type first, extending the cost gate to provisioning.
	slices.SortStableFunc(available, func(x, y cloud.Candidate) bool {
		return x.CostPerHour < y.CostPerHour
	})
	critical := job.Requirements.Priority == schedulerobjects.PriorityCritical
	for _, candidate := range available {
		if !critical {
			intent := a.decisions.ConsumeIntent(candidate.Class)
			if intent == nil || intent.Action != schedulerobjects.ScaleUp {
				continue
			}
		}
		resource, err := a.provider.Provision(candidate)
		if err != nil {
			log.Errorf("failed to provision %s instance for job %s: %v", candidate.Class, job.Id, err)
			continue
		}
		if _, err := a.registry.Register(resource); err != nil {
			log.Errorf("failed to register provisioned resource %s: %v", resource.Id, err)
			if terminateErr := a.provider.Terminate(resource.Id); terminateErr != nil {
				log.Errorf("failed to terminate orphaned resource %s: %v", resource.Id, terminateErr)
			}
			continue
		}
		ok, err := a.registry.Reserve(resource.Id, job.Id)
		if err != nil || !ok {
			log.Errorf("failed to reserve freshly provisioned resource %s: %v", resource.Id, err)
			continue
		}
		log.WithField("jobId", job.Id).
			WithField("resourceId", resource.Id).
			Info("cloud resource provisioned for placement")
		return resource.Id, true
	}
	return "", false
}

func (a *Allocator) estimatedLocalQueueWait(candidates []*schedulerobjects.Resource) time.Duration {
	depth := 0
	if a.queueStats != nil {
		depth = a.queueStats.QueueDepth()
	}
	localAvailable := len(keepTier(candidates, schedulerobjects.LocalityLocal))
	return registry.EstimateQueueWait(depth, localAvailable, a.config.EstimatedJobDuration)
}

func (a *Allocator) estimatedTransferTime(payloadSizeMb int64) time.Duration {
	if a.config.TransferBandwidthMbps <= 0 {
		return 0
	}
	return time.Duration(float64(payloadSizeMb) / a.config.TransferBandwidthMbps * float64(time.Second))
}

// cheapest returns the lowest estimated cost among the candidates, or -1 if
// there are none.
func cheapest(candidates []*schedulerobjects.Resource, costPerUnit float64) float64 {
	best := -1.0
	for _, candidate := range candidates {
		cost := float64(candidate.Profile.ComputeUnits) * costPerUnit
		if best < 0 || cost < best {
			best = cost
		}
	}
	return best
}

func keepTier(candidates []*schedulerobjects.Resource, tier schedulerobjects.Locality) []*schedulerobjects.Resource {
	var result []*schedulerobjects.Resource
	for _, candidate := range candidates {
		if candidate.Locality == tier {
			result = append(result, candidate)
		}
	}
	return result
}

func filterCandidates(candidates []*schedulerobjects.Resource, opts Options) []*schedulerobjects.Resource {
	var result []*schedulerobjects.Resource
	for _, candidate := range candidates {
		if opts.Tier != "" && candidate.Locality != opts.Tier {
			continue
		}
		if slices.Contains(opts.Exclude, candidate.Id) {
			continue
		}
		result = append(result, candidate)
	}
	return result
}

// orderByTier stably moves candidates of the preferred tier to the front,
// preserving the registry's best-fit order within each tier.
func orderByTier(candidates []*schedulerobjects.Resource, preferred schedulerobjects.Locality) {
	slices.SortStableFunc(candidates, func(a, b *schedulerobjects.Resource) bool {
		return a.Locality == preferred && b.Locality != preferred
	})
}
