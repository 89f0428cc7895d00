package scaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/events"
	"github.com/Paddel87/AIMA-sub000/internal/common/util"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// Persister retains issued decisions for the adaptive feedback loop and for
// audit across restarts.
type Persister interface {
	InsertScalingDecision(decision *schedulerobjects.ScalingDecision) error
}

type classState struct {
	// Last issue time per direction; decisions of one direction for one
	// class are mutually exclusive within the cooldown window.
	lastIssued map[schedulerobjects.ScalingAction]time.Time
	// Pending intent awaiting consumption by the allocator.
	pendingIntent *schedulerobjects.ScalingDecision
}

// DecisionMaker turns forecasts into scale-up/scale-down intents with
// hysteresis: a threshold breach must be sustained over a minimum number of
// consecutive forecast points, magnitude is clamped per cycle, and a
// per-class cooldown suppresses repeat decisions of the same direction.
type DecisionMaker struct {
	config    configuration.ScalingConfig
	clock     clock.Clock
	persister Persister
	sink      events.Sink

	mutex   sync.Mutex
	classes map[string]*classState
}

func NewDecisionMaker(config configuration.ScalingConfig, clk clock.Clock, persister Persister, sink events.Sink) *DecisionMaker {
	return &DecisionMaker{
		config:    config,
		clock:     clk,
		persister: persister,
		sink:      sink,
		classes:   map[string]*classState{},
	}
}

// Evaluate runs one decision cycle for a resource class. currentCapacity is
// the number of non-unreachable resources in the class, currentValue the
// latest observed value of the forecast metric. Returns nil if no action is
// warranted: low confidence, no sustained breach, or cooldown.
func (d *DecisionMaker) Evaluate(
	sample *schedulerobjects.ForecastSample,
	currentCapacity int,
	currentValue float64,
) *schedulerobjects.ScalingDecision {
	if sample == nil || sample.Confidence < d.config.MinConfidence || len(sample.Points) == 0 {
		// No actionable signal; the scaling cycle no-ops.
		return nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	action := d.proposeAction(sample.Points, currentValue)
	if action == schedulerobjects.ScaleNone {
		return nil
	}

	state := d.classState(sample.ResourceClass)
	now := d.clock.Now()
	if last, ok := state.lastIssued[action]; ok && now.Sub(last) < d.config.CooldownWindow {
		log.WithField("class", sample.ResourceClass).
			WithField("action", action).
			Debug("scaling decision suppressed by cooldown")
		return nil
	}

	decision := &schedulerobjects.ScalingDecision{
		Id:            uuid.NewString(),
		ResourceClass: sample.ResourceClass,
		Action:        action,
		Magnitude:     d.magnitude(action, sample.Points, currentCapacity),
		ForecastId:    sample.Id,
		Confidence:    sample.Confidence,
		IssuedAt:      now,
	}
	state.lastIssued[action] = now
	state.pendingIntent = decision

	if d.persister != nil {
		if err := d.persister.InsertScalingDecision(decision); err != nil {
			log.Errorf("failed to persist scaling decision %s: %v", decision.Id, err)
		}
	}
	if d.sink != nil {
		d.sink.Send(events.Event{
			Type:          events.ScalingDecisionIssued,
			Created:       now,
			ResourceClass: decision.ResourceClass,
			Details: map[string]string{
				"action":     string(decision.Action),
				"forecastId": decision.ForecastId,
			},
		})
	}
	log.WithField("class", decision.ResourceClass).
		WithField("action", decision.Action).
		WithField("magnitude", decision.Magnitude).
		Info("scaling decision issued")
	return decision
}

// ConsumeIntent hands the pending intent for a class to the allocator.
// Each decision is consumed at most once.
func (d *DecisionMaker) ConsumeIntent(resourceClass string) *schedulerobjects.ScalingDecision {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	state, ok := d.classes[resourceClass]
	if !ok || state.pendingIntent == nil {
		return nil
	}
	intent := state.pendingIntent
	state.pendingIntent = nil
	return intent
}

// proposeAction applies the sustained-breach rule. If both directions are
// simultaneously sustained (conflicting signal), the current observed value
// against the threshold midpoint resolves the conflict.
func (d *DecisionMaker) proposeAction(points []schedulerobjects.ForecastPoint, currentValue float64) schedulerobjects.ScalingAction {
	sustainedUp := longestRun(points, func(v float64) bool { return v > d.config.UpThreshold }) >= d.config.MinDurationPoints
	sustainedDown := longestRun(points, func(v float64) bool { return v < d.config.DownThreshold }) >= d.config.MinDurationPoints

	switch {
	case sustainedUp && sustainedDown:
		midpoint := (d.config.UpThreshold + d.config.DownThreshold) / 2
		if currentValue > midpoint {
			return schedulerobjects.ScaleUp
		}
		return schedulerobjects.ScaleDown
	case sustainedUp:
		return schedulerobjects.ScaleUp
	case sustainedDown:
		return schedulerobjects.ScaleDown
	}
	return schedulerobjects.ScaleNone
}

// magnitude computes the fractional capacity change as the ratio of required
// to current capacity, clamped to the maximum per-cycle change fraction to
// prevent oscillation and overshoot.
func (d *DecisionMaker) magnitude(action schedulerobjects.ScalingAction, points []schedulerobjects.ForecastPoint, currentCapacity int) float64 {
	if currentCapacity <= 0 {
		currentCapacity = 1
	}
	if action == schedulerobjects.ScaleUp {
		peak := points[0].Value
		for _, point := range points {
			peak = util.Max(peak, point.Value)
		}
		// required/current = peak/upThreshold
		ratio := peak / d.config.UpThreshold
		return util.Clamp(ratio-1, 0, d.config.MaxChangeFraction)
	}
	trough := points[0].Value
	for _, point := range points {
		trough = util.Min(trough, point.Value)
	}
	ratio := trough / d.config.DownThreshold
	return -util.Clamp(1-ratio, 0, d.config.MaxChangeFraction)
}

func (d *DecisionMaker) classState(resourceClass string) *classState {
	state, ok := d.classes[resourceClass]
	if !ok {
		state = &classState{lastIssued: map[schedulerobjects.ScalingAction]time.Time{}}
		d.classes[resourceClass] = state
	}
	return state
}

// longestRun returns the length of the longest run of consecutive points
// satisfying the predicate.
func longestRun(points []schedulerobjects.ForecastPoint, predicate func(float64) bool) int {
	longest, current := 0, 0
	for _, point := range points {
		if predicate(point.Value) {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return longest
}
