package schedulerobjects

import (
	"time"
)

type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	ScaleNone ScalingAction = "none"
)

// ScalingDecision is a timestamped intent to change capacity for one
// resource class. Decisions for one class are totally ordered by issue time
// and mutually exclusive within a cooldown window.
type ScalingDecision struct {
	Id            string
	ResourceClass string
	Action        ScalingAction
	// Fractional capacity change, e.g., 0.25 means grow by 25%. Negative
	// for scale-down. Clamped to the configured maximum per-cycle change.
	Magnitude float64
	// Id of the forecast sample that triggered the decision.
	ForecastId string
	Confidence float64
	IssuedAt   time.Time
}

// ForecastPoint is one predicted value, Step sampling intervals into the
// future.
type ForecastPoint struct {
	Step  int
	Value float64
}

// ForecastSample is one prediction for a resource-class metric over a future
// horizon.
type ForecastSample struct {
	Id            string
	ResourceClass string
	Metric        string
	Points        []ForecastPoint
	// Confidence in [0,1]; 0 means no actionable signal.
	Confidence float64
	// Identity of the ensemble member combination that produced the sample.
	ModelId string
	// Duration of one forecast step.
	StepInterval time.Duration
	IssuedAt     time.Time
}

// HorizonEnd returns the wall-clock time at which the prediction horizon
// elapses and the sample can be scored against observed values.
func (s *ForecastSample) HorizonEnd() time.Time {
	return s.IssuedAt.Add(time.Duration(len(s.Points)) * s.StepInterval)
}
