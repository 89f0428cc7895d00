package configuration

import (
	"time"
)

type SchedulerConfig struct {
	// Port the prometheus metrics endpoint is served on.
	MetricsPort uint16
	// Port the REST API is served on.
	ApiPort uint16
	// Path of the sqlite database holding durable scheduler state.
	DatabasePath string

	Runner     RunnerConfig
	Registry   RegistryConfig
	Metrics    MetricStoreConfig
	Forecast   ForecastConfig
	Scaling    ScalingConfig
	Allocation AllocationConfig
	Scheduling SchedulingConfig
	Checkpoint CheckpointConfig
	Fault      FaultConfig
	Events     EventsConfig
	Cloud      CloudConfig
}

type RunnerConfig struct {
	// Per-request timeout for calls to resource agents.
	RequestTimeout time.Duration
	// Interval between status polls of a running task.
	PollInterval time.Duration
}

type RegistryConfig struct {
	// Expected interval between heartbeats from a resource.
	HeartbeatInterval time.Duration
	// A resource is marked unreachable after HeartbeatTimeoutMultiplier
	// missed intervals.
	HeartbeatTimeoutMultiplier int
	// Cadence of the sweep that detects missed heartbeats.
	SweepInterval time.Duration
}

// HeartbeatTimeout returns the silence duration after which a resource is
// considered unreachable.
func (c RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMultiplier) * c.HeartbeatInterval
}

type MetricStoreConfig struct {
	// Maximum number of samples retained per (resource class, metric).
	MaxSamplesPerSeries int
}

type ForecastConfig struct {
	// Number of future sampling steps each forecast covers.
	Horizon int
	// Duration of one forecast step.
	StepInterval time.Duration
	// Cadence of the forecasting loop.
	CycleInterval time.Duration
	// Cadence of the feedback loop that scores elapsed forecasts.
	FeedbackInterval time.Duration
	// Number of recent cycles over which member errors are averaged when
	// recomputing ensemble weights.
	ErrorWindowSize int
	// Guard against division by zero in inverse-error weighting.
	Epsilon float64
	// Metrics the ensemble predicts, e.g., "utilization".
	Metrics []string
	// Window size of the moving-average member.
	MovingAverageWindow int
	// Level and trend smoothing factors of the exponential-smoothing member.
	SmoothingAlpha float64
	SmoothingBeta  float64
	// Number of recent samples the regression member fits against.
	RegressionLookback int
}

type ScalingConfig struct {
	// Forecast values above this propose scale-up.
	UpThreshold float64
	// Forecast values below this propose scale-down.
	DownThreshold float64
	// A threshold breach must be sustained over at least this many
	// consecutive forecast points to propose an action.
	MinDurationPoints int
	// Decisions are suppressed below this forecast confidence.
	MinConfidence float64
	// Two decisions of the same direction for one class are never issued
	// closer together than this.
	CooldownWindow time.Duration
	// Maximum fractional capacity change per cycle.
	MaxChangeFraction float64
	// Cadence of the decision loop.
	CycleInterval time.Duration
}

type AllocationConfig struct {
	// High-urgency jobs prefer cloud when the estimated local queue wait
	// exceeds this.
	UrgentQueueWaitThreshold time.Duration
	// Mean job duration assumed when estimating queue wait.
	EstimatedJobDuration time.Duration
	// Payload size above which the data-locality gate applies.
	DataLocalityPayloadMb int64
	// Estimated transfer time above which the data-locality gate applies.
	DataLocalityTransferThreshold time.Duration
	// Assumed cross-tier transfer bandwidth in MB/s.
	TransferBandwidthMbps float64
	// Local execution is preferred unless cloud cost is below local cost by
	// more than this fraction. The source material quotes 10-20%; the
	// default sits in the middle at 0.15.
	CostToleranceMargin float64
	// Cost per compute unit for local resources.
	LocalCostPerUnit float64
	// Cost per compute unit for cloud resources.
	CloudCostPerUnit float64
	// How many next-ranked candidates to try after a lost reservation race.
	ReservationRetries int
}

type SchedulingConfig struct {
	// Cadence of the scheduling cycle. Placement is additionally attempted
	// when resources become available.
	CycleInterval time.Duration
	// Queue residence time beyond which a job's priority is amplified.
	FairnessThreshold time.Duration
	// Window before a deadline in which the deadline-proximity factor
	// starts to grow.
	DeadlineWindow time.Duration
	// If true, a cycle stops attempting further placements once a
	// critical-priority job has been placed.
	StopCycleAfterCriticalJob bool
	// Grace period allowed for a running job to write a final checkpoint
	// when aborted, before its resource is forcibly reclaimed.
	AbortGracePeriod time.Duration
}

type CheckpointConfig struct {
	// Interval between periodic checkpoints.
	Interval time.Duration
	// Shorter interval applied to resource-heavy jobs.
	ResourceHeavyInterval time.Duration
	// Hard floor below which no interval is reduced.
	MinInterval time.Duration
	// Progress milestones that trigger a checkpoint when crossed.
	Milestones []float64
	// Bounded retries for asynchronous blob writes.
	WriteRetries int
	// Capacity of the asynchronous write queue.
	WriteQueueSize int
	// Size of the latest-checkpoint cache.
	CacheSize int
}

type FaultConfig struct {
	// Maximum in-place retries for transient failures.
	MaxRetries int
	// Base backoff delay, doubled per attempt.
	BaseRetryDelay time.Duration
	// Backoff cap.
	MaxRetryDelay time.Duration
}

type EventsConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

type CloudConfig struct {
	// Provider identity reported on provisioned resources.
	Provider string
	// Maximum number of cloud instances provisioned at any one time.
	MaxPoolSize int
	// Instance templates the provider can provision from.
	Templates []InstanceTemplate
}

type InstanceTemplate struct {
	Class               string
	ComputeUnits        int64
	MemoryMb            int64
	AcceleratorMemoryMb int64
	CostPerHour         float64
}
