package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common"
	"github.com/Paddel87/AIMA-sub000/internal/common/events"
	"github.com/Paddel87/AIMA-sub000/internal/common/task"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/allocation"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/checkpoint"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/cloud"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/database"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/fault"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/forecast"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/jobdb"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/metrics"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/runner"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/scaling"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// App is the fully wired scheduler: every control loop, store and manager
// constructed and connected. Build one with NewApp, then Run it.
type App struct {
	Config      configuration.SchedulerConfig
	Scheduler   *Scheduler
	Registry    *registry.Registry
	Metrics     *metrics.Store
	Ensemble    *forecast.Ensemble
	Decisions   *scaling.DecisionMaker
	Allocator   *allocation.Allocator
	Checkpoints *checkpoint.Store
	Fault       *fault.Manager

	db   *database.DB
	sink events.Sink

	mutex   sync.Mutex
	latest  map[forecastKey]*schedulerobjects.ForecastSample
	stopped chan struct{}
}

type forecastKey struct {
	resourceClass string
	metric        string
}

// runnerAdapter bridges the runner package's reporter interface to the
// executor's. The method sets are identical.
type runnerAdapter struct {
	inner *runner.HTTPRunner
}

func (a runnerAdapter) Run(
	ctx context.Context,
	job *schedulerobjects.Job,
	resource *schedulerobjects.Resource,
	reporter ProgressReporter,
) error {
	return a.inner.Run(ctx, job, resource, reporter)
}

// NewApp constructs the scheduler from configuration, seeding all stores
// from the durable database.
func NewApp(config configuration.SchedulerConfig) (*App, error) {
	clk := clock.RealClock{}

	db, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	sink := events.NewBatchingSink(config.Events.BatchSize, config.Events.FlushInterval, deliverToLog)

	metricStore := metrics.NewStore(config.Metrics.MaxSamplesPerSeries)

	reg, err := registry.New(config.Registry, clk, db, sink)
	if err != nil {
		return nil, err
	}
	resources, err := db.LoadResources()
	if err != nil {
		return nil, err
	}
	if err := reg.Load(resources); err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewStore(config.Checkpoint, db, clk)
	if err != nil {
		return nil, err
	}

	jobDb, err := jobdb.New()
	if err != nil {
		return nil, err
	}
	sched := NewScheduler(config.Scheduling, clk, jobDb, reg, checkpoints, db, sink)

	ensemble := forecast.NewEnsemble(config.Forecast, metricStore, clk,
		&forecast.MovingAverage{Window: config.Forecast.MovingAverageWindow},
		&forecast.ExponentialSmoothing{Alpha: config.Forecast.SmoothingAlpha, Beta: config.Forecast.SmoothingBeta},
		&forecast.LinearRegression{Lookback: config.Forecast.RegressionLookback},
	)
	decisions := scaling.NewDecisionMaker(config.Scaling, clk, db, sink)
	provider := cloud.NewStaticProvider(config.Cloud)
	allocator := allocation.NewAllocator(config.Allocation, reg, decisions, provider, sched)

	httpRunner := runner.NewHTTPRunner(config.Runner.RequestTimeout, config.Runner.PollInterval)
	executor := NewExecutor(runnerAdapter{inner: httpRunner}, checkpoints, reg, clk, config.Scheduling)
	sched.Bind(allocator, executor)

	manager := fault.NewManager(config.Fault, clk, sched, allocator, reg)
	sched.OnExecutionFailure(func(jobId string, resourceId string, message string) {
		manager.HandleExecutionFailure(fault.Failure{JobId: jobId, ResourceId: resourceId, Message: message})
	})
	reg.OnUnreachable(manager.HandleResourceUnreachable)
	sched.OnJobFinished(manager.HandleJobFinished)

	jobs, err := db.LoadJobs()
	if err != nil {
		return nil, err
	}
	if err := sched.RecoverFromRestart(jobs); err != nil {
		return nil, err
	}

	return &App{
		Config:      config,
		Scheduler:   sched,
		Registry:    reg,
		Metrics:     metricStore,
		Ensemble:    ensemble,
		Decisions:   decisions,
		Allocator:   allocator,
		Checkpoints: checkpoints,
		Fault:       manager,
		db:          db,
		sink:        sink,
		latest:      map[forecastKey]*schedulerobjects.ForecastSample{},
		stopped:     make(chan struct{}),
	}, nil
}

// Run starts the control loops and blocks until ctx is cancelled, then shuts
// down in dependency order.
func (a *App) Run(ctx context.Context) error {
	prometheus.MustRegister(metrics.NewCollector(a.Scheduler, a.Registry))
	shutdownMetrics := common.ServeMetrics(a.Config.MetricsPort)
	defer shutdownMetrics()

	taskManager := task.NewBackgroundTaskManager("aima_scheduler")
	taskManager.Register(a.Registry.SweepUnreachable, a.Config.Registry.SweepInterval, "heartbeat_sweep")
	taskManager.Register(a.sampleUtilization, a.Config.Registry.HeartbeatInterval, "utilization_sample")
	taskManager.Register(a.forecastCycle, a.Config.Forecast.CycleInterval, "forecast_cycle")
	taskManager.Register(a.Ensemble.Feedback, a.Config.Forecast.FeedbackInterval, "forecast_feedback")
	taskManager.Register(a.scalingCycle, a.Config.Scaling.CycleInterval, "scaling_cycle")
	taskManager.Register(a.Scheduler.ScheduleCycle, a.Config.Scheduling.CycleInterval, "schedule_cycle")

	go a.drainTriggers()

	<-ctx.Done()
	log.Info("scheduler shutting down")
	close(a.stopped)
	if !taskManager.StopAll(10 * time.Second) {
		log.Warn("background loops did not stop within the shutdown window")
	}
	a.Checkpoints.Stop()
	a.sink.Stop()
	return a.db.Close()
}

// drainTriggers runs an extra scheduling cycle whenever one is requested,
// e.g., after a resource was released.
func (a *App) drainTriggers() {
	for {
		select {
		case <-a.stopped:
			return
		case <-a.Scheduler.Triggers():
			a.Scheduler.ScheduleCycle()
		}
	}
}

// sampleUtilization records per-class utilization from registry state so the
// forecasting ensemble has an observed series to learn from.
func (a *App) sampleUtilization() {
	resources, err := a.Registry.GetAll()
	if err != nil {
		log.Errorf("utilization sampling failed: %v", err)
		return
	}
	type tally struct{ busy, total int }
	byClass := map[string]*tally{}
	for _, resource := range resources {
		t, ok := byClass[resource.Class]
		if !ok {
			t = &tally{}
			byClass[resource.Class] = t
		}
		if resource.State != schedulerobjects.ResourceUnreachable {
			t.total++
		}
		if resource.State == schedulerobjects.ResourceBusy || resource.State == schedulerobjects.ResourceReserved {
			t.busy++
		}
	}
	now := time.Now()
	for class, t := range byClass {
		if t.total == 0 {
			continue
		}
		a.Metrics.Record(class, "utilization", float64(t.busy)/float64(t.total), now)
	}
}

// forecastCycle issues one forecast per tracked (class, metric) pair and
// retains the newest sample for the scaling cycle.
func (a *App) forecastCycle() {
	for _, class := range a.Metrics.ResourceClasses() {
		for _, metric := range a.Config.Forecast.Metrics {
			sample := a.Ensemble.Predict(class, metric)
			a.mutex.Lock()
			a.latest[forecastKey{resourceClass: class, metric: metric}] = sample
			a.mutex.Unlock()
		}
	}
}

// scalingCycle evaluates the newest forecast per class and applies any
// scale-down immediately. Scale-up intents stay pending until the allocator
// consumes them during placement.
func (a *App) scalingCycle() {
	capacity := a.Registry.CountByClass()
	a.mutex.Lock()
	samples := make([]*schedulerobjects.ForecastSample, 0, len(a.latest))
	for _, sample := range a.latest {
		samples = append(samples, sample)
	}
	a.mutex.Unlock()

	for _, sample := range samples {
		current, ok := a.Metrics.Latest(sample.ResourceClass, sample.Metric)
		if !ok {
			continue
		}
		decision := a.Decisions.Evaluate(sample, capacity[sample.ResourceClass], current.Value)
		if decision != nil && decision.Action == schedulerobjects.ScaleDown {
			a.Allocator.ApplyScaleDown(decision)
		}
	}
}

func deliverToLog(batch []events.Event) error {
	sink := events.LogSink{}
	for _, event := range batch {
		sink.Send(event)
	}
	return nil
}
