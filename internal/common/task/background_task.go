package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs the periodic control loops. Each loop has its
// own cadence and a prometheus histogram recording per-iteration latency.
// Not threadsafe; register all loops from a single goroutine before StopAll.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and re-runs it every interval
// until StopAll is called.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops all registered loops, waiting up to timeout for in-flight
// iterations to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
	timedOut := m.waitForShutdownCompletion(timeout)
	if timedOut {
		log.Warnf("background loops did not stop within %s", timeout)
	}
	return timedOut
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			task.function()
			taskDurationHistogram.Observe(time.Since(start).Seconds())

			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
