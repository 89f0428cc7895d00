package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// QueueDepthProvider reports the number of jobs waiting for placement.
type QueueDepthProvider interface {
	QueueDepth() int
}

// ResourceLister enumerates registered resources for state gauges.
type ResourceLister interface {
	GetAll() ([]*schedulerobjects.Resource, error)
}

var (
	queueDepthDesc = prometheus.NewDesc(
		"aima_scheduler_queue_depth",
		"Number of jobs waiting for placement.",
		nil, nil,
	)
	resourcesDesc = prometheus.NewDesc(
		"aima_scheduler_resources",
		"Registered resources by class, locality and state.",
		[]string{"class", "locality", "state"}, nil,
	)
)

// Collector exposes scheduler state as prometheus gauges, computed on
// scrape.
type Collector struct {
	queue     QueueDepthProvider
	resources ResourceLister
}

func NewCollector(queue QueueDepthProvider, resources ResourceLister) *Collector {
	return &Collector{queue: queue, resources: resources}
}

func (c *Collector) Describe(out chan<- *prometheus.Desc) {
	out <- queueDepthDesc
	out <- resourcesDesc
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	out <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(c.queue.QueueDepth()))

	all, err := c.resources.GetAll()
	if err != nil {
		log.Errorf("metrics collection failed to list resources: %v", err)
		return
	}
	type key struct {
		class    string
		locality schedulerobjects.Locality
		state    schedulerobjects.ResourceState
	}
	counts := map[key]int{}
	for _, resource := range all {
		counts[key{resource.Class, resource.Locality, resource.State}]++
	}
	for k, count := range counts {
		out <- prometheus.MustNewConstMetric(
			resourcesDesc, prometheus.GaugeValue, float64(count),
			k.class, string(k.locality), string(k.state),
		)
	}
}
