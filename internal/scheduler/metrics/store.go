package metrics

import (
	"sync"
	"time"
)

// Sample is one observed value of a metric for a resource class.
type Sample struct {
	Time  time.Time
	Value float64
}

type seriesKey struct {
	resourceClass string
	metric        string
}

// Store holds bounded, time-ordered samples of per-resource-class metrics.
// Probes write into it; the forecaster and the scaling decision maker read
// from it. Safe for concurrent use.
type Store struct {
	mutex      sync.RWMutex
	maxSamples int
	series     map[seriesKey][]Sample
}

func NewStore(maxSamplesPerSeries int) *Store {
	return &Store{
		maxSamples: maxSamplesPerSeries,
		series:     map[seriesKey][]Sample{},
	}
}

// Record appends one sample. Samples are expected to arrive in time order
// per series; out-of-order samples are accepted but not re-sorted.
func (s *Store) Record(resourceClass string, metric string, value float64, at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := seriesKey{resourceClass: resourceClass, metric: metric}
	samples := append(s.series[key], Sample{Time: at, Value: value})
	if len(samples) > s.maxSamples {
		samples = samples[len(samples)-s.maxSamples:]
	}
	s.series[key] = samples
}

// History returns up to limit most recent samples for a series, oldest
// first. limit <= 0 returns the full retained series.
func (s *Store) History(resourceClass string, metric string, limit int) []Sample {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	samples := s.series[seriesKey{resourceClass: resourceClass, metric: metric}]
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	result := make([]Sample, len(samples))
	copy(result, samples)
	return result
}

// Between returns the samples observed in the half-open interval [from, to),
// oldest first.
func (s *Store) Between(resourceClass string, metric string, from time.Time, to time.Time) []Sample {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []Sample
	for _, sample := range s.series[seriesKey{resourceClass: resourceClass, metric: metric}] {
		if !sample.Time.Before(from) && sample.Time.Before(to) {
			result = append(result, sample)
		}
	}
	return result
}

// Latest returns the most recent sample for a series, or false if the series
// is empty.
func (s *Store) Latest(resourceClass string, metric string) (Sample, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	samples := s.series[seriesKey{resourceClass: resourceClass, metric: metric}]
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

// ResourceClasses returns the distinct resource classes with at least one
// retained sample.
func (s *Store) ResourceClasses() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	seen := map[string]bool{}
	var result []string
	for key := range s.series {
		if !seen[key.resourceClass] {
			seen[key.resourceClass] = true
			result = append(result, key.resourceClass)
		}
	}
	return result
}
