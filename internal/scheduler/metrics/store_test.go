package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndHistory(t *testing.T) {
	s := NewStore(10)
	base := time.Now()

	for i := 0; i < 5; i++ {
		s.Record("gpu-24g", "utilization", float64(i)/10, base.Add(time.Duration(i)*time.Minute))
	}

	history := s.History("gpu-24g", "utilization", 0)
	require.Len(t, history, 5)
	assert.Equal(t, 0.0, history[0].Value)
	assert.Equal(t, 0.4, history[4].Value)

	limited := s.History("gpu-24g", "utilization", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, 0.3, limited[0].Value)
	assert.Equal(t, 0.4, limited[1].Value)
}

func TestRecord_BoundedRetention(t *testing.T) {
	s := NewStore(3)
	base := time.Now()

	for i := 0; i < 10; i++ {
		s.Record("gpu-24g", "utilization", float64(i), base.Add(time.Duration(i)*time.Minute))
	}

	history := s.History("gpu-24g", "utilization", 0)
	require.Len(t, history, 3)
	// The oldest samples were evicted.
	assert.Equal(t, 7.0, history[0].Value)
	assert.Equal(t, 9.0, history[2].Value)
}

func TestBetween(t *testing.T) {
	s := NewStore(100)
	base := time.Now()
	for i := 0; i < 10; i++ {
		s.Record("gpu-24g", "utilization", float64(i), base.Add(time.Duration(i)*time.Minute))
	}

	// Half-open interval: includes from, excludes to.
	window := s.Between("gpu-24g", "utilization", base.Add(2*time.Minute), base.Add(5*time.Minute))
	require.Len(t, window, 3)
	assert.Equal(t, 2.0, window[0].Value)
	assert.Equal(t, 4.0, window[2].Value)
}

func TestLatest(t *testing.T) {
	s := NewStore(100)

	_, ok := s.Latest("gpu-24g", "utilization")
	assert.False(t, ok)

	base := time.Now()
	s.Record("gpu-24g", "utilization", 0.1, base)
	s.Record("gpu-24g", "utilization", 0.9, base.Add(time.Minute))

	latest, ok := s.Latest("gpu-24g", "utilization")
	require.True(t, ok)
	assert.Equal(t, 0.9, latest.Value)
}

func TestResourceClasses(t *testing.T) {
	s := NewStore(100)
	now := time.Now()
	s.Record("gpu-24g", "utilization", 0.1, now)
	s.Record("gpu-24g", "queue_depth", 3, now)
	s.Record("gpu-16g", "utilization", 0.5, now)

	classes := s.ResourceClasses()
	assert.ElementsMatch(t, []string{"gpu-24g", "gpu-16g"}, classes)
}

func TestSeriesAreIndependent(t *testing.T) {
	s := NewStore(100)
	now := time.Now()
	s.Record("gpu-24g", "utilization", 0.1, now)

	assert.Empty(t, s.History("gpu-16g", "utilization", 0))
	assert.Empty(t, s.History("gpu-24g", "queue_depth", 0))
}
