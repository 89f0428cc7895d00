package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

func testConfig() configuration.RegistryConfig {
	return configuration.RegistryConfig{
		HeartbeatInterval:          30 * time.Second,
		HeartbeatTimeoutMultiplier: 3,
		SweepInterval:              15 * time.Second,
	}
}

func testResource(id string) *schedulerobjects.Resource {
	return &schedulerobjects.Resource{
		Id:    id,
		Class: "gpu-24g",
		Profile: schedulerobjects.ClassProfile{
			ComputeUnits:        8,
			MemoryMb:            65536,
			AcceleratorMemoryMb: 24576,
		},
		Locality: schedulerobjects.LocalityLocal,
		Cleared:  true,
	}
}

func newTestRegistry(t *testing.T, clk clock.Clock) *Registry {
	r, err := New(testConfig(), clk, nil, nil)
	require.NoError(t, err)
	return r
}

func TestRegister_InvalidDescriptor(t *testing.T) {
	tests := map[string]func(*schedulerobjects.Resource){
		"empty id":                     func(r *schedulerobjects.Resource) { r.Id = "" },
		"empty class":                  func(r *schedulerobjects.Resource) { r.Class = "" },
		"zero compute units":           func(r *schedulerobjects.Resource) { r.Profile.ComputeUnits = 0 },
		"zero memory":                  func(r *schedulerobjects.Resource) { r.Profile.MemoryMb = 0 },
		"zero accelerator memory":      func(r *schedulerobjects.Resource) { r.Profile.AcceleratorMemoryMb = 0 },
		"bad locality":                 func(r *schedulerobjects.Resource) { r.Locality = "orbit" },
		"cloud resource sans provider": func(r *schedulerobjects.Resource) { r.Locality = schedulerobjects.LocalityCloud },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
			resource := testResource("r1")
			mutate(resource)
			_, err := r.Register(resource)
			require.Error(t, err)
			var invalid *aimaerrors.ErrInvalidDescriptor
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	_, err := r.Register(testResource("r1"))
	require.NoError(t, err)
	_, err = r.Register(testResource("r1"))
	var exists *aimaerrors.ErrAlreadyExists
	assert.True(t, errors.As(err, &exists))
}

func TestReserve_MutualExclusion(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	_, err := r.Register(testResource("r1"))
	require.NoError(t, err)

	const contenders = 32
	var wg sync.WaitGroup
	winners := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		jobId := fmt.Sprintf("job-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Reserve("r1", jobId)
			require.NoError(t, err)
			if ok {
				winners <- jobId
			}
		}()
	}
	wg.Wait()
	close(winners)

	var won []string
	for jobId := range winners {
		won = append(won, jobId)
	}
	require.Len(t, won, 1)

	resource, err := r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceReserved, resource.State)
	assert.Equal(t, won[0], resource.HolderJobId)
}

func TestReserve_MultiTenant(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	resource := testResource("shared")
	resource.Profile.MultiTenant = true
	_, err := r.Register(resource)
	require.NoError(t, err)

	for _, jobId := range []string{"a", "b", "c"} {
		ok, err := r.Reserve("shared", jobId)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	got, err := r.GetById("shared")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, got.State)
}

func TestRelease_Idempotent(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	_, err := r.Register(testResource("r1"))
	require.NoError(t, err)

	ok, err := r.Reserve("r1", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Release("r1"))
	require.NoError(t, r.Release("r1"))

	resource, err := r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)
	assert.Empty(t, resource.HolderJobId)
}

func TestHeartbeat_RecoversDegraded(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	_, err := r.Register(testResource("r1"))
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat("r1", schedulerobjects.ResourceDegraded))
	resource, err := r.GetById("r1")
	require.NoError(t, err)
	require.Equal(t, schedulerobjects.ResourceDegraded, resource.State)

	require.NoError(t, r.Heartbeat("r1", schedulerobjects.ResourceAvailable))
	resource, err = r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)
}

func TestHeartbeat_NeverDemotesBusy(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	_, err := r.Register(testResource("r1"))
	require.NoError(t, err)
	ok, err := r.Reserve("r1", "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.MarkBusy("r1"))

	require.NoError(t, r.Heartbeat("r1", schedulerobjects.ResourceAvailable))
	resource, err := r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceBusy, resource.State)
	assert.Equal(t, "job-1", resource.HolderJobId)
}

func TestSweepUnreachable(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	r := newTestRegistry(t, clk)
	_, err := r.Register(testResource("r1"))
	require.NoError(t, err)

	var notified []*schedulerobjects.Resource
	r.OnUnreachable(func(resource *schedulerobjects.Resource) {
		notified = append(notified, resource)
	})

	// One missed heartbeat is not enough.
	clk.Step(testConfig().HeartbeatInterval + time.Second)
	r.SweepUnreachable()
	resource, err := r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)
	assert.Empty(t, notified)

	// Past the timeout the resource is unreachable and handlers fire.
	clk.Step(testConfig().HeartbeatTimeout())
	r.SweepUnreachable()
	resource, err = r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceUnreachable, resource.State)
	require.Len(t, notified, 1)
	assert.Equal(t, "r1", notified[0].Id)

	// A later heartbeat recovers it.
	require.NoError(t, r.Heartbeat("r1", schedulerobjects.ResourceAvailable))
	resource, err = r.GetById("r1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)
}

func TestFindCandidates_BestFitOrder(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))

	big := testResource("big")
	big.Profile.AcceleratorMemoryMb = 49152
	small := testResource("small")
	small.Profile.AcceleratorMemoryMb = 16384
	cloudSmall := testResource("cloud-small")
	cloudSmall.Profile.AcceleratorMemoryMb = 16384
	cloudSmall.Locality = schedulerobjects.LocalityCloud
	cloudSmall.Provider = "aima-cloud"
	for _, resource := range []*schedulerobjects.Resource{big, small, cloudSmall} {
		_, err := r.Register(resource)
		require.NoError(t, err)
	}

	candidates := r.FindCandidates(&schedulerobjects.Requirements{
		MinAcceleratorMemoryMb: 8192,
		Confidentiality:        schedulerobjects.ConfidentialityInternal,
	})
	require.Len(t, candidates, 3)
	// Smallest fitting resources first, local before cloud on ties.
	assert.Equal(t, "small", candidates[0].Id)
	assert.Equal(t, "cloud-small", candidates[1].Id)
	assert.Equal(t, "big", candidates[2].Id)

	// A tighter requirement filters the small ones out.
	candidates = r.FindCandidates(&schedulerobjects.Requirements{
		MinAcceleratorMemoryMb: 32768,
		Confidentiality:        schedulerobjects.ConfidentialityInternal,
	})
	require.Len(t, candidates, 1)
	assert.Equal(t, "big", candidates[0].Id)
}

func TestFindCandidates_ClearanceForConfidential(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	cleared := testResource("cleared")
	uncleared := testResource("uncleared")
	uncleared.Cleared = false
	for _, resource := range []*schedulerobjects.Resource{cleared, uncleared} {
		_, err := r.Register(resource)
		require.NoError(t, err)
	}

	candidates := r.FindCandidates(&schedulerobjects.Requirements{
		MinAcceleratorMemoryMb: 8192,
		Confidentiality:        schedulerobjects.ConfidentialityConfidential,
	})
	require.Len(t, candidates, 1)
	assert.Equal(t, "cleared", candidates[0].Id)
}

func TestLoad_ResetsInFlightReservations(t *testing.T) {
	r := newTestRegistry(t, clock.NewFakeClock(time.Now()))
	reserved := testResource("reserved")
	reserved.State = schedulerobjects.ResourceReserved
	reserved.HolderJobId = "job-1"
	busy := testResource("busy")
	busy.State = schedulerobjects.ResourceBusy
	busy.HolderJobId = "job-2"
	degraded := testResource("degraded")
	degraded.State = schedulerobjects.ResourceDegraded

	require.NoError(t, r.Load([]*schedulerobjects.Resource{reserved, busy, degraded}))

	for _, id := range []string{"reserved", "busy"} {
		resource, err := r.GetById(id)
		require.NoError(t, err)
		assert.Equal(t, schedulerobjects.ResourceAvailable, resource.State)
		assert.Empty(t, resource.HolderJobId)
	}
	resource, err := r.GetById("degraded")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ResourceDegraded, resource.State)
}

func TestEstimateQueueWait(t *testing.T) {
	assert.Equal(t, time.Duration(0), EstimateQueueWait(0, 4, 20*time.Minute))
	assert.Equal(t, 50*time.Minute, EstimateQueueWait(10, 4, 20*time.Minute))
	// No available resources still yields a finite estimate.
	assert.Equal(t, 200*time.Minute, EstimateQueueWait(10, 0, 20*time.Minute))
}
