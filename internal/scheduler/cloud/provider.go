package cloud

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// Candidate is one instance type a provider can provision.
type Candidate struct {
	// Resource class the instance would join.
	Class   string
	Profile schedulerobjects.ClassProfile
	// Estimated cost per hour. The allocator provisions cheaper candidates
	// first.
	CostPerHour float64
}

// Provider is the capability interface every cloud integration implements.
// Concrete provider APIs (and their wire formats) are adapters behind this
// interface.
type Provider interface {
	// Name identifies the provider, e.g., for the resource record.
	Name() string
	// ListAvailable returns the instance types that satisfy the
	// requirements and could currently be provisioned.
	ListAvailable(req *schedulerobjects.Requirements) []Candidate
	// Provision rents one instance of the candidate type and returns the
	// resulting resource descriptor, ready for registration.
	Provision(candidate Candidate) (*schedulerobjects.Resource, error)
	// Terminate releases a rented instance.
	Terminate(resourceId string) error
}

// StaticProvider provisions from a fixed set of instance templates with a
// bounded pool, entirely in-process. It is the default provider and the one
// used in tests; real provider adapters replace it in deployment.
type StaticProvider struct {
	name        string
	maxPoolSize int
	templates   []configuration.InstanceTemplate

	mutex       sync.Mutex
	provisioned map[string]bool
}

func NewStaticProvider(config configuration.CloudConfig) *StaticProvider {
	return &StaticProvider{
		name:        config.Provider,
		maxPoolSize: config.MaxPoolSize,
		templates:   config.Templates,
		provisioned: map[string]bool{},
	}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) ListAvailable(req *schedulerobjects.Requirements) []Candidate {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if len(p.provisioned) >= p.maxPoolSize {
		return nil
	}
	var candidates []Candidate
	for _, template := range p.templates {
		if template.AcceleratorMemoryMb < req.MinAcceleratorMemoryMb {
			continue
		}
		candidates = append(candidates, Candidate{
			Class: template.Class,
			Profile: schedulerobjects.ClassProfile{
				ComputeUnits:        template.ComputeUnits,
				MemoryMb:            template.MemoryMb,
				AcceleratorMemoryMb: template.AcceleratorMemoryMb,
			},
			CostPerHour: template.CostPerHour,
		})
	}
	return candidates
}

func (p *StaticProvider) Provision(candidate Candidate) (*schedulerobjects.Resource, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if len(p.provisioned) >= p.maxPoolSize {
		return nil, errors.Errorf("cloud pool of provider %s is exhausted (%d instances)", p.name, p.maxPoolSize)
	}
	id := "cloud-" + uuid.NewString()
	p.provisioned[id] = true
	return &schedulerobjects.Resource{
		Id:       id,
		Class:    candidate.Class,
		Profile:  candidate.Profile,
		Locality: schedulerobjects.LocalityCloud,
		Provider: p.name,
		State:    schedulerobjects.ResourceAvailable,
	}, nil
}

func (p *StaticProvider) Terminate(resourceId string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.provisioned[resourceId] {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "cloud instance", Value: resourceId})
	}
	delete(p.provisioned, resourceId)
	return nil
}
