package schedulerobjects

import (
	"time"
)

type Locality string

const (
	LocalityLocal Locality = "local"
	LocalityCloud Locality = "cloud"
)

type ResourceState string

const (
	ResourceAvailable   ResourceState = "available"
	ResourceReserved    ResourceState = "reserved"
	ResourceBusy        ResourceState = "busy"
	ResourceDegraded    ResourceState = "degraded"
	ResourceUnreachable ResourceState = "unreachable"
)

// ClassProfile is the capability profile of a resource class.
type ClassProfile struct {
	// Abstract compute power units, used for cost estimation.
	ComputeUnits int64
	// Main memory in MB.
	MemoryMb int64
	// Accelerator memory in MB. Jobs request a minimum of this.
	AcceleratorMemoryMb int64
	// True if the class advertises multi-tenancy, i.e., may execute more
	// than one job at a time. The default is exclusive use.
	MultiTenant bool
}

// Resource is one executable capacity unit: a local accelerator or a rented
// cloud instance.
type Resource struct {
	Id string
	// Name of the resource class this resource belongs to, e.g., "gpu-24g".
	Class   string
	Profile ClassProfile
	// Whether the resource is on-premises or rented from a cloud provider.
	Locality Locality
	// Identity of the cloud provider for cloud resources, empty for local.
	Provider string
	// Base URL of the agent executing tasks on this resource. Optional;
	// resources without an endpoint cannot run remote tasks.
	Endpoint string
	State    ResourceState
	// Last time a heartbeat for this resource was received.
	LastHeartbeat time.Time
	// True if the resource may process restricted-confidentiality data.
	Cleared bool
	// Id of the job currently holding this resource, empty if none.
	// A resource is held by at most one job unless its profile advertises
	// multi-tenancy.
	HolderJobId string
}

// Schedulable returns true if the resource can accept a reservation.
func (r *Resource) Schedulable() bool {
	return r.State == ResourceAvailable
}

// Fits returns true if the resource's capability profile satisfies the
// capacity and clearance requirements. Locality constraints are the
// allocator's concern, not the registry's.
func (r *Resource) Fits(req *Requirements) bool {
	if r.Profile.AcceleratorMemoryMb < req.MinAcceleratorMemoryMb {
		return false
	}
	if !req.Confidentiality.AllowsCloud() && !r.Cleared {
		return false
	}
	return true
}

// DeepCopy deep copies the resource. Needed because resources stored in the
// registry must not be modified in-place.
func (r *Resource) DeepCopy() *Resource {
	if r == nil {
		return nil
	}
	result := *r
	return &result
}
