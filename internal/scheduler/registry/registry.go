package registry

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/common/events"
	"github.com/Paddel87/AIMA-sub000/internal/common/util"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

const (
	resourcesTable = "resources"
	idIndex        = "id"    // lookup by resource id
	stateIndex     = "state" // lookup by resource state
)

// Persister persists resource records so that the registry survives process
// restarts. Persistence is write-through and best-effort; the in-memory
// registry remains the source of truth while the process is up.
type Persister interface {
	UpsertResource(resource *schedulerobjects.Resource) error
	DeleteResource(id string) error
}

// UnreachableHandler is notified when the registry autonomously transitions
// a resource to unreachable after missed heartbeats.
type UnreachableHandler func(resource *schedulerobjects.Resource)

// Registry is the single source of truth for resource state. It serializes
// all reserve/release/heartbeat operations through go-memdb write
// transactions; reads run concurrently against immutable snapshots.
type Registry struct {
	db        *memdb.MemDB
	config    configuration.RegistryConfig
	clock     clock.Clock
	persister Persister
	sink      events.Sink
	handlers  []UnreachableHandler
}

func New(config configuration.RegistryConfig, clk clock.Clock, persister Persister, sink events.Sink) (*Registry, error) {
	db, err := memdb.NewMemDB(registrySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Registry{
		db:        db,
		config:    config,
		clock:     clk,
		persister: persister,
		sink:      sink,
	}, nil
}

// OnUnreachable registers a handler invoked for every resource the heartbeat
// sweep marks unreachable. Must be called before the sweep loop starts.
func (r *Registry) OnUnreachable(handler UnreachableHandler) {
	r.handlers = append(r.handlers, handler)
}

// Register validates the descriptor and adds the resource in state available.
// Returns the resource id, or an error of type *aimaerrors.ErrInvalidDescriptor
// (wrapped in a multierror if several fields are invalid).
func (r *Registry) Register(resource *schedulerobjects.Resource) (string, error) {
	if err := validateDescriptor(resource); err != nil {
		return "", err
	}

	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := getById(txn, resource.Id)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", errors.WithStack(&aimaerrors.ErrAlreadyExists{Type: "resource", Value: resource.Id})
	}

	registered := resource.DeepCopy()
	registered.State = schedulerobjects.ResourceAvailable
	registered.LastHeartbeat = r.clock.Now()
	registered.HolderJobId = ""
	if err := txn.Insert(resourcesTable, registered); err != nil {
		return "", errors.WithStack(err)
	}
	txn.Commit()
	r.persist(registered)
	log.WithField("resourceId", registered.Id).
		WithField("class", registered.Class).
		WithField("locality", registered.Locality).
		Info("resource registered")
	return registered.Id, nil
}

// Load seeds the registry from persisted records, e.g., at startup. Resources
// that were reserved or busy when the process stopped are returned to
// available; their jobs go through recovery separately.
func (r *Registry) Load(resources []*schedulerobjects.Resource) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, resource := range resources {
		loaded := resource.DeepCopy()
		if loaded.State == schedulerobjects.ResourceReserved || loaded.State == schedulerobjects.ResourceBusy {
			loaded.State = schedulerobjects.ResourceAvailable
			loaded.HolderJobId = ""
		}
		if err := txn.Insert(resourcesTable, loaded); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// Heartbeat refreshes a resource's last-heartbeat timestamp and applies the
// state reported by the probe. Heartbeats for reserved/busy resources never
// demote them to available.
func (r *Registry) Heartbeat(resourceId string, reported schedulerobjects.ResourceState) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	resource, err := getById(txn, resourceId)
	if err != nil {
		return err
	}
	if resource == nil {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "resource", Value: resourceId})
	}

	updated := resource.DeepCopy()
	updated.LastHeartbeat = r.clock.Now()
	switch {
	case reported == schedulerobjects.ResourceDegraded:
		updated.State = schedulerobjects.ResourceDegraded
	case resource.State == schedulerobjects.ResourceUnreachable,
		resource.State == schedulerobjects.ResourceDegraded:
		// A reachable heartbeat recovers the resource.
		updated.State = schedulerobjects.ResourceAvailable
		updated.HolderJobId = ""
	}
	if err := txn.Insert(resourcesTable, updated); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	r.persist(updated)
	return nil
}

// FindCandidates returns resources whose capability profile satisfies the
// requirements, best fit first: ascending accelerator memory, local before
// cloud on ties, then id for determinism. Never mutates state.
func (r *Registry) FindCandidates(req *schedulerobjects.Requirements) []*schedulerobjects.Resource {
	txn := r.db.Txn(false)
	iter, err := txn.Get(resourcesTable, stateIndex, string(schedulerobjects.ResourceAvailable))
	if err != nil {
		log.Errorf("failed to list available resources: %v", err)
		return nil
	}

	var candidates []*schedulerobjects.Resource
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		resource := obj.(*schedulerobjects.Resource)
		if resource.Fits(req) {
			candidates = append(candidates, resource)
		}
	}
	slices.SortFunc(candidates, func(a, b *schedulerobjects.Resource) bool {
		if a.Profile.AcceleratorMemoryMb != b.Profile.AcceleratorMemoryMb {
			return a.Profile.AcceleratorMemoryMb < b.Profile.AcceleratorMemoryMb
		}
		if a.Locality != b.Locality {
			return a.Locality == schedulerobjects.LocalityLocal
		}
		return a.Id < b.Id
	})
	return candidates
}

// Reserve atomically transitions a resource from available to reserved on
// behalf of jobId. Returns false if the resource is not available; callers
// retry against the next candidate, never block. Multi-tenant resources stay
// available and accept concurrent jobs.
func (r *Registry) Reserve(resourceId string, jobId string) (bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	resource, err := getById(txn, resourceId)
	if err != nil {
		return false, err
	}
	if resource == nil {
		return false, errors.WithStack(&aimaerrors.ErrNotFound{Type: "resource", Value: resourceId})
	}
	if !resource.Schedulable() {
		return false, nil
	}
	if resource.Profile.MultiTenant {
		return true, nil
	}

	reserved := resource.DeepCopy()
	reserved.State = schedulerobjects.ResourceReserved
	reserved.HolderJobId = jobId
	if err := txn.Insert(resourcesTable, reserved); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	r.persist(reserved)
	return true, nil
}

// MarkBusy transitions a reserved resource to busy once its job starts
// executing.
func (r *Registry) MarkBusy(resourceId string) error {
	return r.transition(resourceId, func(resource *schedulerobjects.Resource) bool {
		if resource.State != schedulerobjects.ResourceReserved {
			return false
		}
		resource.State = schedulerobjects.ResourceBusy
		return true
	})
}

// MarkDegraded transitions a resource to degraded, e.g., after a
// system-critical execution failure, and clears its holder. The resource
// recovers on its next healthy heartbeat.
func (r *Registry) MarkDegraded(resourceId string) error {
	return r.transition(resourceId, func(resource *schedulerobjects.Resource) bool {
		if resource.State == schedulerobjects.ResourceDegraded || resource.State == schedulerobjects.ResourceUnreachable {
			return false
		}
		resource.State = schedulerobjects.ResourceDegraded
		resource.HolderJobId = ""
		return true
	})
}

// Release transitions a reserved or busy resource back to available and
// clears its holder. Idempotent: releasing an available resource is a no-op.
func (r *Registry) Release(resourceId string) error {
	return r.transition(resourceId, func(resource *schedulerobjects.Resource) bool {
		if resource.State != schedulerobjects.ResourceReserved && resource.State != schedulerobjects.ResourceBusy {
			return false
		}
		resource.State = schedulerobjects.ResourceAvailable
		resource.HolderJobId = ""
		return true
	})
}

// Deregister removes a resource from the registry.
func (r *Registry) Deregister(resourceId string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	resource, err := getById(txn, resourceId)
	if err != nil {
		return err
	}
	if resource == nil {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "resource", Value: resourceId})
	}
	if err := txn.Delete(resourcesTable, resource); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	if r.persister != nil {
		if err := r.persister.DeleteResource(resourceId); err != nil {
			log.Errorf("failed to delete resource %s from durable store: %v", resourceId, err)
		}
	}
	return nil
}

// GetById returns a copy of the resource with the given id, or nil if no
// such resource exists.
func (r *Registry) GetById(resourceId string) (*schedulerobjects.Resource, error) {
	txn := r.db.Txn(false)
	resource, err := getById(txn, resourceId)
	if err != nil {
		return nil, err
	}
	return resource.DeepCopy(), nil
}

// GetAll returns a copy of every registered resource.
func (r *Registry) GetAll() ([]*schedulerobjects.Resource, error) {
	txn := r.db.Txn(false)
	iter, err := txn.Get(resourcesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*schedulerobjects.Resource
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*schedulerobjects.Resource).DeepCopy())
	}
	return result, nil
}

// CountByClass returns the number of non-unreachable resources per class.
func (r *Registry) CountByClass() map[string]int {
	txn := r.db.Txn(false)
	iter, err := txn.Get(resourcesTable, idIndex)
	if err != nil {
		log.Errorf("failed to list resources: %v", err)
		return nil
	}
	result := map[string]int{}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		resource := obj.(*schedulerobjects.Resource)
		if resource.State != schedulerobjects.ResourceUnreachable {
			result[resource.Class]++
		}
	}
	return result
}

// SweepUnreachable transitions every resource whose heartbeat is older than
// the configured timeout to unreachable, emits a failure event for each and
// notifies the registered handlers. Run periodically by the task manager.
func (r *Registry) SweepUnreachable() {
	deadline := r.clock.Now().Add(-r.config.HeartbeatTimeout())

	txn := r.db.Txn(true)
	iter, err := txn.Get(resourcesTable, idIndex)
	if err != nil {
		txn.Abort()
		log.Errorf("heartbeat sweep failed: %v", err)
		return
	}
	var unreachable []*schedulerobjects.Resource
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		resource := obj.(*schedulerobjects.Resource)
		if resource.State == schedulerobjects.ResourceUnreachable {
			continue
		}
		if resource.LastHeartbeat.Before(deadline) {
			updated := resource.DeepCopy()
			updated.State = schedulerobjects.ResourceUnreachable
			if err := txn.Insert(resourcesTable, updated); err != nil {
				txn.Abort()
				log.Errorf("heartbeat sweep failed: %v", err)
				return
			}
			unreachable = append(unreachable, updated)
		}
	}
	txn.Commit()

	for _, resource := range unreachable {
		r.persist(resource)
		log.WithField("resourceId", resource.Id).
			WithField("lastHeartbeat", resource.LastHeartbeat).
			Warn("resource unreachable")
		if r.sink != nil {
			r.sink.Send(events.Event{
				Type:       events.ResourceUnreachable,
				Created:    r.clock.Now(),
				ResourceId: resource.Id,
				Details:    map[string]string{"holderJobId": resource.HolderJobId},
			})
		}
		for _, handler := range r.handlers {
			handler(resource.DeepCopy())
		}
	}
}

func (r *Registry) transition(resourceId string, mutate func(*schedulerobjects.Resource) bool) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	resource, err := getById(txn, resourceId)
	if err != nil {
		return err
	}
	if resource == nil {
		return errors.WithStack(&aimaerrors.ErrNotFound{Type: "resource", Value: resourceId})
	}
	updated := resource.DeepCopy()
	if !mutate(updated) {
		return nil
	}
	if err := txn.Insert(resourcesTable, updated); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	r.persist(updated)
	return nil
}

func (r *Registry) persist(resource *schedulerobjects.Resource) {
	if r.persister == nil {
		return
	}
	if err := r.persister.UpsertResource(resource); err != nil {
		log.Errorf("failed to persist resource %s: %v", resource.Id, err)
	}
}

func getById(txn *memdb.Txn, id string) (*schedulerobjects.Resource, error) {
	obj, err := txn.First(resourcesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*schedulerobjects.Resource), nil
}

func validateDescriptor(resource *schedulerobjects.Resource) error {
	var result *multierror.Error
	if resource.Id == "" {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "id", Value: resource.Id, Message: "id must be non-empty",
		})
	}
	if resource.Class == "" {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "class", Value: resource.Class, Message: "class must be non-empty",
		})
	}
	if resource.Profile.ComputeUnits <= 0 {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "computeUnits", Value: resource.Profile.ComputeUnits, Message: "must be positive",
		})
	}
	if resource.Profile.MemoryMb <= 0 {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "memoryMb", Value: resource.Profile.MemoryMb, Message: "must be positive",
		})
	}
	if resource.Profile.AcceleratorMemoryMb <= 0 {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "acceleratorMemoryMb", Value: resource.Profile.AcceleratorMemoryMb, Message: "must be positive",
		})
	}
	if resource.Locality != schedulerobjects.LocalityLocal && resource.Locality != schedulerobjects.LocalityCloud {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "locality", Value: string(resource.Locality), Message: "must be local or cloud",
		})
	}
	if resource.Locality == schedulerobjects.LocalityCloud && resource.Provider == "" {
		result = multierror.Append(result, &aimaerrors.ErrInvalidDescriptor{
			Name: "provider", Value: resource.Provider, Message: "cloud resources must name a provider",
		})
	}
	return errors.WithStack(result.ErrorOrNil())
}

// registrySchema creates the database schema: a single resources table with
// indexes for id lookups and state scans.
func registrySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			resourcesTable: {
				Name: resourcesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					stateIndex: {
						Name:    stateIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		},
	}
}

// EstimateQueueWait approximates how long a newly queued job would wait for a
// local resource given the current queue depth.
func EstimateQueueWait(queueDepth int, localAvailable int, meanJobDuration time.Duration) time.Duration {
	if queueDepth <= 0 {
		return 0
	}
	denominator := util.Max(float64(localAvailable), 1)
	return time.Duration(float64(queueDepth) / denominator * float64(meanJobDuration))
}
