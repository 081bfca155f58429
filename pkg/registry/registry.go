// Package registry tracks the fleet of worker hosts and selects placement
// targets for new instances.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/types"
)

// Grower provisions a new worker host. Production deployments wire this to
// a cloud-provider collaborator (not part of this module); the default
// NoopGrower logs and refuses, so pickBest fails fast with NoCapacity
// rather than hanging on an unconfigured provider.
type Grower interface {
	Grow(ctx context.Context) (*types.Worker, error)
}

// NoopGrower always fails. It is the default when no cloud provider is configured.
type NoopGrower struct{}

func (NoopGrower) Grow(ctx context.Context) (*types.Worker, error) {
	log.Warn("registry: grow requested but no capacity provider configured")
	return nil, errs.Wrap(errs.NoCapacity, "no capacity provider configured", nil)
}

// Registry selects placement targets and keeps worker memory accounting
// synchronized with the instances actually placed on each host.
type Registry struct {
	store            storage.Store
	grower           Grower
	overcommitFactor float64
}

// New builds a Registry. overcommitFactor must be >= 1.0.
func New(store storage.Store, grower Grower, overcommitFactor float64) *Registry {
	if grower == nil {
		grower = NoopGrower{}
	}
	if overcommitFactor < 1.0 {
		overcommitFactor = 1.0
	}
	return &Registry{store: store, grower: grower, overcommitFactor: overcommitFactor}
}

// PickBest selects the ready worker with the most capacity headroom
// (lowest allocated/total ratio) that can fit neededRAM, ties broken by
// worker ID for determinism. When allowGrow is set and no candidate
// exists, it calls Grow once and retries.
func (r *Registry) PickBest(ctx context.Context, neededRAM int64, allowGrow bool) (*types.Worker, error) {
	best, err := r.selectCandidate(ctx, neededRAM)
	if err == nil {
		return best, nil
	}
	if !allowGrow {
		return nil, err
	}

	grown, growErr := r.grower.Grow(ctx)
	if growErr != nil {
		return nil, errs.Wrap(errs.NoCapacity, "grow failed", growErr)
	}
	if err := r.store.CreateWorker(ctx, grown); err != nil {
		return nil, fmt.Errorf("persist grown worker: %w", err)
	}

	return r.selectCandidate(ctx, neededRAM)
}

func (r *Registry) selectCandidate(ctx context.Context, neededRAM int64) (*types.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	var candidates []*types.Worker
	for _, w := range workers {
		if w.HasCapacity(neededRAM, r.overcommitFactor) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, errs.Wrap(errs.NoCapacity, fmt.Sprintf("no worker with %d bytes headroom", neededRAM), nil)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri := occupancyRatio(candidates[i])
		rj := occupancyRatio(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates[0], nil
}

func occupancyRatio(w *types.Worker) float64 {
	if w.MemoryBytes == 0 {
		return 1
	}
	return float64(w.MemoryAllocated) / float64(w.MemoryBytes)
}

// Refresh recomputes workerID's allocated memory from the instances
// actually placed on it — the only sanctioned mutation path for worker
// memory accounting. Direct increment/decrement from callers other than
// the provisioner's placement/release steps is forbidden.
func (r *Registry) Refresh(ctx context.Context, workerID string) error {
	instances, err := r.store.ListInstancesByWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("list instances for worker %s: %w", workerID, err)
	}

	var total int64
	for _, inst := range instances {
		if !countsTowardAllocation(inst.State) {
			continue
		}
		plan, err := r.planForInstance(ctx, inst)
		if err != nil {
			return err
		}
		total += plan.RAMBytes
	}

	worker, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	worker.MemoryAllocated = total
	return r.store.UpdateWorker(ctx, worker)
}

// countsTowardAllocation reports whether an instance in this state still
// occupies memory on its worker. Sleeping instances count at full weight:
// the sleep-reclaim loop, not refresh, is responsible for actually
// stopping the process and freeing host memory.
func countsTowardAllocation(s types.InstanceState) bool {
	switch s {
	case types.InstanceStateProvisioning, types.InstanceStateStarting,
		types.InstanceStateActive, types.InstanceStateSleeping, types.InstanceStateGracePeriod:
		return true
	}
	return false
}

func (r *Registry) planForInstance(ctx context.Context, inst *types.Instance) (*types.Plan, error) {
	tenant, err := r.store.GetTenant(ctx, inst.TenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", inst.TenantID, err)
	}
	plan, err := r.store.GetPlan(ctx, tenant.PlanID)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", tenant.PlanID, err)
	}
	return plan, nil
}

// EnsureCapacity triggers Grow once if fleet headroom is below minHeadroom
// bytes, for the scheduler's periodic capacity check — distinct from
// PickBest's grow-on-demand path, since this runs with no tenant placement
// pending at all. The returned bool reports whether a grow actually
// happened, so callers can track it (e.g. a metrics counter) without
// EnsureCapacity depending on any observability package itself.
func (r *Registry) EnsureCapacity(ctx context.Context, minHeadroom int64) (bool, error) {
	headroom, err := r.FleetHeadroom(ctx)
	if err != nil {
		return false, fmt.Errorf("registry: fleet headroom: %w", err)
	}
	if headroom >= minHeadroom {
		return false, nil
	}

	log.Warn(fmt.Sprintf("registry: fleet headroom %d below threshold %d, growing", headroom, minHeadroom))
	grown, err := r.grower.Grow(ctx)
	if err != nil {
		return false, errs.Wrap(errs.NoCapacity, "capacity check grow failed", err)
	}
	if err := r.store.CreateWorker(ctx, grown); err != nil {
		return false, err
	}
	return true, nil
}

// FleetHeadroom returns total free bytes across all ready workers at the
// configured overcommit factor, used by the scheduler's capacity check.
func (r *Registry) FleetHeadroom(ctx context.Context) (int64, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	var headroom int64
	for _, w := range workers {
		if w.Status != types.WorkerStatusReady {
			continue
		}
		usable := float64(w.MemoryBytes) * r.overcommitFactor
		free := usable - float64(w.MemoryAllocated)
		if free > 0 {
			headroom += int64(free)
		}
	}
	return headroom, nil
}
