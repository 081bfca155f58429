// Package storage persists tenants, instances, and workers in a relational
// store and applies the atomic compare-and-update transitions the instance
// lifecycle state machine requires.
package storage

import (
	"context"
	"time"

	"github.com/opsfleet/opsfleet/pkg/types"
)

// Store defines the control plane's relational persistence surface.
// SQLStore (sqlite.go) is the only production implementation; tests use it
// against an in-memory database rather than a separate fake, since the
// compare-and-update semantics are load-bearing and hard to fake faithfully.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, t *types.Tenant) error
	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
	GetTenantBySubdomain(ctx context.Context, subdomain string) (*types.Tenant, error)

	// Instances
	CreateInstance(ctx context.Context, inst *types.Instance) error
	GetInstance(ctx context.Context, tenantID string) (*types.Instance, error)
	ListInstancesByState(ctx context.Context, states ...types.InstanceState) ([]*types.Instance, error)
	ListInstancesByWorker(ctx context.Context, workerID string) ([]*types.Instance, error)
	UpdateInstance(ctx context.Context, inst *types.Instance) error

	// CompareAndSetState atomically transitions an instance from one of
	// fromStates to toState. It returns errs.Conflict if the row's current
	// state was not in fromStates when the update ran.
	CompareAndSetState(ctx context.Context, tenantID string, fromStates []types.InstanceState, toState types.InstanceState) error

	// IncrementProvisionRetries atomically increments the retry counter
	// and returns the new value.
	IncrementProvisionRetries(ctx context.Context, tenantID string) (int, error)
	ResetProvisionRetries(ctx context.Context, tenantID string) error

	TouchHeartbeat(ctx context.Context, tenantID string, at time.Time) error

	// Workers
	CreateWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	UpdateWorker(ctx context.Context, w *types.Worker) error
	DeleteWorker(ctx context.Context, id string) error

	// AdjustWorkerAllocation atomically adds deltaBytes (signed) to a
	// worker's allocated memory, used on provision and on teardown so
	// concurrent placements never read a stale allocation.
	AdjustWorkerAllocation(ctx context.Context, workerID string, deltaBytes int64) error

	// Plans
	CreatePlan(ctx context.Context, p *types.Plan) error
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	ListPlans(ctx context.Context) ([]*types.Plan, error)

	Close() error
}
