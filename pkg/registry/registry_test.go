package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, nil, 1.0), store
}

func seedWorker(t *testing.T, store storage.Store, id string, totalBytes, allocatedBytes int64) {
	t.Helper()
	w := &types.Worker{
		ID: id, Address: id + ":22", Status: types.WorkerStatusReady,
		CPUCores: 4, MemoryBytes: totalBytes, MemoryAllocated: allocatedBytes, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateWorker(context.Background(), w))
}

func TestPickBestPrefersLowestOccupancy(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	seedWorker(t, store, "w-busy", 10<<30, 8<<30)  // 80% full
	seedWorker(t, store, "w-quiet", 10<<30, 2<<30) // 20% full

	best, err := reg.PickBest(ctx, 1<<30, false)
	require.NoError(t, err)
	require.Equal(t, "w-quiet", best.ID)
}

func TestPickBestTiesBrokenByID(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	seedWorker(t, store, "w-b", 10<<30, 5<<30)
	seedWorker(t, store, "w-a", 10<<30, 5<<30)

	best, err := reg.PickBest(ctx, 1<<30, false)
	require.NoError(t, err)
	require.Equal(t, "w-a", best.ID)
}

func TestPickBestNoCapacityWithoutGrow(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	seedWorker(t, store, "w-full", 10<<30, 10<<30)

	_, err := reg.PickBest(ctx, 1<<30, false)
	require.Error(t, err)
}

func TestPickBestInvokesGrowerWhenAllowed(t *testing.T) {
	store, err := storage.NewSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	grower := &fakeGrower{worker: &types.Worker{
		ID: "w-grown", Address: "w-grown:22", Status: types.WorkerStatusReady,
		CPUCores: 4, MemoryBytes: 10 << 30, CreatedAt: time.Now(),
	}}
	reg := New(store, grower, 1.0)

	best, err := reg.PickBest(context.Background(), 1<<30, true)
	require.NoError(t, err)
	require.Equal(t, "w-grown", best.ID)
	require.Equal(t, 1, grower.calls)
}

func TestRefreshSumsActiveStates(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	plan := &types.Plan{ID: "starter", Name: "Starter", RAMBytes: 512 << 20, CPUs: 0.5}
	require.NoError(t, store.CreatePlan(ctx, plan))

	seedWorker(t, store, "w-1", 10<<30, 0)
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{ID: "t-1", Subdomain: "acme", PlanID: "starter", CreatedAt: time.Now()}))
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{ID: "t-2", Subdomain: "beta", PlanID: "starter", CreatedAt: time.Now()}))

	require.NoError(t, store.CreateInstance(ctx, &types.Instance{
		TenantID: "t-1", WorkerID: "w-1", State: types.InstanceStateActive, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateInstance(ctx, &types.Instance{
		TenantID: "t-2", WorkerID: "w-1", State: types.InstanceStateSleeping, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, reg.Refresh(ctx, "w-1"))

	got, err := store.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	require.Equal(t, plan.RAMBytes*2, got.MemoryAllocated)
}

func TestFleetHeadroom(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	seedWorker(t, store, "w-1", 10<<30, 4<<30)
	seedWorker(t, store, "w-2", 10<<30, 10<<30)

	headroom, err := reg.FleetHeadroom(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(6<<30), headroom)
}

type fakeGrower struct {
	worker *types.Worker
	calls  int
}

func (g *fakeGrower) Grow(ctx context.Context) (*types.Worker, error) {
	g.calls++
	return g.worker, nil
}
