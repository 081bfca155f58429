package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/opsfleet/opsfleet/pkg/flight"
	"github.com/opsfleet/opsfleet/pkg/registry"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/types"
)

type fakeLeader struct{ leader bool }

func (f fakeLeader) IsLeader() bool { return f.leader }

func newTestCollector(t *testing.T) (*Collector, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLStore(":memory:")
	require.NoError(t, err)
	reg := registry.New(store, registry.NoopGrower{}, 1.0)
	tracker := flight.NewTracker()
	return NewCollector(store, reg, tracker, fakeLeader{leader: true}), store
}

func TestCollectorPublishesTenantAndWorkerGauges(t *testing.T) {
	c, store := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePlan(ctx, &types.Plan{ID: "plan-basic", Name: "basic", RAMBytes: 512 << 20}))
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{ID: "550e8400-e29b-41d4-a716-446655440000", Subdomain: "acme", PlanID: "plan-basic"}))
	require.NoError(t, store.CreateInstance(ctx, &types.Instance{TenantID: "550e8400-e29b-41d4-a716-446655440000", State: types.InstanceStateActive}))
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{ID: "w-1", Address: "10.0.0.1:22", Status: types.WorkerStatusReady, MemoryBytes: 4 << 30}))

	c.collect()

	require.Equal(t, float64(1), testutil.ToFloat64(TenantsByState.WithLabelValues(string(types.InstanceStateActive))))
	require.Equal(t, float64(1), testutil.ToFloat64(WorkersByStatus.WithLabelValues(string(types.WorkerStatusReady))))
}

func TestCollectorSetsLeaderGauge(t *testing.T) {
	c, _ := newTestCollector(t)
	c.collect()
	require.Equal(t, float64(1), testutil.ToFloat64(RaftIsLeader))
}

func TestCollectorStartStopDoesNotPanic(t *testing.T) {
	c, _ := newTestCollector(t)
	c.Start()
	c.Stop()
}
