package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsfleet/opsfleet/pkg/config"
	"github.com/opsfleet/opsfleet/pkg/edge"
	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/flight"
	"github.com/opsfleet/opsfleet/pkg/provisioner"
	"github.com/opsfleet/opsfleet/pkg/registry"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

const (
	testTenantID = "550e8400-e29b-41d4-a716-446655440000"
	testWorkerID = "w-1"
	testPlanID   = "plan-basic"
)

// fakeTransport answers docker inspect as running by default, and every
// other command with exit 0, unless overridden.
type fakeTransport struct {
	mu             sync.Mutex
	inspectHealthy bool
	calls          [][]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inspectHealthy: true}
}

func (f *fakeTransport) Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.mu.Unlock()

	if len(command) >= 2 && command[0] == "docker" && command[1] == "inspect" {
		if f.inspectHealthy {
			return transport.Result{ExitCode: 0, Stdout: "true"}, nil
		}
		return transport.Result{ExitCode: 1}, nil
	}
	return transport.Result{ExitCode: 0}, nil
}

func (f *fakeTransport) ExecWithStdin(ctx context.Context, worker *types.Worker, command []string, stdin []byte) (transport.Result, error) {
	return f.Exec(ctx, worker, command)
}

func (f *fakeTransport) WriteStdin(ctx context.Context, worker *types.Worker, remotePath string, payload []byte) error {
	return nil
}

func (f *fakeTransport) callCount(first string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > 0 && c[0] == first {
			n++
		}
	}
	return n
}

type fakeDNS struct{}

func (fakeDNS) Upsert(ctx context.Context, subdomain, previewSubdomain, workerAddr string) error {
	return nil
}
func (fakeDNS) Delete(ctx context.Context, subdomain, previewSubdomain string) error { return nil }

func newTestController(t *testing.T, fx *fakeTransport) (*Controller, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLStore(":memory:")
	require.NoError(t, err)

	reg := registry.New(store, registry.NoopGrower{}, 1.0)
	cfgStore := config.New(fx)
	edgeReconciler := edge.New(fx, fakeDNS{}, "apps.example.com", "consul://v3")
	prov := provisioner.New(store, reg, cfgStore, edgeReconciler, fx, nil, nil, "apps.example.com")

	tracker := flight.NewTracker()
	sleepLocks := flight.NewSleepLocks()
	c := New(store, fx, cfgStore, prov, tracker, sleepLocks, "apps.example.com")
	return c, store
}

func seed(t *testing.T, store storage.Store, state types.InstanceState) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreatePlan(ctx, &types.Plan{ID: testPlanID, Name: "basic", RAMBytes: 512 << 20, CPUs: 0.5}))
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		ID: testTenantID, Subdomain: "acme", PlanID: testPlanID, PaymentAttested: true,
	}))
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{
		ID: testWorkerID, Address: "10.0.0.1:22", Status: types.WorkerStatusReady,
		CPUCores: 4, MemoryBytes: 4 << 30,
	}))
	require.NoError(t, store.CreateInstance(ctx, &types.Instance{
		TenantID: testTenantID, WorkerID: testWorkerID, State: state,
		ContainerID: "instance-" + testTenantID,
	}))
}

func TestWakePromotesSleepingToActive(t *testing.T) {
	gatewayInitDelay = time.Millisecond
	reapplyDelay = time.Millisecond
	t.Cleanup(func() { gatewayInitDelay = 2 * time.Second; reapplyDelay = 10 * time.Second })

	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateSleeping)

	require.NoError(t, c.Wake(context.Background(), testTenantID))

	inst, err := store.GetInstance(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateActive, inst.State)
	require.False(t, inst.LastHeartbeat.IsZero())
	require.GreaterOrEqual(t, fx.callCount("docker"), 1)
}

func TestSleepStopsProcessAndMarksSleeping(t *testing.T) {
	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateActive)

	require.NoError(t, c.Sleep(context.Background(), testTenantID))

	inst, err := store.GetInstance(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateSleeping, inst.State)
}

func TestRestartClearsLocksAndRestartsProcess(t *testing.T) {
	reapplyDelay = time.Millisecond
	t.Cleanup(func() { reapplyDelay = 10 * time.Second })

	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateActive)

	require.NoError(t, c.Restart(context.Background(), testTenantID))
	require.GreaterOrEqual(t, fx.callCount("docker"), 1)
	require.GreaterOrEqual(t, fx.callCount("sh"), 1)
}

func TestRestartRejectsInvalidTenantID(t *testing.T) {
	fx := newFakeTransport()
	c, _ := newTestController(t, fx)

	err := c.Restart(context.Background(), "; rm -rf /")
	require.Error(t, err)
	require.ErrorIs(t, err, errs.InvariantViolation)
	require.Zero(t, fx.callCount("sh"))
}

func TestTouchUpdatesHeartbeatOnly(t *testing.T) {
	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateActive)

	require.NoError(t, c.Touch(context.Background(), testTenantID))

	inst, err := store.GetInstance(context.Background(), testTenantID)
	require.NoError(t, err)
	require.False(t, inst.LastHeartbeat.IsZero())
	require.Equal(t, types.InstanceStateActive, inst.State) // touch never changes state
}

func TestOpenWithNoPlacementBeginsBackgroundProvision(t *testing.T) {
	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	ctx := context.Background()
	require.NoError(t, store.CreatePlan(ctx, &types.Plan{ID: testPlanID, Name: "basic", RAMBytes: 512 << 20, CPUs: 0.5}))
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{ID: testTenantID, Subdomain: "acme", PlanID: testPlanID, PaymentAttested: true}))
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{ID: testWorkerID, Address: "10.0.0.1:22", Status: types.WorkerStatusReady, CPUCores: 4, MemoryBytes: 4 << 30}))

	result, err := c.Open(ctx, testTenantID)
	require.NoError(t, err)
	require.Equal(t, StatusProvisioning, result.Status)
	require.Empty(t, result.URL)
}

func TestOpenPromotesRunningProvisioningInstance(t *testing.T) {
	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateProvisioning)

	result, err := c.Open(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, result.Status)
	require.NotEmpty(t, result.URL)

	inst, err := store.GetInstance(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateActive, inst.State)
}

func TestOpenOnActiveButNotRunningAttemptsStart(t *testing.T) {
	fx := newFakeTransport()
	fx.inspectHealthy = false // process is not actually running
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateActive)

	result, err := c.Open(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, result.Status)
	require.GreaterOrEqual(t, fx.callCount("docker"), 1)
}

func TestOpenWakesSleepingInstance(t *testing.T) {
	gatewayInitDelay = time.Millisecond
	reapplyDelay = time.Millisecond
	t.Cleanup(func() { gatewayInitDelay = 2 * time.Second; reapplyDelay = 10 * time.Second })

	fx := newFakeTransport()
	c, store := newTestController(t, fx)
	seed(t, store, types.InstanceStateSleeping)

	result, err := c.Open(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, result.Status)
	require.NotEmpty(t, result.URL)
}
