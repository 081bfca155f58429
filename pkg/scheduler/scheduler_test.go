package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsfleet/opsfleet/pkg/config"
	"github.com/opsfleet/opsfleet/pkg/edge"
	"github.com/opsfleet/opsfleet/pkg/flight"
	"github.com/opsfleet/opsfleet/pkg/lifecycle"
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

// fakeTransport answers "docker inspect" as running, "cat" from an in-memory
// file map populated by WriteStdin (so config.Write/Read round-trip without
// a real worker), and records every command so tests can assert on what the
// scheduler actually sent.
type fakeTransport struct {
	mu             sync.Mutex
	files          map[string][]byte
	calls          [][]string
	downContainers map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: make(map[string][]byte)}
}

func (f *fakeTransport) Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	defer f.mu.Unlock()

	if len(command) >= 2 && command[0] == "docker" && command[1] == "inspect" {
		if f.downContainers[command[len(command)-1]] {
			return transport.Result{ExitCode: 1, Stdout: "false"}, nil
		}
		return transport.Result{ExitCode: 0, Stdout: "true"}, nil
	}
	if len(command) == 2 && command[0] == "cat" {
		if body, ok := f.files[command[1]]; ok {
			return transport.Result{ExitCode: 0, Stdout: string(body)}, nil
		}
		return transport.Result{ExitCode: 1}, nil
	}
	if len(command) == 3 && command[0] == "mv" {
		if body, ok := f.files[command[1]]; ok {
			f.files[command[2]] = body
			delete(f.files, command[1])
		}
		return transport.Result{ExitCode: 0}, nil
	}
	return transport.Result{ExitCode: 0}, nil
}

func (f *fakeTransport) ExecWithStdin(ctx context.Context, worker *types.Worker, command []string, stdin []byte) (transport.Result, error) {
	return f.Exec(ctx, worker, command)
}

func (f *fakeTransport) WriteStdin(ctx context.Context, worker *types.Worker, remotePath string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = payload
	return nil
}

func (f *fakeTransport) callsMatching(first, second string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= 2 && c[0] == first && c[1] == second {
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

func newTestScheduler(t *testing.T, fx *fakeTransport) (*Scheduler, storage.Store, *config.Store) {
	t.Helper()
	store, err := storage.NewSQLStore(":memory:")
	require.NoError(t, err)

	reg := registry.New(store, registry.NoopGrower{}, 1.0)
	cfgStore := config.New(fx)
	edgeReconciler := edge.New(fx, fakeDNS{}, "apps.example.com", "consul://v3")
	prov := provisioner.New(store, reg, cfgStore, edgeReconciler, fx, nil, nil, "apps.example.com")

	tracker := flight.NewTracker()
	sleepLocks := flight.NewSleepLocks()
	lc := lifecycle.New(store, fx, cfgStore, prov, tracker, sleepLocks, "apps.example.com")

	s := New(store, reg, lc, cfgStore)
	return s, store, cfgStore
}

func seedTenantInstance(t *testing.T, store storage.Store, state types.InstanceState, idleTimeout, lastHeartbeat time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreatePlan(ctx, &types.Plan{ID: testPlanID, Name: "basic", RAMBytes: 512 << 20, CPUs: 0.5, IdleTimeout: idleTimeout}))
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{ID: testTenantID, Subdomain: "acme", PlanID: testPlanID, PaymentAttested: true}))
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{
		ID: testWorkerID, Address: "10.0.0.1:22", Status: types.WorkerStatusReady, CPUCores: 4, MemoryBytes: 4 << 30,
	}))
	require.NoError(t, store.CreateInstance(ctx, &types.Instance{
		TenantID: testTenantID, WorkerID: testWorkerID, State: state,
		ContainerID: "instance-" + testTenantID, LastHeartbeat: time.Now().Add(-lastHeartbeat),
	}))
}

func TestSleepReclaimTickStopsIdleTenant(t *testing.T) {
	fx := newFakeTransport()
	s, store, _ := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateActive, time.Minute, 2*time.Hour)

	s.sleepReclaimTick(context.Background())

	inst, err := store.GetInstance(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateSleeping, inst.State)
}

func TestSleepReclaimTickLeavesFreshTenantAlone(t *testing.T) {
	fx := newFakeTransport()
	s, store, _ := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateActive, time.Hour, time.Minute)

	s.sleepReclaimTick(context.Background())

	inst, err := store.GetInstance(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateActive, inst.State)
}

func TestCapacityTickGrowsBelowThreshold(t *testing.T) {
	fx := newFakeTransport()
	s, store, _ := newTestScheduler(t, fx)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{
		ID: "tight", Address: "10.0.0.2:22", Status: types.WorkerStatusReady,
		CPUCores: 1, MemoryBytes: 1 << 20, MemoryAllocated: 1 << 20,
	}))

	// NoopGrower always fails; capacityTick must log and return, not panic.
	s.capacityTick(ctx)
}

func TestScheduledTaskTickFiresdueTaskOnActiveTenant(t *testing.T) {
	fx := newFakeTransport()
	s, store, cfgStore := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateActive, 0, time.Minute)

	ctx := context.Background()
	worker, err := store.GetWorker(ctx, testWorkerID)
	require.NoError(t, err)
	require.NoError(t, cfgStore.Write(ctx, worker, testTenantID, &types.ConfigDocument{
		TenantID: testTenantID,
		ScheduledTasks: []types.ScheduledTask{
			{Name: "daily-report", CronExpr: "* * * * *", Command: "run report"},
		},
	}))

	s.lastTaskCheck = time.Now().Add(-2 * time.Minute)
	s.scheduledTaskTick(ctx)

	require.Equal(t, 1, fx.callsMatching("docker", "exec"))
}

func TestScheduledTaskTickSkipsSleepingTenantWithoutWakeRequired(t *testing.T) {
	fx := newFakeTransport()
	s, store, cfgStore := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateSleeping, 0, time.Minute)

	ctx := context.Background()
	worker, err := store.GetWorker(ctx, testWorkerID)
	require.NoError(t, err)
	require.NoError(t, cfgStore.Write(ctx, worker, testTenantID, &types.ConfigDocument{
		TenantID: testTenantID,
		ScheduledTasks: []types.ScheduledTask{
			{Name: "daily-report", CronExpr: "* * * * *", Command: "run report", WakeRequired: false},
		},
	}))

	s.lastTaskCheck = time.Now().Add(-2 * time.Minute)
	s.scheduledTaskTick(ctx)

	inst, err := store.GetInstance(ctx, testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateSleeping, inst.State)
	require.Equal(t, 0, fx.callsMatching("docker", "exec"))
}

// TestScheduledTaskTickWakesForWakeRequiredTask exercises the real
// lifecycle.Wake path, which carries its own ~2s gatewayInitDelay before
// returning — unavoidable here since that delay is a private knob of a
// different package.
func TestScheduledTaskTickWakesForWakeRequiredTask(t *testing.T) {
	fx := newFakeTransport()
	s, store, cfgStore := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateSleeping, 0, time.Minute)

	ctx := context.Background()
	worker, err := store.GetWorker(ctx, testWorkerID)
	require.NoError(t, err)
	require.NoError(t, cfgStore.Write(ctx, worker, testTenantID, &types.ConfigDocument{
		TenantID: testTenantID,
		ScheduledTasks: []types.ScheduledTask{
			{Name: "midnight-wake", CronExpr: "* * * * *", Command: "run job", WakeRequired: true},
		},
	}))

	s.lastTaskCheck = time.Now().Add(-2 * time.Minute)
	s.scheduledTaskTick(ctx)

	inst, err := store.GetInstance(ctx, testTenantID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateActive, inst.State)
	require.Equal(t, 1, fx.callsMatching("docker", "exec"))
}

func TestReconcileActiveTickRestartsDeadProcess(t *testing.T) {
	fx := newFakeTransport()
	fx.downContainers = map[string]bool{"instance-" + testTenantID: true}
	s, store, _ := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateActive, 0, time.Minute)
	s.EnableReconcileActive(fx, time.Minute)

	s.reconcileActiveTick(context.Background())

	require.Equal(t, 1, fx.callsMatching("docker", "restart"))
}

func TestReconcileActiveTickLeavesHealthyInstanceAlone(t *testing.T) {
	fx := newFakeTransport()
	s, store, _ := newTestScheduler(t, fx)
	seedTenantInstance(t, store, types.InstanceStateActive, 0, time.Minute)
	s.EnableReconcileActive(fx, time.Minute)

	s.reconcileActiveTick(context.Background())

	require.Equal(t, 0, fx.callsMatching("docker", "restart"))
}

func TestStartAndStopDoesNotPanic(t *testing.T) {
	fx := newFakeTransport()
	s, _, _ := newTestScheduler(t, fx)
	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}
