package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfleet/opsfleet/pkg/config"
	"github.com/opsfleet/opsfleet/pkg/cron"
	"github.com/opsfleet/opsfleet/pkg/health"
	"github.com/opsfleet/opsfleet/pkg/lifecycle"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/registry"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

// Execer is the subset of *transport.Transport the optional reconciliation
// loop needs to check an active instance's process is actually running.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
}

const (
	sleepReclaimInterval  = 5 * time.Minute
	capacityInterval      = 10 * time.Minute
	scheduledTaskInterval = time.Minute

	// minHeadroomBytes is the fleet-wide free-RAM floor the capacity check
	// defends; below it, EnsureCapacity grows the fleet ahead of the next
	// placement rather than waiting for one to fail with NoCapacity.
	minHeadroomBytes = 2 << 30
)

// Scheduler runs the sleep-reclaim, capacity-check, and scheduled-task
// loops. Each loop owns its own ticker and reentrancy flag; Stop halts all
// three together.
type Scheduler struct {
	store     storage.Store
	registry  *registry.Registry
	lifecycle *lifecycle.Controller
	config    *config.Store
	logger    zerolog.Logger

	stopCh chan struct{}

	reclaimRunning   atomic.Bool
	capacityRunning  atomic.Bool
	tasksRunning     atomic.Bool
	reconcileRunning atomic.Bool

	lastTaskCheck time.Time

	sleepReclaimInterval  time.Duration
	capacityInterval      time.Duration
	scheduledTaskInterval time.Duration

	// reconcileActiveInterval and transport gate the optional fourth loop,
	// ReconcileActive: zero interval (the default) or a nil transport
	// leaves it disabled, matching spec.md's "optional enhancement" framing
	// for comparing every active record against its worker's process list.
	reconcileActiveInterval time.Duration
	transport               Execer
}

// New builds a Scheduler. lifecycle and registry are shared with the rest
// of the process — Scheduler does not own either's lifetime.
func New(store storage.Store, reg *registry.Registry, lc *lifecycle.Controller, cfgStore *config.Store) *Scheduler {
	return &Scheduler{
		store:     store,
		registry:  reg,
		lifecycle: lc,
		config:    cfgStore,
		logger:    log.WithComponent("scheduler"),
		stopCh:    make(chan struct{}),

		sleepReclaimInterval:  sleepReclaimInterval,
		capacityInterval:      capacityInterval,
		scheduledTaskInterval: scheduledTaskInterval,
	}
}

// SetIntervals overrides the default loop periods; zero values leave the
// corresponding default untouched. Call before Start.
func (s *Scheduler) SetIntervals(sleepReclaim, capacity, scheduledTask time.Duration) {
	if sleepReclaim > 0 {
		s.sleepReclaimInterval = sleepReclaim
	}
	if capacity > 0 {
		s.capacityInterval = capacity
	}
	if scheduledTask > 0 {
		s.scheduledTaskInterval = scheduledTask
	}
}

// EnableReconcileActive turns on the fourth, opt-in loop that compares
// every `active` instance against its worker's process list, restarting
// any whose process has died without a corresponding state transition.
// Disabled (the default) unless interval > 0 and t is non-nil.
func (s *Scheduler) EnableReconcileActive(t Execer, interval time.Duration) {
	s.transport = t
	s.reconcileActiveInterval = interval
}

// Start launches the three loops, plus the reconcile-active loop when
// EnableReconcileActive turned it on, each in its own goroutine.
func (s *Scheduler) Start() {
	s.lastTaskCheck = time.Now()
	go s.runLoop("sleep_reclaim", s.sleepReclaimInterval, &s.reclaimRunning, s.sleepReclaimTick)
	go s.runLoop("capacity", s.capacityInterval, &s.capacityRunning, s.capacityTick)
	go s.runLoop("scheduled_tasks", s.scheduledTaskInterval, &s.tasksRunning, s.scheduledTaskTick)
	if s.reconcileActiveInterval > 0 && s.transport != nil {
		go s.runLoop("reconcile_active", s.reconcileActiveInterval, &s.reconcileRunning, s.reconcileActiveTick)
	}
}

// Stop halts every loop Start launched.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// runLoop drives a single self-skipping ticker: if running is already true
// when the ticker fires, this tick is dropped entirely rather than queued
// behind the one still in flight.
func (s *Scheduler) runLoop(name string, interval time.Duration, running *atomic.Bool, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				s.logger.Warn().Dur("interval", interval).Str("loop", name).Msg("previous tick still running, skipping")
				metrics.SchedulerTickSkippedTotal.WithLabelValues(name).Inc()
				continue
			}
			func() {
				defer running.Store(false)
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				defer cancel()
				tick(ctx)
			}()
		case <-s.stopCh:
			return
		}
	}
}

// sleepReclaimTick stops every active instance whose tenant has been idle
// longer than its plan's IdleTimeout.
func (s *Scheduler) sleepReclaimTick(ctx context.Context) {
	instances, err := s.store.ListInstancesByState(ctx, types.InstanceStateActive)
	if err != nil {
		s.logger.Error().Err(err).Msg("sleep reclaim: list active instances")
		return
	}

	now := time.Now()
	reclaimed := 0
	for _, inst := range instances {
		tenant, err := s.store.GetTenant(ctx, inst.TenantID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("sleep reclaim: get tenant")
			continue
		}
		plan, err := s.store.GetPlan(ctx, tenant.PlanID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("sleep reclaim: get plan")
			continue
		}
		if plan.IdleTimeout <= 0 || now.Sub(inst.LastHeartbeat) <= plan.IdleTimeout {
			continue
		}

		if err := s.lifecycle.Sleep(ctx, inst.TenantID); err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("sleep reclaim: sleep failed")
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		s.logger.Info().Int("count", reclaimed).Msg("sleep reclaim: tenants reclaimed")
		metrics.SleepReclaimedTotal.Add(float64(reclaimed))
	}
}

// capacityTick grows the fleet when free RAM falls below minHeadroomBytes.
func (s *Scheduler) capacityTick(ctx context.Context) {
	grew, err := s.registry.EnsureCapacity(ctx, minHeadroomBytes)
	if err != nil {
		s.logger.Error().Err(err).Msg("capacity check: ensure capacity")
		return
	}
	if grew {
		metrics.CapacityGrowthsTotal.Inc()
	}
}

// scheduledTaskTick fires every tenant-defined cron job whose schedule has
// ticked since the previous pass.
func (s *Scheduler) scheduledTaskTick(ctx context.Context) {
	now := time.Now()
	since := s.lastTaskCheck
	s.lastTaskCheck = now

	instances, err := s.store.ListInstancesByState(ctx,
		types.InstanceStateActive, types.InstanceStateSleeping, types.InstanceStateGracePeriod)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled tasks: list instances")
		return
	}

	for _, inst := range instances {
		s.runTenantTasks(ctx, inst, since, now)
	}
}

func (s *Scheduler) runTenantTasks(ctx context.Context, inst *types.Instance, since, now time.Time) {
	worker, err := s.store.GetWorker(ctx, inst.WorkerID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("scheduled tasks: get worker")
		return
	}

	doc, degraded, err := s.config.Read(ctx, worker, inst.TenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("scheduled tasks: read config")
		return
	}
	if degraded || len(doc.ScheduledTasks) == 0 {
		return
	}

	for _, task := range doc.ScheduledTasks {
		if !cron.Valid(task.CronExpr) {
			s.logger.Warn().Str("tenant_id", inst.TenantID).Str("task", task.Name).Msg("scheduled tasks: invalid cron expression")
			continue
		}
		due, err := cron.Due(task, since, now)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Str("task", task.Name).Msg("scheduled tasks: compute due")
			continue
		}
		if !due {
			continue
		}
		s.fireTask(ctx, inst, worker, task)
	}
}

// fireTask delivers task's command into inst's running process. A task not
// marked WakeRequired silently skips a tenant that is not currently active,
// rather than waking it speculatively.
func (s *Scheduler) fireTask(ctx context.Context, inst *types.Instance, worker *types.Worker, task types.ScheduledTask) {
	if inst.State != types.InstanceStateActive {
		if !task.WakeRequired {
			s.logger.Debug().Str("tenant_id", inst.TenantID).Str("task", task.Name).Msg("scheduled tasks: skipping non-wake-required task on sleeping tenant")
			metrics.ScheduledTasksFiredTotal.WithLabelValues("skipped_sleeping").Inc()
			return
		}
		if err := s.lifecycle.Wake(ctx, inst.TenantID); err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Str("task", task.Name).Msg("scheduled tasks: wake for task failed")
			metrics.ScheduledTasksFiredTotal.WithLabelValues("wake_failed").Inc()
			return
		}
		refreshed, err := s.store.GetInstance(ctx, inst.TenantID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("scheduled tasks: reload instance after wake")
			metrics.ScheduledTasksFiredTotal.WithLabelValues("wake_failed").Inc()
			return
		}
		inst = refreshed
	}

	if err := s.config.SendMessage(ctx, worker, inst.ContainerID, []byte(task.Command)); err != nil {
		s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Str("task", task.Name).Msg("scheduled tasks: send message failed")
		metrics.ScheduledTasksFiredTotal.WithLabelValues("send_failed").Inc()
		return
	}
	s.logger.Info().Str("tenant_id", inst.TenantID).Str("task", task.Name).Msg("scheduled tasks: fired")
	metrics.ScheduledTasksFiredTotal.WithLabelValues("fired").Inc()
}

// reconcileActiveTick compares every `active` instance's recorded state
// against its worker's actual process list, restarting any whose process
// has died silently (worker reboot, OOM kill) without going through the
// normal sleep/wake or provision-failure paths. Opt-in: EnableReconcileActive
// must be called before Start for this tick to ever run.
func (s *Scheduler) reconcileActiveTick(ctx context.Context) {
	instances, err := s.store.ListInstancesByState(ctx, types.InstanceStateActive)
	if err != nil {
		s.logger.Error().Err(err).Msg("reconcile active: list active instances")
		return
	}

	for _, inst := range instances {
		worker, err := s.store.GetWorker(ctx, inst.WorkerID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("reconcile active: get worker")
			continue
		}

		checker := health.NewExecChecker(s.transport, worker, []string{"docker", "inspect", "-f", "{{.State.Running}}", inst.ContainerID})
		if checker.Check(ctx).Healthy {
			continue
		}

		s.logger.Warn().Str("tenant_id", inst.TenantID).Msg("reconcile active: process not running, restarting")
		if err := s.lifecycle.Restart(ctx, inst.TenantID); err != nil {
			s.logger.Error().Err(err).Str("tenant_id", inst.TenantID).Msg("reconcile active: restart failed")
			continue
		}
		metrics.ReconcileActiveRestartsTotal.Inc()
	}
}
