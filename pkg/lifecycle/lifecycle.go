// Package lifecycle implements the tenant instance lifecycle verbs —
// wake, sleep, restart, touch, and the open() UX composition that routes a
// user's click-through to whichever of those is appropriate for the
// instance's current state. Wake, sleep and restart are serialized per
// tenant by pkg/flight's sleepLocks; touch only records a heartbeat, and
// open starts a stopped active instance's process without taking that
// lock. Open's background
// provisioning path is serialized by the same Tracker pkg/provisioner's
// callers use, so a storm of concurrent opens starts the sequence once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/opsfleet/opsfleet/pkg/config"
	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/flight"
	"github.com/opsfleet/opsfleet/pkg/health"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/provisioner"
	"github.com/opsfleet/opsfleet/pkg/security"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

// reapplyDelay is how long wake/restart wait before re-pushing the gateway
// discovery endpoint and the existing token, giving the instance's own startup
// "doctor" pass time to run and strip those keys first. gatewayInitDelay is
// wake's shorter wait before first traffic. Both are vars, not consts, so
// tests can shrink them instead of sleeping out the production budget.
var (
	reapplyDelay     = 10 * time.Second
	gatewayInitDelay = 2 * time.Second
)

// runningCheckTimeout bounds the "is the process actually running" probe
// open() uses to decide between promoting and re-provisioning.
const runningCheckTimeout = 5 * time.Second

// reapplyFireTimeout bounds the detached reapply itself once its delay elapses.
const reapplyFireTimeout = 30 * time.Second

// Execer is the subset of *transport.Transport the lifecycle controller needs.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
}

// Status is the caller-facing outcome of Open.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
)

// OpenResult reports what Open did and, once the instance is reachable, the
// URL a caller can redirect the user to.
type OpenResult struct {
	Status Status
	URL    string
}

// Controller drives the five lifecycle verbs over a worker transport. The
// Tracker and SleepLocks are shared with the scheduler's reclaim loop (and,
// for Tracker, with whatever calls pkg/provisioner directly) so the two
// serialization devices spec.md's concurrency model requires are singletons
// across the whole process, not re-created per controller.
type Controller struct {
	store     storage.Store
	transport Execer
	config    *config.Store
	prov      *provisioner.Provisioner
	tracker   *flight.Tracker
	sleep     *flight.SleepLocks
	domain    string
}

// New builds a Controller.
func New(store storage.Store, t Execer, cfgStore *config.Store, prov *provisioner.Provisioner, tracker *flight.Tracker, sleepLocks *flight.SleepLocks, domain string) *Controller {
	return &Controller{
		store: store, transport: t, config: cfgStore, prov: prov,
		tracker: tracker, sleep: sleepLocks, domain: domain,
	}
}

// Wake starts tenantID's stopped process, waits briefly for gateway init,
// schedules a delayed reapplyGateway, and promotes the instance to active.
func (c *Controller) Wake(ctx context.Context, tenantID string) error {
	unlock := c.sleep.Lock(tenantID)
	defer unlock()

	tenant, inst, worker, err := c.tenantInstanceWorker(ctx, tenantID)
	if err != nil {
		return err
	}

	if err := c.startProcess(ctx, worker, inst); err != nil {
		return err
	}

	time.Sleep(gatewayInitDelay)

	c.scheduleReapply(tenant, worker, inst.ContainerID)

	if err := c.store.CompareAndSetState(ctx, tenantID,
		[]types.InstanceState{types.InstanceStateSleeping, types.InstanceStateGracePeriod}, types.InstanceStateActive); err != nil {
		return err
	}
	metrics.WakesTotal.Inc()
	return c.store.TouchHeartbeat(ctx, tenantID, time.Now())
}

// Sleep stops tenantID's process while retaining its on-disk state, and
// marks the instance sleeping. The RAM reservation on the worker row is not
// released here — that is the scheduler's refresh responsibility on its
// next pass, per the accounting model's single-writer rule.
func (c *Controller) Sleep(ctx context.Context, tenantID string) error {
	unlock := c.sleep.Lock(tenantID)
	defer unlock()

	inst, worker, err := c.instanceAndWorker(ctx, tenantID)
	if err != nil {
		return err
	}

	res, err := c.transport.Exec(ctx, worker, []string{"docker", "stop", inst.ContainerID})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("stop instance %s", inst.ContainerID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("lifecycle: stop instance %s exited %d: %s", inst.ContainerID, res.ExitCode, log.Redact(res.Stderr))
	}

	if err := c.store.CompareAndSetState(ctx, tenantID, []types.InstanceState{types.InstanceStateActive}, types.InstanceStateSleeping); err != nil {
		return err
	}
	metrics.SleepsTotal.Inc()
	return nil
}

// Restart clears stale per-session lock files in the tenant's data
// directory, restarts the process, and schedules a delayed reapplyGateway.
func (c *Controller) Restart(ctx context.Context, tenantID string) error {
	unlock := c.sleep.Lock(tenantID)
	defer unlock()

	if !transport.ValidUUID(tenantID) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid tenant id %q", tenantID), nil)
	}

	tenant, inst, worker, err := c.tenantInstanceWorker(ctx, tenantID)
	if err != nil {
		return err
	}

	cleanRes, err := c.transport.Exec(ctx, worker, []string{"sh", "-c", fmt.Sprintf("rm -f /opt/instances/%s/*.lock", tenantID)})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("clear session locks for tenant %s", tenantID), err)
	}
	if cleanRes.ExitCode != 0 {
		log.Warn(fmt.Sprintf("lifecycle: clear session locks for tenant %s exited %d: %s", tenantID, cleanRes.ExitCode, log.Redact(cleanRes.Stderr)))
	}

	res, err := c.transport.Exec(ctx, worker, []string{"docker", "restart", inst.ContainerID})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("restart instance %s", inst.ContainerID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("lifecycle: restart instance %s exited %d: %s", inst.ContainerID, res.ExitCode, log.Redact(res.Stderr))
	}

	c.scheduleReapply(tenant, worker, inst.ContainerID)
	metrics.RestartsTotal.Inc()
	return nil
}

// Touch updates tenantID's lastActive timestamp and nothing else.
func (c *Controller) Touch(ctx context.Context, tenantID string) error {
	return c.store.TouchHeartbeat(ctx, tenantID, time.Now())
}

// Open is the user's click-through. It inspects the instance's current
// state and takes exactly one of five observable branches, never blocking
// on a fresh provision sequence longer than it takes to claim the
// single-flight tracker and launch it in the background.
func (c *Controller) Open(ctx context.Context, tenantID string) (OpenResult, error) {
	res, err := c.open(ctx, tenantID)
	if err != nil {
		metrics.OpensByStatus.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.OpensByStatus.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (c *Controller) open(ctx context.Context, tenantID string) (OpenResult, error) {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return OpenResult{}, err
	}

	inst, err := c.store.GetInstance(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, errs.NotProvisioned) {
			return OpenResult{}, err
		}
		c.beginBackgroundProvision(tenantID)
		return OpenResult{Status: StatusProvisioning}, nil
	}

	switch inst.State {
	case types.InstanceStateSleeping:
		if err := c.Wake(ctx, tenantID); err != nil {
			return OpenResult{}, err
		}
		return OpenResult{Status: StatusActive, URL: c.embedURL(tenant, inst)}, nil

	case types.InstanceStateProvisioning, types.InstanceStateStarting:
		if worker, werr := c.store.GetWorker(ctx, inst.WorkerID); werr == nil && c.processRunning(ctx, worker, inst) {
			if err := c.store.CompareAndSetState(ctx, tenantID,
				[]types.InstanceState{types.InstanceStateProvisioning, types.InstanceStateStarting}, types.InstanceStateActive); err != nil {
				return OpenResult{}, err
			}
			return OpenResult{Status: StatusActive, URL: c.embedURL(tenant, inst)}, nil
		}
		c.beginBackgroundProvision(tenantID)
		return OpenResult{Status: StatusProvisioning}, nil

	case types.InstanceStateActive:
		worker, werr := c.store.GetWorker(ctx, inst.WorkerID)
		if werr != nil {
			return OpenResult{}, werr
		}
		if c.processRunning(ctx, worker, inst) {
			return OpenResult{Status: StatusActive, URL: c.embedURL(tenant, inst)}, nil
		}
		if err := c.startProcess(ctx, worker, inst); err != nil {
			c.beginBackgroundProvision(tenantID)
			return OpenResult{Status: StatusProvisioning}, nil
		}
		return OpenResult{Status: StatusActive, URL: c.embedURL(tenant, inst)}, nil

	default:
		// paused, grace_period, cancelled: nothing open() can do unilaterally.
		return OpenResult{Status: StatusProvisioning}, nil
	}
}

// embedURL builds the URL open() hands back to the caller to redirect the
// user to: the tenant's subdomain, carrying the gateway's websocket URL and
// the instance's current reapply token as query parameters so the embed
// client can connect directly. Falls back to the bare subdomain URL if the
// instance has no gateway token on record yet (e.g. mid-provision).
func (c *Controller) embedURL(tenant *types.Tenant, inst *types.Instance) string {
	base := fmt.Sprintf("https://%s.%s", tenant.Subdomain, c.domain)

	token, err := c.gatewayToken(inst)
	if err != nil {
		return base
	}

	q := url.Values{}
	q.Set("gatewayUrl", fmt.Sprintf("wss://%s.%s/gateway", tenant.Subdomain, c.domain))
	q.Set("token", token)
	return base + "?" + q.Encode()
}

// gatewayToken decrypts inst's current gateway reapply token from its
// encrypted-at-rest column.
func (c *Controller) gatewayToken(inst *types.Instance) (string, error) {
	if len(inst.GatewayTokenEncrypted) == 0 {
		return "", fmt.Errorf("lifecycle: tenant %s has no gateway token on record", inst.TenantID)
	}
	return security.DecryptGatewayToken(inst.TenantID, inst.GatewayTokenEncrypted)
}

// beginBackgroundProvision claims tenantID's single-flight slot and runs
// Provision in the background; a concurrent caller finding the slot already
// claimed does nothing further — this is the storm-of-opens guard property.
func (c *Controller) beginBackgroundProvision(tenantID string) {
	if c.tracker.Claim(tenantID) {
		return
	}
	go func() {
		defer c.tracker.Release(tenantID)
		if err := c.prov.Provision(context.Background(), tenantID); err != nil {
			log.Warn(fmt.Sprintf("lifecycle: background provision for tenant %s failed: %v", tenantID, err))
		}
	}()
}

func (c *Controller) instanceAndWorker(ctx context.Context, tenantID string) (*types.Instance, *types.Worker, error) {
	inst, err := c.store.GetInstance(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	worker, err := c.store.GetWorker(ctx, inst.WorkerID)
	if err != nil {
		return nil, nil, err
	}
	return inst, worker, nil
}

func (c *Controller) tenantInstanceWorker(ctx context.Context, tenantID string) (*types.Tenant, *types.Instance, *types.Worker, error) {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	inst, worker, err := c.instanceAndWorker(ctx, tenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	return tenant, inst, worker, nil
}

func (c *Controller) startProcess(ctx context.Context, worker *types.Worker, inst *types.Instance) error {
	res, err := c.transport.Exec(ctx, worker, []string{"docker", "start", inst.ContainerID})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("start instance %s", inst.ContainerID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("lifecycle: start instance %s exited %d: %s", inst.ContainerID, res.ExitCode, log.Redact(res.Stderr))
	}
	return nil
}

func (c *Controller) processRunning(ctx context.Context, worker *types.Worker, inst *types.Instance) bool {
	checkCtx, cancel := context.WithTimeout(ctx, runningCheckTimeout)
	defer cancel()
	checker := health.NewExecChecker(c.transport, worker, []string{"docker", "inspect", "-f", "{{.State.Running}}", inst.ContainerID})
	return checker.Check(checkCtx).Healthy
}

// scheduleReapply fires reapplyDelay after the process starts: it re-reads
// the instance's existing gateway token (never rotating it — wake and
// restart reuse the same token an operator's provision minted) and pushes
// it through config.ReapplyGateway once the instance has had time to run
// its own startup pass, which would otherwise have stripped those keys
// from the document it owns on disk.
func (c *Controller) scheduleReapply(tenant *types.Tenant, worker *types.Worker, containerID string) {
	go func() {
		time.Sleep(reapplyDelay)

		ctx, cancel := context.WithTimeout(context.Background(), reapplyFireTimeout)
		defer cancel()

		inst, err := c.store.GetInstance(ctx, tenant.ID)
		if err != nil {
			log.Warn(fmt.Sprintf("lifecycle: delayed reapply for tenant %s: read instance: %v", tenant.ID, err))
			return
		}
		token, err := c.gatewayToken(inst)
		if err != nil {
			log.Warn(fmt.Sprintf("lifecycle: delayed reapply for tenant %s: %v", tenant.ID, err))
			return
		}

		if err := c.config.ReapplyGateway(ctx, worker, tenant.ID, containerID, types.GatewayConfig{
			Bind:      fmt.Sprintf("https://%s.%s", tenant.Subdomain, c.domain),
			ControlUI: types.DefaultGatewayControlUI(),
			Auth:      types.GatewayAuthConfig{Mode: types.GatewayAuthModeToken, Token: token},
		}); err != nil {
			log.Warn(fmt.Sprintf("lifecycle: delayed reapply for tenant %s failed: %v", tenant.ID, err))
		}
	}()
}
