// Package provisioner drives a tenant's instance from a bare record through
// placement, configuration, process start, and promotion to serving — the
// fourteen-step sequence this system's provisioning protocol follows.
// Provision is idempotent and single-flight per tenant: callers wrap it
// behind pkg/flight so a storm of concurrent wake attempts runs the
// sequence exactly once.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsfleet/opsfleet/pkg/config"
	"github.com/opsfleet/opsfleet/pkg/edge"
	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/health"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/registry"
	"github.com/opsfleet/opsfleet/pkg/security"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

const maxProvisionRetries = 3

// aliveCheckAttempts/aliveCheckInterval implement the 1s-cadence, 10s-budget
// poll of provisioner step 9.
const (
	aliveCheckAttempts = 10
	aliveCheckInterval = time.Second
)

// readinessTimeout is step 12's budget: up to 90s for the process and the
// edge-proxy-fronted endpoint to both report healthy before falling back to
// "starting" for a later promotion via the readiness endpoint. A var, not a
// const, so tests can shrink the polling window instead of waiting it out.
var readinessTimeout = 90 * time.Second

// Execer is the subset of *transport.Transport the provisioner needs.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
	ExecWithStdin(ctx context.Context, worker *types.Worker, command []string, stdin []byte) (transport.Result, error)
	WriteStdin(ctx context.Context, worker *types.Worker, remotePath string, payload []byte) error
}

// CredentialSource supplies the platform's provider credentials and a
// tenant-specific routing key at injection time (provisioner step 7). A
// production deployment wires this to a secrets backend outside this
// module; it is a collaborator, not a concern pkg/provisioner owns.
type CredentialSource interface {
	ProviderCredentials(ctx context.Context, tenantID string) (map[string]string, error)
	RoutingKey(ctx context.Context, tenantID string) (string, error)
}

// Provisioner is the orchestrator: a struct holding every collaborator
// Provision's steps need, with no state of its own beyond them.
type Provisioner struct {
	store      storage.Store
	registry   *registry.Registry
	config     *config.Store
	edge       *edge.Reconciler
	transport  Execer
	secrets    *security.SecretsManager
	creds      CredentialSource
	domain     string
	maxRetries int
}

// New builds a Provisioner. creds may be nil, in which case step 7 injects
// no platform credentials; the routing key then falls back to a derivation
// from the tenant ID when secrets is non-nil, and stays empty otherwise.
func New(store storage.Store, reg *registry.Registry, cfg *config.Store, edgeReconciler *edge.Reconciler, t Execer, secrets *security.SecretsManager, creds CredentialSource, domain string) *Provisioner {
	return &Provisioner{
		store: store, registry: reg, config: cfg, edge: edgeReconciler,
		transport: t, secrets: secrets, creds: creds, domain: domain,
		maxRetries: maxProvisionRetries,
	}
}

// SetMaxRetries overrides the default provision retry ceiling. n <= 0 is a
// no-op, so callers can pass an unset flag value through unconditionally.
func (p *Provisioner) SetMaxRetries(n int) {
	if n > 0 {
		p.maxRetries = n
	}
}

// Provision drives tenantID's instance through placement to serving (or to
// "starting" if readiness does not complete within the window). It is safe
// to call repeatedly — each step is individually idempotent, and a failure
// partway through leaves the record in `provisioning` for the scheduler to
// retry, up to the retry ceiling.
func (p *Provisioner) Provision(ctx context.Context, tenantID string) error {
	timer := metrics.NewTimer()
	err := p.provision(ctx, tenantID)
	timer.ObserveDuration(metrics.ProvisionDuration)
	if err != nil {
		metrics.ProvisionsFailedTotal.WithLabelValues(failureKind(err)).Inc()
		return err
	}
	metrics.ProvisionsTotal.Inc()
	return nil
}

func (p *Provisioner) provision(ctx context.Context, tenantID string) error {
	tenant, err := p.preflight(ctx, tenantID)
	if err != nil {
		return err
	}

	inst, worker, plan, err := p.place(ctx, tenant)
	if err != nil {
		return err
	}

	// From here on, a failure must release the RAM reservation and any DNS
	// records created before re-raising, per step 14's rollback discipline.
	// Placement itself is not rolled back: the record stays in `provisioning`
	// so the scheduler can retry it up to the ceiling.
	if err := p.runSteps(ctx, tenant, inst, worker, plan); err != nil {
		p.rollback(ctx, tenant, inst, worker)
		return err
	}

	return nil
}

// failureKind classifies err against errs' sentinel kinds for the
// provisions-failed counter's label, falling back to "unknown" for a bare
// error that never went through errs.Wrap.
func failureKind(err error) string {
	switch {
	case errors.Is(err, errs.InvariantViolation):
		return "invariant_violation"
	case errors.Is(err, errs.NoCapacity):
		return "no_capacity"
	case errors.Is(err, errs.Unreachable):
		return "unreachable"
	case errors.Is(err, errs.RetryCeilingReached):
		return "retry_ceiling_reached"
	case errors.Is(err, errs.Conflict):
		return "conflict"
	case errors.Is(err, errs.NotProvisioned):
		return "not_provisioned"
	default:
		return "unknown"
	}
}

func (p *Provisioner) runSteps(ctx context.Context, tenant *types.Tenant, inst *types.Instance, worker *types.Worker, plan *types.Plan) error {
	if err := p.setupWorker(ctx, worker, tenant.ID); err != nil {
		return err
	}
	if _, err := p.edge.EnsureEdge(ctx, worker); err != nil {
		return err
	}

	gatewayToken, err := p.writeGatewayConfig(ctx, worker, inst)
	if err != nil {
		return err
	}
	if err := p.ensureImage(ctx, worker); err != nil {
		return err
	}
	if err := p.injectCredentials(ctx, worker, tenant, inst, plan); err != nil {
		return err
	}
	if err := p.start(ctx, worker, tenant, inst, plan); err != nil {
		return err
	}
	if err := p.aliveCheck(ctx, worker, inst); err != nil {
		return err
	}
	if err := p.edge.PublishHosts(ctx, tenant.Subdomain, worker); err != nil {
		return err
	}
	if err := p.config.ReapplyGateway(ctx, worker, tenant.ID, inst.ContainerID, types.GatewayConfig{
		Bind:      fmt.Sprintf("https://%s.%s", tenant.Subdomain, p.domain),
		ControlUI: types.DefaultGatewayControlUI(),
		Auth:      types.GatewayAuthConfig{Mode: types.GatewayAuthModeToken, Token: gatewayToken},
	}); err != nil {
		return err
	}

	ready := p.awaitReadiness(ctx, worker, inst, tenant)

	if err := p.registry.Refresh(ctx, worker.ID); err != nil {
		return err
	}

	finalState := types.InstanceStateStarting
	if ready {
		finalState = types.InstanceStateActive
	}
	if err := p.store.CompareAndSetState(ctx, tenant.ID, []types.InstanceState{types.InstanceStateProvisioning}, finalState); err != nil {
		return err
	}
	if ready {
		return p.store.ResetProvisionRetries(ctx, tenant.ID)
	}
	return nil
}

// preflight refuses to provision a tenant with no payment attestation
// (step 1, protects against unpaid churn).
func (p *Provisioner) preflight(ctx context.Context, tenantID string) (*types.Tenant, error) {
	tenant, err := p.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("provisioner: preflight: %w", err)
	}
	if !tenant.PaymentAttested {
		return nil, errs.Wrap(errs.InvariantViolation, fmt.Sprintf("tenant %s has no payment attestation", tenantID), nil)
	}
	return tenant, nil
}

// place reuses the instance's pinned worker if one already exists, else
// picks the best candidate and persists placement. It bumps
// provisionRetries atomically and pauses the instance once the ceiling is
// reached (step 2).
func (p *Provisioner) place(ctx context.Context, tenant *types.Tenant) (*types.Instance, *types.Worker, *types.Plan, error) {
	plan, err := p.store.GetPlan(ctx, tenant.PlanID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("provisioner: get plan %s: %w", tenant.PlanID, err)
	}

	inst, err := p.store.GetInstance(ctx, tenant.ID)
	if err != nil {
		inst = &types.Instance{
			TenantID:  tenant.ID,
			State:     types.InstanceStatePending,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := p.store.CreateInstance(ctx, inst); err != nil {
			return nil, nil, nil, fmt.Errorf("provisioner: create instance for tenant %s: %w", tenant.ID, err)
		}
	}

	retries, err := p.store.IncrementProvisionRetries(ctx, tenant.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("provisioner: increment retries for tenant %s: %w", tenant.ID, err)
	}
	inst.ProvisionRetries = retries
	if retries > 1 {
		metrics.ProvisionRetriesTotal.Inc()
	}
	if retries > p.maxRetries {
		if err := p.store.CompareAndSetState(ctx, tenant.ID,
			[]types.InstanceState{types.InstanceStatePending, types.InstanceStateProvisioning}, types.InstanceStatePaused); err != nil {
			log.Warn(fmt.Sprintf("provisioner: pause transition for tenant %s after retry ceiling: %v", tenant.ID, err))
		}
		if inst.WorkerID != "" {
			_ = p.registry.Refresh(ctx, inst.WorkerID)
		}
		_ = p.edge.WithdrawHosts(ctx, tenant.Subdomain)
		return nil, nil, nil, errs.Wrap(errs.RetryCeilingReached, fmt.Sprintf("tenant %s exceeded %d provision retries", tenant.ID, p.maxRetries), nil)
	}

	var worker *types.Worker
	if inst.WorkerID != "" {
		worker, err = p.store.GetWorker(ctx, inst.WorkerID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("provisioner: get pinned worker %s for tenant %s: %w", inst.WorkerID, tenant.ID, err)
		}
	} else {
		worker, err = p.registry.PickBest(ctx, plan.RAMBytes, true)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if inst.ContainerID == "" {
		inst.ContainerID = fmt.Sprintf("instance-%s", tenant.ID)
	}
	inst.WorkerID = worker.ID
	if err := p.store.UpdateInstance(ctx, inst); err != nil {
		return nil, nil, nil, fmt.Errorf("provisioner: persist placement for tenant %s: %w", tenant.ID, err)
	}

	if err := p.store.CompareAndSetState(ctx, tenant.ID,
		[]types.InstanceState{types.InstanceStatePending, types.InstanceStateProvisioning, types.InstanceStateStarting, types.InstanceStateGracePeriod},
		types.InstanceStateProvisioning); err != nil {
		return nil, nil, nil, err
	}
	inst.State = types.InstanceStateProvisioning

	if err := p.store.AdjustWorkerAllocation(ctx, worker.ID, plan.RAMBytes); err != nil {
		return nil, nil, nil, fmt.Errorf("provisioner: reserve ram on worker %s for tenant %s: %w", worker.ID, tenant.ID, err)
	}

	return inst, worker, plan, nil
}

// setupWorker issues one batched remote command: clear a leftover process
// with the same name, ensure the shared discovery network and a
// per-instance isolation network exist, ensure the per-tenant data
// directory exists with a restrictive mode (step 3).
func (p *Provisioner) setupWorker(ctx context.Context, worker *types.Worker, tenantID string) error {
	if !transport.ValidUUID(tenantID) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid tenant id %q", tenantID), nil)
	}
	script := fmt.Sprintf(
		"docker rm -f instance-%s >/dev/null 2>&1; "+
			"docker network create discovery >/dev/null 2>&1; "+
			"docker network create instance-net-%s >/dev/null 2>&1; "+
			"mkdir -p /opt/instances/%s && chmod 700 /opt/instances/%s",
		tenantID, tenantID, tenantID, tenantID)
	res, err := p.transport.Exec(ctx, worker, []string{"sh", "-c", script})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("setup worker %s for tenant %s", worker.ID, tenantID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("provisioner: setup worker %s exited %d: %s", worker.ID, res.ExitCode, log.Redact(res.Stderr))
	}
	return nil
}

// writeGatewayConfig resolves tenantID's gateway token — minting one only
// if the instance has never had one — persists it encrypted on the
// instance record, and writes the initial config document — with a backup
// copy — to the worker (step 5).
func (p *Provisioner) writeGatewayConfig(ctx context.Context, worker *types.Worker, inst *types.Instance) (string, error) {
	token, err := p.currentOrNewGatewayToken(inst)
	if err != nil {
		return "", err
	}
	if err := p.store.UpdateInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("provisioner: persist gateway token: %w", err)
	}

	doc := &types.ConfigDocument{
		TenantID: inst.TenantID,
		Gateway: types.GatewayConfig{
			ControlUI: types.DefaultGatewayControlUI(),
			Auth:      types.GatewayAuthConfig{Mode: types.GatewayAuthModeToken, Token: token},
		},
		UpdatedAt: time.Now(),
	}
	if err := p.config.Write(ctx, worker, inst.TenantID, doc); err != nil {
		return "", err
	}
	// Backup copy: write the same document to the default path so a future
	// Read can fall back to it if the primary is ever lost or corrupted.
	backupRes, err := p.transport.Exec(ctx, worker, []string{
		"cp", fmt.Sprintf("/opt/instances/%s/config.json", inst.TenantID), fmt.Sprintf("/opt/instances/%s/config.default.json", inst.TenantID),
	})
	if err != nil {
		return "", errs.Wrap(errs.Unreachable, "write config backup copy", err)
	}
	if backupRes.ExitCode != 0 {
		return "", fmt.Errorf("provisioner: write config backup copy exited %d: %s", backupRes.ExitCode, log.Redact(backupRes.Stderr))
	}

	return token, nil
}

// currentOrNewGatewayToken returns inst's existing gateway token, decrypted,
// if one was already minted — so repeated provisioning (retries, re-runs
// after a partial failure) never rotates the token an operator or tenant
// may already have embedded elsewhere. A token is minted and encrypted at
// rest, keyed off the tenant ID, only the first time an instance is placed.
func (p *Provisioner) currentOrNewGatewayToken(inst *types.Instance) (string, error) {
	if len(inst.GatewayTokenEncrypted) > 0 {
		token, err := security.DecryptGatewayToken(inst.TenantID, inst.GatewayTokenEncrypted)
		if err == nil {
			return token, nil
		}
		log.Warn(fmt.Sprintf("provisioner: decrypt stored gateway token for tenant %s failed, minting a new one: %v", inst.TenantID, err))
	}

	token, err := security.NewGatewayToken()
	if err != nil {
		return "", fmt.Errorf("provisioner: generate gateway token: %w", err)
	}
	encrypted, err := security.EncryptGatewayToken(inst.TenantID, token)
	if err != nil {
		return "", fmt.Errorf("provisioner: encrypt gateway token: %w", err)
	}
	inst.GatewayTokenEncrypted = encrypted
	return token, nil
}

// ensureImage confirms the instance image is present on the worker
// (pre-pushed at worker registration), falling back to a build-on-worker
// path when it is not (step 6).
func (p *Provisioner) ensureImage(ctx context.Context, worker *types.Worker) error {
	res, err := p.transport.Exec(ctx, worker, []string{"docker", "image", "inspect", instanceImage})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("inspect instance image on worker %s", worker.ID), err)
	}
	if res.ExitCode == 0 {
		return nil
	}

	log.Warn(fmt.Sprintf("provisioner: instance image missing on worker %s, building", worker.ID))
	buildRes, err := p.transport.Exec(ctx, worker, []string{"docker", "pull", instanceImage})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("pull instance image on worker %s", worker.ID), err)
	}
	if buildRes.ExitCode != 0 {
		return fmt.Errorf("provisioner: pull instance image on worker %s exited %d: %s", worker.ID, buildRes.ExitCode, log.Redact(buildRes.Stderr))
	}
	return nil
}

const instanceImage = "opsfleet/instance-gateway:latest"

// defaultSkills are the plug-in skills enabled in every freshly provisioned
// instance's config document.
var defaultSkills = []string{"web-search", "file-browser", "code-exec"}

// injectCredentials writes the platform's provider credentials, the
// tenant's routing key, and the default agent/skill bundle straight into
// the instance's config document — models.providers, protection.routingKey,
// skills.entries, and agents.list — then creates the per-tenant skills
// directory on the worker (step 7).
func (p *Provisioner) injectCredentials(ctx context.Context, worker *types.Worker, tenant *types.Tenant, inst *types.Instance, plan *types.Plan) error {
	creds := map[string]string{}
	var routingKey string
	if p.creds != nil {
		var err error
		creds, err = p.creds.ProviderCredentials(ctx, tenant.ID)
		if err != nil {
			return fmt.Errorf("provisioner: fetch provider credentials for tenant %s: %w", tenant.ID, err)
		}
		routingKey, err = p.creds.RoutingKey(ctx, tenant.ID)
		if err != nil {
			return fmt.Errorf("provisioner: fetch routing key for tenant %s: %w", tenant.ID, err)
		}
	}
	if routingKey == "" && p.secrets != nil {
		clusterKey := []byte(tenant.ID) // deterministic fallback derivation, see pkg/security.ContainerSecret
		routingKey = security.ContainerSecret(clusterKey, tenant.ID)
	}

	doc, degraded, err := p.config.Read(ctx, worker, tenant.ID)
	if err != nil {
		return fmt.Errorf("provisioner: read config document for tenant %s: %w", tenant.ID, err)
	}
	if degraded {
		log.Warn(fmt.Sprintf("provisioner: config document for tenant %s unreadable ahead of credential injection, writing fresh", tenant.ID))
	}

	doc.Models.Providers = creds
	doc.Protection.RoutingKey = routingKey
	doc.Skills.Entries = make(map[string]bool, len(defaultSkills))
	for _, name := range defaultSkills {
		doc.Skills.Entries[name] = true
	}
	if len(doc.Agents.List) == 0 {
		doc.Agents.List = []types.AgentEntry{defaultMainAgent(tenant.ID, plan.MaxChildAgents)}
	}

	if err := p.config.Write(ctx, worker, tenant.ID, doc); err != nil {
		return fmt.Errorf("provisioner: write credentials into config document for tenant %s: %w", tenant.ID, err)
	}

	return p.stageSkillBundle(ctx, worker, tenant.ID)
}

// defaultMainAgent builds the mandatory first entry of a freshly provisioned
// instance's agents.list: the default "main" agent, permitted to spawn up to
// maxChildAgents subagents (spec.md §3/§9).
func defaultMainAgent(tenantID string, maxChildAgents int) types.AgentEntry {
	return types.AgentEntry{
		ID:        "main",
		Workspace: fmt.Sprintf("/opt/instances/%s/workspace", tenantID),
		AgentDir:  fmt.Sprintf("/opt/instances/%s/agents/main/agent", tenantID),
		Identity:  types.AgentIdentity{Name: "main"},
		Default:   true,
		Subagents: &types.SubagentPolicy{MaxConcurrent: maxChildAgents},
	}
}

// stageSkillBundle creates the skills directory inside the per-tenant data
// directory. No bundle content is uploaded into it; doc.Skills.Entries
// written above is what enables the default skills.
func (p *Provisioner) stageSkillBundle(ctx context.Context, worker *types.Worker, tenantID string) error {
	res, err := p.transport.Exec(ctx, worker, []string{"mkdir", "-p", fmt.Sprintf("/opt/instances/%s/skills", tenantID)})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("prepare skills directory for tenant %s", tenantID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("provisioner: prepare skills directory for tenant %s exited %d: %s", tenantID, res.ExitCode, log.Redact(res.Stderr))
	}
	return nil
}

// start launches the instance process with constrained resources and the
// edge-proxy routing labels, under both the discovery and per-instance
// isolation networks (step 8).
func (p *Provisioner) start(ctx context.Context, worker *types.Worker, tenant *types.Tenant, inst *types.Instance, plan *types.Plan) error {
	if !transport.ValidName(tenant.Subdomain) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid subdomain %q for tenant %s", tenant.Subdomain, tenant.ID), nil)
	}

	cmd := []string{
		"docker", "run", "-d",
		"--name", inst.ContainerID,
		"--memory", fmt.Sprintf("%d", plan.RAMBytes),
		"--cpus", fmt.Sprintf("%.2f", plan.CPUs),
		"--pids-limit", "256",
		"--user", "10000:10000",
		"--network", "discovery",
		"--label", fmt.Sprintf("traefik.http.routers.%s.rule=Host(`%s.%s`)", inst.ContainerID, tenant.Subdomain, p.domain),
		"--label", fmt.Sprintf("traefik.http.routers.%s-preview.rule=Host(`preview-%s.%s`)", inst.ContainerID, tenant.Subdomain, p.domain),
		instanceImage,
	}
	res, err := p.transport.Exec(ctx, worker, cmd)
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("start instance process for tenant %s", tenant.ID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("provisioner: start instance process for tenant %s exited %d: %s", tenant.ID, res.ExitCode, log.Redact(res.Stderr))
	}

	attachRes, err := p.transport.Exec(ctx, worker, []string{"docker", "network", "connect", fmt.Sprintf("instance-net-%s", tenant.ID), inst.ContainerID})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("attach isolation network for tenant %s", tenant.ID), err)
	}
	if attachRes.ExitCode != 0 {
		return fmt.Errorf("provisioner: attach isolation network for tenant %s exited %d: %s", tenant.ID, attachRes.ExitCode, log.Redact(attachRes.Stderr))
	}
	return nil
}

// aliveCheck polls for the process running at 1s cadence up to 10s; if it
// never comes up, it prints the last log lines and tries one restart (step 9).
func (p *Provisioner) aliveCheck(ctx context.Context, worker *types.Worker, inst *types.Instance) error {
	checker := health.NewExecChecker(p.transport, worker, []string{"docker", "inspect", "-f", "{{.State.Running}}", inst.ContainerID})

	for attempt := 0; attempt < aliveCheckAttempts; attempt++ {
		if checker.Check(ctx).Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(aliveCheckInterval):
		}
	}

	logsRes, _ := p.transport.Exec(ctx, worker, []string{"docker", "logs", "--tail", "50", inst.ContainerID})
	log.Warn(fmt.Sprintf("provisioner: instance %s not alive after %ds, last logs: %s", inst.ContainerID, aliveCheckAttempts, log.Redact(logsRes.Stdout)))

	restartRes, err := p.transport.Exec(ctx, worker, []string{"docker", "restart", inst.ContainerID})
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("restart instance %s", inst.ContainerID), err)
	}
	if restartRes.ExitCode != 0 {
		return fmt.Errorf("provisioner: restart instance %s exited %d: %s", inst.ContainerID, restartRes.ExitCode, log.Redact(restartRes.Stderr))
	}

	if !checker.Check(ctx).Healthy {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("instance %s did not come alive after restart", inst.ContainerID), nil)
	}
	return nil
}

// awaitReadiness polls up to readinessTimeout for the process to still be
// running and for the edge-proxy-fronted endpoint to answer 200 or 101. It
// reports whether readiness was observed within the window (step 12).
func (p *Provisioner) awaitReadiness(ctx context.Context, worker *types.Worker, inst *types.Instance, tenant *types.Tenant) bool {
	deadline := time.Now().Add(readinessTimeout)
	aliveChecker := health.NewExecChecker(p.transport, worker, []string{"docker", "inspect", "-f", "{{.State.Running}}", inst.ContainerID})
	httpChecker := health.NewHTTPChecker(fmt.Sprintf("https://%s.%s", tenant.Subdomain, p.domain))
	httpChecker.WithStatusRange(101, 200) // 200 OK, or 101 Switching Protocols for WebSocket-capable gateways; the HTTP client never returns other 1xx codes as a final status

	for time.Now().Before(deadline) {
		if aliveChecker.Check(ctx).Healthy && httpChecker.Check(ctx).Healthy {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}

// rollback releases the RAM reservation and withdraws any DNS records
// created, leaving the instance record in `provisioning` for the scheduler
// to retry (step 14).
func (p *Provisioner) rollback(ctx context.Context, tenant *types.Tenant, inst *types.Instance, worker *types.Worker) {
	if worker != nil {
		if err := p.registry.Refresh(ctx, worker.ID); err != nil {
			log.Warn(fmt.Sprintf("provisioner: rollback refresh for worker %s failed: %v", worker.ID, err))
		}
	}
	if err := p.edge.WithdrawHosts(ctx, tenant.Subdomain); err != nil {
		log.Warn(fmt.Sprintf("provisioner: rollback dns withdrawal for tenant %s failed: %v", tenant.ID, err))
	}
}
