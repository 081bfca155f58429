package types

import (
	"fmt"
	"time"
)

// Tenant identifies the account that owns an Instance. A Tenant is
// resolved once at provisioning time and otherwise travels as an opaque ID.
type Tenant struct {
	ID              string
	Subdomain       string // e.g. "acme" -> acme.<edge-domain>
	PlanID          string
	PaymentAttested bool // provisioner preflight refuses without this
	CreatedAt       time.Time
}

// InstanceState is the lifecycle state machine of a tenant's instance.
type InstanceState string

const (
	InstanceStatePending      InstanceState = "pending"
	InstanceStateProvisioning InstanceState = "provisioning"
	InstanceStateStarting     InstanceState = "starting"
	InstanceStateActive       InstanceState = "active"
	InstanceStateSleeping     InstanceState = "sleeping"
	InstanceStateGracePeriod  InstanceState = "grace_period"
	InstanceStatePaused       InstanceState = "paused"
	InstanceStateCancelled    InstanceState = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s InstanceState) Valid() bool {
	switch s {
	case InstanceStatePending, InstanceStateProvisioning, InstanceStateStarting,
		InstanceStateActive, InstanceStateSleeping, InstanceStateGracePeriod,
		InstanceStatePaused, InstanceStateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a state the instance will not leave on its own.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateCancelled
}

// Instance is the primary per-tenant row: one instance per tenant, at most
// one active container process on one worker at a time.
type Instance struct {
	TenantID              string
	WorkerID              string // empty until placed
	State                 InstanceState
	PreviewSubdomain      string // optional, set when a preview/staging host is assigned
	ContainerID           string // opaque ID on the worker (compose project / pid group)
	GatewayTokenEncrypted []byte // AES-256-GCM ciphertext of the current gateway reapply token, keyed off the tenant ID (see pkg/security.EncryptGatewayToken)
	ProvisionRetries      int
	LastHeartbeat         time.Time
	LastError             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkerStatus is the observed health of a leased worker host.
type WorkerStatus string

const (
	WorkerStatusReady    WorkerStatus = "ready"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusDown     WorkerStatus = "down"
)

// Worker is a leased host capable of running tenant instance processes.
type Worker struct {
	ID              string
	Address         string // SSH-reachable host:port
	Status          WorkerStatus
	CPUCores        int
	MemoryBytes     int64
	MemoryAllocated int64 // sum of active instances' plan RAM on this worker
	LastHeartbeat   time.Time
	CreatedAt       time.Time
}

// HasCapacity reports whether the worker can accept another instance
// requiring ramBytes, honoring overcommitFactor (>= 1.0).
func (w *Worker) HasCapacity(ramBytes int64, overcommitFactor float64) bool {
	if w.Status != WorkerStatusReady {
		return false
	}
	usable := float64(w.MemoryBytes) * overcommitFactor
	return float64(w.MemoryAllocated+ramBytes) <= usable
}

// Plan describes the resource envelope and scheduling knobs for a tenant's instance.
type Plan struct {
	ID             string
	Name           string
	RAMBytes       int64
	CPUs           float64
	MaxChildAgents int           // upper bound on agents.list beyond the mandatory "main" entry
	IdleTimeout    time.Duration // inactivity before sleep reclaim is eligible
}

// ConfigDocument is the per-tenant config JSON document that lives on the
// worker's filesystem (see pkg/config). Field tags match the on-disk shape.
// Models, Tools, Skills, Bindings, Agents, and Protection are the branches
// provisioner step 7 ("injectCredentials") writes directly, rather than
// staging a side file the instance's own startup pass would have to merge.
type ConfigDocument struct {
	TenantID       string            `json:"tenant_id"`
	Gateway        GatewayConfig     `json:"gateway"`
	Models         ModelsConfig      `json:"models,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	Skills         SkillsConfig      `json:"skills,omitempty"`
	Bindings       []Binding         `json:"bindings,omitempty"`
	Agents         AgentsConfig      `json:"agents,omitempty"`
	Protection     ProtectionConfig  `json:"protection,omitempty"`
	Channels       map[string]any    `json:"channels,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ScheduledTasks []ScheduledTask   `json:"scheduled_tasks,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Validate enforces the document-level invariants spec.md §3 names: exactly
// one default agent, which must be "main", and every binding's AgentID must
// resolve to an entry in Agents.List. Write calls it on every document; one
// with an empty Agents.List — such as the initial gateway-only document
// writeGatewayConfig produces — passes without these checks.
func (d *ConfigDocument) Validate() error {
	if len(d.Agents.List) == 0 {
		return nil
	}

	byID := make(map[string]bool, len(d.Agents.List))
	defaults := 0
	for _, a := range d.Agents.List {
		byID[a.ID] = true
		if a.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("config: agents.list must have exactly one default agent, found %d", defaults)
	}
	if !d.Agents.List[0].Default || d.Agents.List[0].ID != "main" {
		return fmt.Errorf("config: agents.list[0] must be the default agent with id \"main\"")
	}
	for _, b := range d.Bindings {
		if !byID[b.AgentID] {
			return fmt.Errorf("config: binding for channel %q references unknown agent %q", b.Channel, b.AgentID)
		}
	}
	return nil
}

// Binding routes inbound messages from a channel instance (keyed e.g.
// "telegram", "telegram-2") to a named child agent.
type Binding struct {
	Channel string `json:"channel"`
	AgentID string `json:"agent_id"`
}

// GatewayConfig is the config document's `gateway` branch (spec.md §3): the
// instance's self-served control-UI bind address, the control UI's
// enablement and insecure-auth allowance, and the auth mode and token
// required to connect to the control channel. ControlUI.AllowInsecureAuth
// is exactly the key the instance's startup "doctor" pass strips and the
// reapply-gateway protocol restores.
type GatewayConfig struct {
	Bind      string            `json:"bind"`
	ControlUI GatewayControlUI  `json:"controlUi"`
	Auth      GatewayAuthConfig `json:"auth"`
}

// GatewayControlUI toggles the instance's self-served control UI and
// whether it accepts the control plane's own token in place of a
// user-facing login.
type GatewayControlUI struct {
	Enabled           bool `json:"enabled"`
	AllowInsecureAuth bool `json:"allowInsecureAuth"`
}

// GatewayAuthConfig carries the control channel's auth mode and the
// current reapply token.
type GatewayAuthConfig struct {
	Mode  string `json:"mode"`
	Token string `json:"token"`
}

// GatewayAuthModeToken is the only auth mode the control plane issues:
// the instance's control channel trusts the reapply token, not a
// separately-issued credential.
const GatewayAuthModeToken = "token"

// DefaultGatewayControlUI is the gateway.controlUi state the provisioner and
// the reapply-gateway protocol both converge on: the control UI enabled and
// willing to accept the control plane's token, matching the reapply
// protocol's own rationale for re-issuing it after the doctor pass strips it.
func DefaultGatewayControlUI() GatewayControlUI {
	return GatewayControlUI{Enabled: true, AllowInsecureAuth: true}
}

// ModelsConfig carries the model provider credentials injected at
// provisioning time, keyed by provider name (e.g. "anthropic", "openai").
type ModelsConfig struct {
	Providers map[string]string `json:"providers,omitempty"`
}

// SkillsConfig tracks which of the instance's staged plug-in skills are
// enabled. Entries is keyed by skill name.
type SkillsConfig struct {
	Entries map[string]bool `json:"entries,omitempty"`
}

// AgentsConfig lists the named agent profiles the instance should load. The
// first element must be the "main" default agent (ConfigDocument.Validate
// enforces this); the rest are the tenant's optional child agents, bounded
// by the tenant's plan.MaxChildAgents.
type AgentsConfig struct {
	List []AgentEntry `json:"list,omitempty"`
}

// AgentEntry is one entry of agents.list: a named agent profile with its own
// workspace directory and identity, optionally allowed to spawn/message
// other agents via Subagents.
type AgentEntry struct {
	ID        string          `json:"id"`
	Workspace string          `json:"workspace"`
	AgentDir  string          `json:"agent_dir"`
	Identity  AgentIdentity   `json:"identity"`
	Default   bool            `json:"default,omitempty"`
	Subagents *SubagentPolicy `json:"subagents,omitempty"`
}

// AgentIdentity names the persona an agent presents as.
type AgentIdentity struct {
	Name string `json:"name"`
}

// SubagentPolicy bounds which other agents an agent may spawn or message,
// and how many of its own child invocations may run concurrently.
type SubagentPolicy struct {
	Allow         []string `json:"allow,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

// ProtectionConfig carries the tenant's routing key, which the instance
// uses to sign its callbacks to the gateway.
type ProtectionConfig struct {
	RoutingKey string `json:"routing_key,omitempty"`
}

// ScheduledTask is a single cron-driven job a tenant's instance should run.
type ScheduledTask struct {
	Name         string `json:"name"`
	CronExpr     string `json:"cron_expr"`
	Command      string `json:"command"`
	WakeRequired bool   `json:"wake_required"`
}
