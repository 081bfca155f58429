// Package edge drives the edge-proxy process on each worker (labels and
// service lifecycle only — it never terminates tenant traffic itself) and
// publishes tenant DNS records through pkg/dnsprovider.
package edge

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsfleet/opsfleet/pkg/dnsprovider"
	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

// EdgeProxyName is the fixed service name the reconciler inspects and
// recreates on every worker.
const EdgeProxyName = "edge-proxy"

// EdgeProxyImage is the pre-built edge-proxy image run on every worker.
const EdgeProxyImage = "opsfleet/edge-proxy:latest"

// responseHeaderLabels are the Traefik-shaped middleware labels every
// recreated edge proxy carries, per the response-header requirements.
func responseHeaderLabels(domain string) []string {
	return []string{
		"traefik.http.middlewares.security-headers.headers.customResponseHeaders.X-Frame-Options=",
		fmt.Sprintf("traefik.http.middlewares.security-headers.headers.customResponseHeaders.Content-Security-Policy=frame-ancestors self https://%s https://*.%s", domain, domain),
	}
}

// Execer is the subset of *transport.Transport the reconciler needs;
// tests substitute a fake instead of a real SSH channel.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
}

// Reconciler drives the edge proxy and DNS for the fleet.
type Reconciler struct {
	transport Execer
	dns       dnsprovider.Provider
	domain    string
	discovery string // worker-local discovery-environment handle, e.g. "consul://..."
}

// New builds a Reconciler. discoveryEndpoint is the versioned handle to
// the process-supervisor's API every edge proxy must advertise.
func New(t Execer, dns dnsprovider.Provider, domain, discoveryEndpoint string) *Reconciler {
	return &Reconciler{transport: t, dns: dns, domain: domain, discovery: discoveryEndpoint}
}

// EnsureEdge inspects the edge-proxy process on worker; if it is absent or
// its DISCOVERY_ENDPOINT no longer matches the current handle, it is torn
// down and recreated. Returns whether a recreate happened.
func (r *Reconciler) EnsureEdge(ctx context.Context, worker *types.Worker) (bool, error) {
	timer := metrics.NewTimer()
	recreated, err := r.ensureEdge(ctx, worker)
	timer.ObserveDuration(metrics.EdgeReconcileDuration)
	if err == nil && recreated {
		metrics.EdgeRecreatesTotal.Inc()
	}
	return recreated, err
}

func (r *Reconciler) ensureEdge(ctx context.Context, worker *types.Worker) (bool, error) {
	res, err := r.transport.Exec(ctx, worker, []string{"docker", "service", "inspect", EdgeProxyName})
	if err != nil {
		return false, errs.Wrap(errs.Unreachable, fmt.Sprintf("inspect edge proxy on worker %s", worker.ID), err)
	}

	if res.ExitCode == 0 && strings.Contains(res.Stdout, "DISCOVERY_ENDPOINT="+r.discovery) {
		return false, nil
	}

	log.Info(fmt.Sprintf("edge: recreating edge proxy on worker %s", worker.ID))

	if res.ExitCode == 0 {
		if _, err := r.transport.Exec(ctx, worker, []string{"docker", "service", "rm", EdgeProxyName}); err != nil {
			return false, errs.Wrap(errs.Unreachable, fmt.Sprintf("remove edge proxy on worker %s", worker.ID), err)
		}
	}

	createCmd := r.createCommand()
	createRes, err := r.transport.Exec(ctx, worker, createCmd)
	if err != nil {
		return false, errs.Wrap(errs.Unreachable, fmt.Sprintf("create edge proxy on worker %s", worker.ID), err)
	}
	if createRes.ExitCode != 0 {
		return false, fmt.Errorf("edge: create edge proxy on worker %s exited %d: %s", worker.ID, createRes.ExitCode, log.Redact(createRes.Stderr))
	}

	return true, nil
}

func (r *Reconciler) createCommand() []string {
	cmd := []string{
		"docker", "service", "create",
		"--name", EdgeProxyName,
		"--env", "DISCOVERY_ENDPOINT=" + r.discovery,
	}
	for _, label := range responseHeaderLabels(r.domain) {
		cmd = append(cmd, "--label", label)
	}
	cmd = append(cmd, EdgeProxyImage)
	return cmd
}

// PublishHosts upserts <subdomain>.<domain> and preview-<subdomain>.<domain>
// pointing at worker.Address, delegating to pkg/dnsprovider.
func (r *Reconciler) PublishHosts(ctx context.Context, subdomain string, worker *types.Worker) error {
	return r.dns.Upsert(ctx, subdomain, "", worker.Address)
}

// WithdrawHosts removes subdomain's DNS records. Idempotent.
func (r *Reconciler) WithdrawHosts(ctx context.Context, subdomain string) error {
	return r.dns.Delete(ctx, subdomain, "")
}
