package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/health"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/types"
)

const readinessProbeTimeout = 10 * time.Second

// defaultReadinessClient builds the HTTP client used to probe the edge
// proxy. InsecureSkipVerify matches the proxy's self-signed per-tenant
// certificate — this probe only ever reads a status code, never tenant
// payload, so it trusts by host header routing, not certificate identity.
func defaultReadinessClient() *http.Client {
	return &http.Client{
		Timeout: readinessProbeTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // probe-only
		},
	}
}

// readinessOutcome is the caller-facing result of a readiness probe.
type readinessOutcome struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	outcomeActive       = "active"
	outcomeNotReady     = "not_ready"
	outcomeTraefikFixed = "traefik_fixed"
)

// handleReadiness implements the readiness probe: check the process is
// running, then request the edge proxy with the tenant's host header. A
// 200/101 response promotes provisioning/starting to active. A 404 or
// failed connection triggers one ensureEdge auto-fix attempt.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	ctx := r.Context()

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		writeReadinessError(w, err)
		return
	}
	inst, err := s.store.GetInstance(ctx, tenantID)
	if err != nil {
		writeReadinessError(w, err)
		return
	}
	worker, err := s.store.GetWorker(ctx, inst.WorkerID)
	if err != nil {
		writeReadinessError(w, err)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, readinessProbeTimeout)
	defer cancel()

	checker := health.NewExecChecker(s.transport, worker, []string{"docker", "inspect", "-f", "{{.State.Running}}", inst.ContainerID})
	if !checker.Check(checkCtx).Healthy {
		writeReadinessJSON(w, http.StatusServiceUnavailable, readinessOutcome{Status: outcomeNotReady, Message: "process not running"})
		return
	}

	status, err := s.probeEdge(checkCtx, tenant.Subdomain)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("readiness: edge probe request failed")
		status = 0
	}

	switch {
	case status == http.StatusOK || status == http.StatusSwitchingProtocols:
		s.promote(ctx, tenantID, inst.State)
		writeReadinessJSON(w, http.StatusOK, readinessOutcome{Status: outcomeActive})

	case status == http.StatusNotFound || status == 0:
		metrics.ReadinessAutoFixTotal.Inc()
		if _, fixErr := s.edge.EnsureEdge(ctx, worker); fixErr != nil {
			s.logger.Warn().Err(fixErr).Str("tenant_id", tenantID).Msg("readiness: ensureEdge auto-fix failed")
		}
		writeReadinessJSON(w, http.StatusServiceUnavailable, readinessOutcome{Status: outcomeTraefikFixed, Message: "edge proxy recreated, retry"})

	default:
		writeReadinessJSON(w, http.StatusServiceUnavailable, readinessOutcome{Status: outcomeNotReady, Message: fmt.Sprintf("edge proxy returned %d", status)})
	}
}

// promote flips a provisioning/starting instance to active on a successful
// external probe — the "either path observes success first" race spec.md
// describes for the provisioner's own readiness wait.
func (s *Server) promote(ctx context.Context, tenantID string, from types.InstanceState) {
	if from != types.InstanceStateProvisioning && from != types.InstanceStateStarting {
		return
	}
	if err := s.store.CompareAndSetState(ctx, tenantID,
		[]types.InstanceState{types.InstanceStateProvisioning, types.InstanceStateStarting}, types.InstanceStateActive); err != nil {
		if !errors.Is(err, errs.Conflict) {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("readiness: promote to active failed")
		}
	}
}

// probeEdge returns the edge proxy's HTTP status code for subdomain. It
// returns an error only if the request cannot be built; a request that
// cannot be sent (connection failure) returns status 0 and no error.
func (s *Server) probeEdge(ctx context.Context, subdomain string) (int, error) {
	url := fmt.Sprintf("https://%s.%s/", subdomain, s.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil // connection failure reads as status 0, "traefik down"
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func writeReadinessJSON(w http.ResponseWriter, statusCode int, body readinessOutcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func writeReadinessError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, errs.NotProvisioned) {
		code = http.StatusNotFound
	}
	writeReadinessJSON(w, code, readinessOutcome{Status: outcomeNotReady, Message: err.Error()})
}
