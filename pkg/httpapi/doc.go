/*
Package httpapi is the only HTTP surface this control plane owns: a
caller-driven tenant readiness probe, the process health/liveness/readiness
triad, and the Prometheus scrape endpoint. The broader tenant-facing
authenticated API (billing, settings, embed tokens) is out of scope — this
package exists purely to let an operator's load balancer or a UI poll ask
"is tenant X's instance up yet" without reimplementing the edge-proxy
probe logic itself.

# Routes

	GET  /healthz            - process liveness (always 200 once listening)
	GET  /readyz              - process readiness (raft/storage/api components)
	GET  /metrics             - Prometheus scrape endpoint
	POST /v1/tenants/{id}/readiness - tenant instance readiness probe

# Readiness probe

Given a tenant ID, the probe checks the instance's process is running, then
requests the edge proxy with host header "<subdomain>.<domain>". A 200 or
101 response promotes a provisioning/starting instance to active. A 404 or
failed connection triggers a one-time edge.Reconciler.EnsureEdge auto-fix
attempt and reports "traefik_fixed" so the caller knows to retry. Any other
response is reported not-ready with no side effect.
*/
package httpapi
