/*
Package health provides health check mechanisms used by the provisioner's
alive check and the lifecycle controller's readiness wait.

This package implements three checker types: HTTP, TCP, and Exec. All three
share one Checker interface so callers can poll any of them identically.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                     Checker interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────┐
	    ▼           ▼          ▼
	┌────────┐  ┌──────┐  ┌────────┐
	│  HTTP  │  │ TCP  │  │  Exec  │
	│Checker │  │Checker│ │Checker │
	└────────┘  └──────┘  └────────┘

HTTPChecker and TCPChecker dial directly — against the edge proxy's public
host header for HTTP, or a worker-routed address for TCP — so they need no
collaborator. ExecChecker instead runs its command over the worker transport
(pkg/transport), since there is no local process to shell out to; it takes
an Execer (the Transport.Exec method set) so tests can substitute a fake.

# Usage

Provisioner step 9 ("alive check") polls an ExecChecker at 1s cadence for up
to 10s:

	checker := health.NewExecChecker(transport, worker, []string{"pgrep", "-f", containerID})
	for i := 0; i < 10; i++ {
		if checker.Check(ctx).Healthy {
			break
		}
		time.Sleep(time.Second)
	}

Step 12 ("readiness wait") polls an HTTPChecker against the edge proxy's
public address, up to 90s, requiring a 200 or 101 response with the tenant's
subdomain as the Host header.

# Security notes

  - Exec checks run only pre-validated commands — never a string built from
    tenant-controlled input — the same allow-list discipline pkg/transport
    enforces on every remote invocation.
  - HTTP checks accepting 101 (Switching Protocols) as healthy anticipates
    WebSocket-capable instance gateways; any 4xx/5xx is unhealthy.
*/
package health
