/*
Package metrics defines and registers every Prometheus metric the control
plane exposes, plus a small Timer helper for histogram observations.
Metrics are grouped by the subsystem that owns them and registered once at
package init; callers never need their own registration step.

# Metrics catalog

Fleet gauges (refreshed by Collector on a fixed interval):

  opsfleet_tenants_total{state}        - instances by lifecycle state
  opsfleet_workers_total{status}       - leased worker hosts by status
  opsfleet_fleet_headroom_bytes        - free RAM across ready workers
  opsfleet_inflight_provisions         - current single-flight tracker size
  opsfleet_inflight_provisions_peak    - high-water mark since process start
  opsfleet_raft_is_leader              - 1 if this node holds tenant-acquire leadership

Provisioner counters/histograms:

  opsfleet_provision_duration_seconds
  opsfleet_provisions_total
  opsfleet_provisions_failed_total{kind}
  opsfleet_provision_retries_total

Lifecycle counters:

  opsfleet_wakes_total
  opsfleet_sleeps_total
  opsfleet_restarts_total
  opsfleet_opens_total{status}

Scheduler loop counters:

  opsfleet_sleep_reclaimed_total
  opsfleet_scheduler_tick_skipped_total{loop}
  opsfleet_scheduled_tasks_fired_total{outcome}
  opsfleet_capacity_growths_total

Edge reconciliation:

  opsfleet_edge_reconcile_duration_seconds
  opsfleet_edge_recreates_total

HTTP API:

  opsfleet_api_requests_total{route,status}
  opsfleet_api_request_duration_seconds{route}
  opsfleet_readiness_autofix_total

# Usage

	timer := metrics.NewTimer()
	err := prov.Provision(ctx, tenantID)
	timer.ObserveDuration(metrics.ProvisionDuration)
	if err != nil {
		metrics.ProvisionsFailedTotal.WithLabelValues(failureKind(err)).Inc()
		return err
	}
	metrics.ProvisionsTotal.Inc()

Gauges that reflect point-in-time fleet state (tenant/worker counts,
headroom, in-flight size) are not updated inline by callers — Collector
polls pkg/storage, pkg/registry, and pkg/flight on its own ticker and sets
them directly, the same way the rest of this process treats any other
periodically-refreshed view of shared state.

# See also

  - pkg/scheduler - increments the scheduler-loop counters
  - pkg/provisioner, pkg/lifecycle - increment their own counters/histograms
  - pkg/coordinator - IsLeader feeds opsfleet_raft_is_leader
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
