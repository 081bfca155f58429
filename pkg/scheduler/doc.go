/*
Package scheduler runs the background loops that keep the fleet honest
between user-driven requests: reclaiming idle instances, growing capacity
ahead of demand, and firing tenant-owned cron jobs.

# Architecture

Three independent tickers, each self-skipping:

	┌─────────────────────┐   ┌─────────────────────┐   ┌─────────────────────┐
	│   Sleep reclaim      │   │   Capacity check     │   │  Scheduled tasks     │
	│   every 5 minutes    │   │   every 10 minutes   │   │   every 1 minute     │
	└──────────┬───────────┘   └──────────┬───────────┘   └──────────┬───────────┘
	           │                          │                          │
	           ▼                          ▼                          ▼
	  stop idle instances         grow() when fleet           fire due cron jobs
	  past IdleTimeout            headroom < threshold        via config.SendMessage

Each loop guards itself with an atomic flag rather than a mutex: if a tick
is still running when the next one fires, the next one is skipped outright,
not queued behind the first. A slow sleep-reclaim pass therefore never backs
up a queue of reclaim attempts; it just costs that tick.

# Sleep reclaim

Every active instance with lastActive older than its plan's IdleTimeout is
handed to the lifecycle controller's Sleep. Sleep itself acquires the
per-tenant sleep lock, so a reclaim racing a user's own Open/Wake loses
cleanly rather than corrupting state. Failures are logged and counted; one
tenant's failure does not stop the rest of the tick.

# Capacity check

A coarse, fleet-wide headroom check against registry.FleetHeadroom. No
specific tenant is waiting on this loop, so unlike the provisioner's
grow-on-demand path, a failure here only logs — the next placement attempt
will retry growth on its own if headroom is still short.

# Scheduled tasks

Tenant-defined cron jobs live in each tenant's config document on its
worker, not in the control-plane database — the scheduler has no
authoritative list until it reads config.Store.Read for the tenant's
active instance. A task whose schedule has a tick since the loop's last
pass is fired with config.SendMessage; a task marked wake-required runs
against a sleeping tenant by calling lifecycle.Wake first, and every other
task silently skips a sleeping tenant instead of waking it speculatively.
*/
package scheduler
