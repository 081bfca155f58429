package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	TenantsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsfleet_tenants_total",
			Help: "Total number of tenant instances by lifecycle state",
		},
		[]string{"state"},
	)

	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsfleet_workers_total",
			Help: "Total number of leased worker hosts by status",
		},
		[]string{"status"},
	)

	FleetHeadroomBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsfleet_fleet_headroom_bytes",
			Help: "Free RAM across ready workers at the configured overcommit factor",
		},
	)

	InFlightProvisions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsfleet_inflight_provisions",
			Help: "Number of tenants currently claimed in the single-flight provision tracker",
		},
	)

	InFlightProvisionsPeak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsfleet_inflight_provisions_peak",
			Help: "High-water mark of concurrently in-flight provisions since process start",
		},
	)

	// Raft metrics (pkg/coordinator)
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsfleet_raft_is_leader",
			Help: "Whether this node holds Raft leadership for the tenant-acquire FSM (1 = leader, 0 = follower)",
		},
	)

	// Provisioner metrics
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsfleet_provision_duration_seconds",
			Help:    "Time taken for Provision to run the full fourteen-step sequence",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProvisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_provisions_total",
			Help: "Total number of Provision calls that completed without error",
		},
	)

	ProvisionsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfleet_provisions_failed_total",
			Help: "Total number of Provision calls that returned an error, by error kind",
		},
		[]string{"kind"},
	)

	ProvisionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_provision_retries_total",
			Help: "Total number of provision retry attempts across all tenants",
		},
	)

	// Lifecycle metrics
	WakesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_wakes_total",
			Help: "Total number of successful Wake calls",
		},
	)

	SleepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_sleeps_total",
			Help: "Total number of successful Sleep calls",
		},
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_restarts_total",
			Help: "Total number of successful Restart calls",
		},
	)

	OpensByStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfleet_opens_total",
			Help: "Total number of Open calls by resulting status",
		},
		[]string{"status"},
	)

	// Scheduler loop metrics
	SleepReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_sleep_reclaimed_total",
			Help: "Total number of tenants put to sleep by the sleep-reclaim loop",
		},
	)

	SchedulerTickSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfleet_scheduler_tick_skipped_total",
			Help: "Total number of scheduler ticks skipped because the previous tick was still running, by loop",
		},
		[]string{"loop"},
	)

	ScheduledTasksFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfleet_scheduled_tasks_fired_total",
			Help: "Total number of tenant-scheduled cron tasks delivered, by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileActiveRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_reconcile_active_restarts_total",
			Help: "Total number of active instances restarted by the optional reconcile-active loop after its process was found dead",
		},
	)

	CapacityGrowthsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_capacity_growths_total",
			Help: "Total number of times the capacity-check loop grew the fleet",
		},
	)

	// Edge reconciliation metrics
	EdgeReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsfleet_edge_reconcile_duration_seconds",
			Help:    "Time taken for EnsureEdge to inspect/recreate the edge-proxy process",
			Buckets: prometheus.DefBuckets,
		},
	)

	EdgeRecreatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_edge_recreates_total",
			Help: "Total number of times EnsureEdge recreated the edge-proxy process",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfleet_api_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsfleet_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	ReadinessAutoFixTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfleet_readiness_autofix_total",
			Help: "Total number of times the readiness endpoint triggered a traefik_fixed auto-recreate",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TenantsByState,
		WorkersByStatus,
		FleetHeadroomBytes,
		InFlightProvisions,
		InFlightProvisionsPeak,
		RaftIsLeader,

		ProvisionDuration,
		ProvisionsTotal,
		ProvisionsFailedTotal,
		ProvisionRetriesTotal,

		WakesTotal,
		SleepsTotal,
		RestartsTotal,
		OpensByStatus,

		SleepReclaimedTotal,
		SchedulerTickSkippedTotal,
		ScheduledTasksFiredTotal,
		ReconcileActiveRestartsTotal,
		CapacityGrowthsTotal,

		EdgeReconcileDuration,
		EdgeRecreatesTotal,

		APIRequestsTotal,
		APIRequestDuration,
		ReadinessAutoFixTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
