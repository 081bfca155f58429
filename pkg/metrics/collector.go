package metrics

import (
	"context"
	"time"

	"github.com/opsfleet/opsfleet/pkg/flight"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/registry"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/types"
)

const collectInterval = 15 * time.Second

const collectTimeout = 5 * time.Second

// LeaderChecker reports whether this process currently holds Raft
// leadership for the tenant-acquire FSM. *coordinator.Coordinator
// satisfies this; a nil LeaderChecker (single-node deployments with no
// coordinator configured) simply means the leader gauge stays unset.
type LeaderChecker interface {
	IsLeader() bool
}

// Collector polls the storage layer, registry, and single-flight tracker
// on a fixed interval and republishes their state as Prometheus gauges —
// the only place in the control plane that reads these for observability
// rather than to make a decision.
type Collector struct {
	store    storage.Store
	registry *registry.Registry
	tracker  *flight.Tracker
	leader   LeaderChecker
	stopCh   chan struct{}
}

// NewCollector builds a Collector. leader may be nil.
func NewCollector(store storage.Store, reg *registry.Registry, tracker *flight.Tracker, leader LeaderChecker) *Collector {
	return &Collector{store: store, registry: reg, tracker: tracker, leader: leader, stopCh: make(chan struct{})}
}

// Start begins collecting on collectInterval, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	c.collectTenantMetrics(ctx)
	c.collectWorkerMetrics(ctx)
	c.collectHeadroom(ctx)
	c.collectInFlight()
	c.collectLeader()
}

func (c *Collector) collectTenantMetrics(ctx context.Context) {
	allStates := []types.InstanceState{
		types.InstanceStatePending, types.InstanceStateProvisioning, types.InstanceStateStarting,
		types.InstanceStateActive, types.InstanceStateSleeping, types.InstanceStateGracePeriod,
		types.InstanceStatePaused, types.InstanceStateCancelled,
	}
	instances, err := c.store.ListInstancesByState(ctx, allStates...)
	if err != nil {
		log.Warn("metrics: list instances for collection: " + err.Error())
		return
	}

	counts := make(map[types.InstanceState]int, len(allStates))
	for _, inst := range instances {
		counts[inst.State]++
	}
	for _, state := range allStates {
		TenantsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		log.Warn("metrics: list workers for collection: " + err.Error())
		return
	}

	counts := map[types.WorkerStatus]int{
		types.WorkerStatusReady: 0, types.WorkerStatusDraining: 0, types.WorkerStatusDown: 0,
	}
	for _, w := range workers {
		counts[w.Status]++
	}
	for status, count := range counts {
		WorkersByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectHeadroom(ctx context.Context) {
	headroom, err := c.registry.FleetHeadroom(ctx)
	if err != nil {
		log.Warn("metrics: fleet headroom for collection: " + err.Error())
		return
	}
	FleetHeadroomBytes.Set(float64(headroom))
}

func (c *Collector) collectInFlight() {
	InFlightProvisions.Set(float64(c.tracker.Size()))
	InFlightProvisionsPeak.Set(float64(c.tracker.PeakSize()))
}

func (c *Collector) collectLeader() {
	if c.leader == nil {
		return
	}
	if c.leader.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
}
