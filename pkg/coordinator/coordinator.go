// Package coordinator provides an optional cross-node advisory lock over
// per-tenant provisioning, for control-plane deployments running more than
// one node (opted into with one or more --peer flags). A single-node
// deployment never constructs a raft.Raft at all: Coordinator.Acquire/Release
// degrade to an in-process, mutex-guarded lock set, so the default deployment
// pays no consensus cost for a property pkg/flight already guarantees within
// one process.
package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/opsfleet/opsfleet/pkg/log"
)

// Command is a Raft log entry: acquire or release a named tenant lock.
type Command struct {
	Op       string `json:"op"`
	TenantID string `json:"tenant_id"`
	Holder   string `json:"holder"`
}

const (
	opAcquire = "acquire"
	opRelease = "release"
)

// FSM applies lock acquire/release commands committed through Raft. It holds
// nothing but the current holder of each tenant's lock.
type FSM struct {
	mu      sync.RWMutex
	holders map[string]string
}

// NewFSM builds an empty lock table.
func NewFSM() *FSM {
	return &FSM{holders: make(map[string]string)}
}

// Apply applies a committed Raft log entry. It returns true when the
// command's holder now owns the tenant's lock, false when acquire lost to
// an existing holder.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("coordinator: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAcquire:
		if existing, held := f.holders[cmd.TenantID]; held && existing != cmd.Holder {
			return false
		}
		f.holders[cmd.TenantID] = cmd.Holder
		return true
	case opRelease:
		if existing, held := f.holders[cmd.TenantID]; held && existing == cmd.Holder {
			delete(f.holders, cmd.TenantID)
		}
		return true
	default:
		return fmt.Errorf("coordinator: unknown op %q", cmd.Op)
	}
}

func (f *FSM) holderOf(tenantID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.holders[tenantID]
	return h, ok
}

// Snapshot captures the current lock table.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	copied := make(map[string]string, len(f.holders))
	for k, v := range f.holders {
		copied[k] = v
	}
	return &fsmSnapshot{holders: copied}, nil
}

// Restore replaces the lock table from a previously persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var holders map[string]string
	if err := json.NewDecoder(rc).Decode(&holders); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.holders = holders
	return nil
}

type fsmSnapshot struct {
	holders map[string]string
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.holders); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

// Config configures a Coordinator.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Peers    []string // other NodeID@BindAddr entries; empty means single-node
}

// Coordinator is the advisory lock surface the provisioner and lifecycle
// controller acquire tenant locks through. In single-node mode (no Peers)
// it never touches Raft at all.
type Coordinator struct {
	nodeID string
	fsm    *FSM
	raft   *raft.Raft // nil in single-node mode

	mu    sync.Mutex
	local map[string]struct{} // single-node in-process lock set
}

// New builds a Coordinator. When cfg.Peers is empty it runs in single-node
// mode: Acquire/Release degrade to an in-process map guarded by a mutex, with
// no Raft group, no BoltDB log files, and no network listener.
func New(cfg Config) (*Coordinator, error) {
	if len(cfg.Peers) == 0 {
		coordLogger := log.WithComponent("coordinator")
		coordLogger.Info().Msg("running single-node, advisory lock is in-process only")
		return &Coordinator{nodeID: cfg.NodeID, local: make(map[string]struct{})}, nil
	}
	return newRaftCoordinator(cfg)
}

func newRaftCoordinator(cfg Config) (*Coordinator, error) {
	fsm := NewFSM()

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "coordinator-log.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: new log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "coordinator-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: new stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new raft: %w", err)
	}

	servers := []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}
	for _, peer := range cfg.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(peer), Address: raft.ServerAddress(peer)})
	}
	if future := r.BootstrapCluster(raft.Configuration{Servers: servers}); future.Error() != nil {
		coordLogger := log.WithComponent("coordinator")
		coordLogger.Warn().Err(future.Error()).Msg("bootstrap cluster (likely already bootstrapped)")
	}

	return &Coordinator{nodeID: cfg.NodeID, fsm: fsm, raft: r}, nil
}

// Acquire attempts to take tenantID's advisory lock for this node. It
// reports whether the lock was acquired; false means another node (or, in
// single-node mode, another caller) already holds it.
func (c *Coordinator) Acquire(tenantID string) (bool, error) {
	if c.raft == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, held := c.local[tenantID]; held {
			return false, nil
		}
		c.local[tenantID] = struct{}{}
		return true, nil
	}

	if c.raft.State() != raft.Leader {
		if holder, ok := c.fsm.holderOf(tenantID); ok {
			return holder == c.nodeID, nil
		}
	}

	cmd := Command{Op: opAcquire, TenantID: tenantID, Holder: c.nodeID}
	data, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("coordinator: marshal acquire: %w", err)
	}
	future := c.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return false, fmt.Errorf("coordinator: apply acquire: %w", err)
	}
	acquired, _ := future.Response().(bool)
	return acquired, nil
}

// Release drops tenantID's advisory lock if this node holds it.
func (c *Coordinator) Release(tenantID string) error {
	if c.raft == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.local, tenantID)
		return nil
	}

	cmd := Command{Op: opRelease, TenantID: tenantID, Holder: c.nodeID}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordinator: marshal release: %w", err)
	}
	future := c.raft.Apply(data, 5*time.Second)
	return future.Error()
}

// IsLeader reports whether this node is the Raft leader. Always true in
// single-node mode.
func (c *Coordinator) IsLeader() bool {
	if c.raft == nil {
		return true
	}
	return c.raft.State() == raft.Leader
}

// Shutdown releases Raft resources. No-op in single-node mode.
func (c *Coordinator) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
