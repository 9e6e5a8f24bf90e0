// Package coordinator is the linearizable source of truth for cluster-wide
// object ownership: which node owns each volume/template/file object, the
// fencing generation (OwnerTag) that owner holds, and every node's
// reachability. It is a small raft group — one log, one FSM, one bbolt
// state file per voter — replicated the same way the teacher's manager
// package replicates node/service/task state, just over a different
// domain: objects and owners instead of containers and services.
package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// JoinRequester is satisfied by pkg/client. It is the only way Join talks
// to an existing leader, kept as a narrow interface here so this package
// does not depend on the RPC client's transport.
type JoinRequester interface {
	JoinCluster(nodeID, bindAddr, token string) error
	Close() error
}

// Config configures one Coordinator voter.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Coordinator is one voter in the cluster's object-ownership raft group.
type Coordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *fsm
	store  Store
	logger zerolog.Logger
}

// New creates a Coordinator backed by a fresh or existing bbolt state file
// in cfg.DataDir. Bootstrap or Join must be called before it is usable.
func New(cfg *Config) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}

	store, err := NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(store),
		store:    store,
		logger:   log.WithNodeID(cfg.NodeID),
	}, nil
}

// raftConfig builds the tuned timeouts shared by Bootstrap and Join: faster
// heartbeats and elections than raft's WAN-oriented defaults, aimed at
// sub-10s failover on a LAN-latency cluster.
func (c *Coordinator) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (c *Coordinator) setupRaft(config *raft.Config) (*raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create raft: %w", err)
	}
	c.raft = r
	return transport, nil
}

// Bootstrap starts a brand-new single-voter cluster.
func (c *Coordinator) Bootstrap() error {
	config := c.raftConfig()
	transport, err := c.setupRaft(config)
	if err != nil {
		return err
	}

	future := c.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: bootstrap cluster: %w", err)
	}

	c.logger.Info().Str("bind_addr", c.bindAddr).Msg("coordinator bootstrapped")
	return nil
}

// Join starts raft and asks the leader at leaderAddr (through joiner) to
// add this node as a voter.
func (c *Coordinator) Join(leaderAddr, token string, joiner JoinRequester) error {
	config := c.raftConfig()
	if _, err := c.setupRaft(config); err != nil {
		return err
	}

	if err := joiner.JoinCluster(c.nodeID, c.bindAddr, token); err != nil {
		return fmt.Errorf("coordinator: join cluster via %s: %w", leaderAddr, err)
	}

	c.logger.Info().Str("leader", leaderAddr).Msg("joined coordinator raft group")
	return nil
}

// AddVoter adds nodeID/address as a voting member. Only the leader can do
// this.
func (c *Coordinator) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not the leader, current leader: %s", c.LeaderAddr())
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes nodeID from the raft group.
func (c *Coordinator) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not the leader")
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: remove server %s: %w", nodeID, err)
	}
	return nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current raft leader, or "" if
// unknown.
func (c *Coordinator) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// NodeID returns this coordinator's raft server ID.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// Shutdown releases raft and the underlying store.
func (c *Coordinator) Shutdown() error {
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("coordinator: raft shutdown: %w", err)
		}
	}
	return c.store.Close()
}

// apply marshals cmd and commits it through raft, returning whatever the
// FSM's Apply returned (an *types.Error, a types.OwnerTag, or nil).
func (c *Coordinator) apply(op string, data interface{}) (interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if c.raft == nil {
		return nil, fmt.Errorf("coordinator: raft not initialized")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal %s args: %w", op, err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal command: %w", err)
	}

	future := c.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("coordinator: apply %s: %w", op, err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// RegisterObject records id as owned by ownerNode with the given fencing
// tag. Used on volume creation, clone, and migration completion.
func (c *Coordinator) RegisterObject(reg types.ObjectRegistration) error {
	_, err := c.apply("register_object", reg)
	return err
}

// DeleteObject removes an object's registration, e.g. on destroy.
func (c *Coordinator) DeleteObject(id string) error {
	_, err := c.apply("delete_object", id)
	return err
}

// GetObject returns id's current registration from this node's local
// (linearizably replicated) copy of the store — no raft round trip needed
// for reads once the log has caught up.
func (c *Coordinator) GetObject(id string) (*types.ObjectRegistration, error) {
	return c.store.GetObject(id)
}

// ListObjects returns every registered object.
func (c *Coordinator) ListObjects() ([]*types.ObjectRegistration, error) {
	return c.store.ListObjects()
}

// AdvanceOwnerTag fences out the current owner of id by bumping its
// OwnerTag past expected. It fails if another migration already advanced
// the tag first, which is exactly the race it exists to resolve.
func (c *Coordinator) AdvanceOwnerTag(id string, expected types.OwnerTag) (types.OwnerTag, error) {
	resp, err := c.apply("advance_owner_tag", advanceOwnerTagArgs{ObjectID: id, Expected: expected})
	if err != nil {
		return 0, err
	}
	tag, _ := resp.(types.OwnerTag)
	return tag, nil
}

// SetNodeStatus records a node's reachability as seen by the leader's
// failure detector.
func (c *Coordinator) SetNodeStatus(nodeID string, status types.NodeStatus) error {
	_, err := c.apply("set_node_status", setNodeStatusArgs{NodeID: nodeID, Status: status})
	return err
}

// NodeStatus returns nodeID's last-recorded reachability.
func (c *Coordinator) NodeStatus(nodeID string) (types.NodeStatus, error) {
	return c.store.GetNodeStatus(nodeID)
}

// SetVolumeState records the owning node's last-reported position in the
// snapshot/clone state machine for objectID.
func (c *Coordinator) SetVolumeState(objectID string, state types.VolumeState) error {
	_, err := c.apply("set_volume_state", setVolumeStateArgs{ObjectID: objectID, State: state})
	return err
}

// RaftStats implements metrics.StatsSource.
func (c *Coordinator) RaftStats() metrics.RaftStats {
	if c.raft == nil {
		return metrics.RaftStats{}
	}
	peers := 0
	if future := c.raft.GetConfiguration(); future.Error() == nil {
		peers = len(future.Configuration().Servers)
	}
	return metrics.RaftStats{
		IsLeader:     c.IsLeader(),
		Peers:        peers,
		LastLogIndex: c.raft.LastIndex(),
		AppliedIndex: c.raft.AppliedIndex(),
	}
}

// NodeCountsByStatus implements metrics.StatsSource.
func (c *Coordinator) NodeCountsByStatus() map[string]int {
	out := map[string]int{}
	statuses, err := c.store.ListNodeStatuses()
	if err != nil {
		return out
	}
	for _, status := range statuses {
		out[string(status)]++
	}
	return out
}

// VolumeCountsByState implements metrics.StatsSource.
func (c *Coordinator) VolumeCountsByState() map[string]int {
	out := map[string]int{}
	states, err := c.store.ListVolumeStates()
	if err != nil {
		return out
	}
	for _, state := range states {
		out[string(state)]++
	}
	return out
}
