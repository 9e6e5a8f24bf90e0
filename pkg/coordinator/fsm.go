package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/vdisk/pkg/types"
	"github.com/hashicorp/raft"
)

// fsm applies committed raft log entries to a Store. Every mutation the
// Coordinator makes — object registration, ownership fencing, node and
// volume status — goes through here so every voter ends up with the same
// state regardless of which node received the request.
type fsm struct {
	mu    sync.RWMutex
	store Store
}

func newFSM(store Store) *fsm {
	return &fsm{store: store}
}

// Command is the raft log entry envelope: an operation name plus its
// JSON-encoded argument.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type advanceOwnerTagArgs struct {
	ObjectID string
	Expected types.OwnerTag
}

type setNodeStatusArgs struct {
	NodeID string
	Status types.NodeStatus
}

type setVolumeStateArgs struct {
	ObjectID string
	State    types.VolumeState
}

// Apply applies one committed command. The return value is either an
// error, or the result the caller asked for (advance_owner_tag returns the
// new types.OwnerTag) — raft.ApplyFuture.Response() surfaces it verbatim.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("coordinator: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "register_object":
		var reg types.ObjectRegistration
		if err := json.Unmarshal(cmd.Data, &reg); err != nil {
			return err
		}
		return f.store.RegisterObject(&reg)

	case "delete_object":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteObject(id)

	case "advance_owner_tag":
		var args advanceOwnerTagArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		tag, err := f.store.AdvanceOwnerTag(args.ObjectID, args.Expected)
		if err != nil {
			return err
		}
		return tag

	case "set_node_status":
		var args setNodeStatusArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.SetNodeStatus(args.NodeID, args.Status)

	case "set_volume_state":
		var args setVolumeStateArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.SetVolumeState(args.ObjectID, args.State)

	default:
		return fmt.Errorf("coordinator: unknown command %q", cmd.Op)
	}
}

// Snapshot captures the full coordinator state for raft log compaction.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	objects, err := f.store.ListObjects()
	if err != nil {
		return nil, fmt.Errorf("coordinator: list objects: %w", err)
	}
	nodeStatus, err := f.store.ListNodeStatuses()
	if err != nil {
		return nil, fmt.Errorf("coordinator: list node statuses: %w", err)
	}
	volumeStates, err := f.store.ListVolumeStates()
	if err != nil {
		return nil, fmt.Errorf("coordinator: list volume states: %w", err)
	}

	return &fsmSnapshot{
		Objects:      objects,
		NodeStatus:   nodeStatus,
		VolumeStates: volumeStates,
	}, nil
}

// Restore replaces this node's state with a previously persisted snapshot,
// used when a node joins or falls far enough behind that raft ships it a
// snapshot instead of replaying the whole log.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, reg := range snap.Objects {
		if err := f.store.RegisterObject(reg); err != nil {
			return fmt.Errorf("coordinator: restore object %s: %w", reg.ObjectID, err)
		}
	}
	for nodeID, status := range snap.NodeStatus {
		if err := f.store.SetNodeStatus(nodeID, status); err != nil {
			return fmt.Errorf("coordinator: restore node status %s: %w", nodeID, err)
		}
	}
	for objectID, state := range snap.VolumeStates {
		if err := f.store.SetVolumeState(objectID, state); err != nil {
			return fmt.Errorf("coordinator: restore volume state %s: %w", objectID, err)
		}
	}
	return nil
}

// fsmSnapshot is the point-in-time state raft.FSMSnapshot persists and
// Restore later replays.
type fsmSnapshot struct {
	Objects      []*types.ObjectRegistration
	NodeStatus   map[string]types.NodeStatus
	VolumeStates map[string]types.VolumeState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
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
