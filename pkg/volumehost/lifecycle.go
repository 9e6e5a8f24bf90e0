package volumehost

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/vdisk/pkg/dtl"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/cuemby/vdisk/pkg/volumeengine"
	"github.com/google/uuid"
)

// CreateVolume registers a brand-new volume with the coordinator, owned by
// this node, and opens its local runtime stack.
func (h *Host) CreateVolume(ctx context.Context, vc types.VolumeConfiguration) error {
	if err := h.cfg.Coordinator.RegisterObject(types.ObjectRegistration{
		ObjectID:  vc.ID,
		Type:      types.ObjectVolume,
		Namespace: vc.BackendNamespace,
		OwnerNode: h.cfg.NodeID,
		OwnerTag:  1,
		DtlPolicy: types.DtlPolicyDisabled,
	}); err != nil {
		return fmt.Errorf("volumehost: register volume %s: %w", vc.ID, err)
	}

	tlogID := types.TLogID(uuid.NewString())
	if _, err := h.open(ctx, vc, tlogID, 0, nil); err != nil {
		_ = h.cfg.Coordinator.DeleteObject(vc.ID)
		return err
	}
	return nil
}

// CreateClone registers a new clone object, pointed at parentID's namespace
// and parentSnap, and opens its local runtime stack with ParentReader set to
// the parent's Engine when the parent happens to be resident on this node.
// A non-resident parent is left without a direct in-process fallthrough: the
// clone still records ParentNamespace/ParentSnapshot for recovery and for any
// explicit backfill, but cross-node clone reads are out of scope here.
func (h *Host) CreateClone(ctx context.Context, vc types.VolumeConfiguration, parentID, parentSnap string) error {
	vc.ParentSnapshot = parentSnap
	if vc.ParentNamespace == "" {
		if parent, err := h.cfg.Coordinator.GetObject(parentID); err == nil {
			vc.ParentNamespace = parent.Namespace
		}
	}

	if err := h.cfg.Coordinator.RegisterObject(types.ObjectRegistration{
		ObjectID:  vc.ID,
		Type:      types.ObjectVolume,
		ParentID:  parentID,
		Namespace: vc.BackendNamespace,
		OwnerNode: h.cfg.NodeID,
		OwnerTag:  1,
		DtlPolicy: types.DtlPolicyDisabled,
	}); err != nil {
		return fmt.Errorf("volumehost: register clone %s: %w", vc.ID, err)
	}

	var parent volumeengine.ParentReader
	if pe, ok := h.Engine(parentID); ok {
		parent = pe
	}

	tlogID := types.TLogID(uuid.NewString())
	engine, err := h.open(ctx, vc, tlogID, 0, parent)
	if err != nil {
		_ = h.cfg.Coordinator.DeleteObject(vc.ID)
		return err
	}
	return engine.CloneFrom(vc.ParentNamespace, parentSnap)
}

// Destroy tears down id's local state and, when opts.DeleteLocalData or
// RemoveCompletely is set, removes its on-disk and backend objects. The
// coordinator's registration is always removed last, once nothing else can
// fail, so an interrupted destroy can always be retried.
func (h *Host) Destroy(ctx context.Context, id string, opts types.DestroyOptions) error {
	h.mu.Lock()
	lv, ok := h.volumes[id]
	if ok {
		delete(h.volumes, id)
	}
	h.mu.Unlock()

	if ok {
		if err := lv.engine.Quiesce(ctx, id); err != nil && !opts.Force {
			h.mu.Lock()
			h.volumes[id] = lv
			h.mu.Unlock()
			return fmt.Errorf("volumehost: destroy %s: %w", id, err)
		}
		_ = lv.engine.TeardownLocal(id)
	}

	if opts.RemoveCompletely && ok {
		infos, err := lv.backend.List(ctx, "")
		if err != nil {
			return fmt.Errorf("volumehost: destroy %s: list backend objects: %w", id, err)
		}
		for _, info := range infos {
			if err := lv.backend.Remove(ctx, info.Key); err != nil {
				return fmt.Errorf("volumehost: destroy %s: remove %s: %w", id, info.Key, err)
			}
		}
	}
	if opts.DeleteLocalData || opts.RemoveCompletely {
		if err := os.RemoveAll(h.volumeDir(id)); err != nil {
			return fmt.Errorf("volumehost: destroy %s: remove local data: %w", id, err)
		}
	}

	if err := h.cfg.Coordinator.DeleteObject(id); err != nil {
		return fmt.Errorf("volumehost: destroy %s: deregister: %w", id, err)
	}
	return nil
}

func (h *Host) resident(id string) (*localVolume, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lv, ok := h.volumes[id]
	if !ok {
		return nil, types.NewError(types.ErrObjectNotRunningHere, "volume %s is not running on this node", id)
	}
	return lv, nil
}

// CreateSnapshot delegates to the volume's engine.
func (h *Host) CreateSnapshot(ctx context.Context, id, name string, metadata map[string]string) (types.Snapshot, error) {
	lv, err := h.resident(id)
	if err != nil {
		return types.Snapshot{}, err
	}
	return lv.engine.CreateSnapshot(ctx, name, metadata)
}

// ListSnapshots delegates to the volume's snapshot manager.
func (h *Host) ListSnapshots(id string) ([]types.Snapshot, error) {
	lv, err := h.resident(id)
	if err != nil {
		return nil, err
	}
	return lv.snapshots.List(), nil
}

// RestoreSnapshot delegates to the volume's engine.
func (h *Host) RestoreSnapshot(ctx context.Context, id, name string) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	return lv.engine.RestoreSnapshot(ctx, name)
}

// DeleteSnapshot delegates to the volume's snapshot manager.
func (h *Host) DeleteSnapshot(ctx context.Context, id, name string) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	return lv.snapshots.Delete(ctx, name)
}

// Migrate hands id's ownership to toNode, quiescing local I/O first unless
// force is set.
func (h *Host) Migrate(ctx context.Context, id, toNode string, force bool) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	if force {
		return h.cfg.Router.Steal(ctx, id, lv.engine)
	}
	return h.cfg.Router.Migrate(ctx, id, toNode, force, lv.engine)
}

// Stop quiesces and tears down id's local state without changing ownership
// or coordinator registration, optionally deleting its on-disk data too.
func (h *Host) Stop(ctx context.Context, id string, deleteLocal bool) error {
	h.mu.Lock()
	lv, ok := h.volumes[id]
	if ok {
		delete(h.volumes, id)
	}
	h.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrObjectNotRunningHere, "volume %s is not running on this node", id)
	}

	if err := lv.engine.Quiesce(ctx, id); err != nil {
		h.mu.Lock()
		h.volumes[id] = lv
		h.mu.Unlock()
		return fmt.Errorf("volumehost: stop %s: %w", id, err)
	}
	if err := lv.engine.TeardownLocal(id); err != nil {
		return fmt.Errorf("volumehost: stop %s: teardown: %w", id, err)
	}
	if deleteLocal {
		if err := os.RemoveAll(h.volumeDir(id)); err != nil {
			return fmt.Errorf("volumehost: stop %s: remove local data: %w", id, err)
		}
	}
	return nil
}

// Restart reopens id's local runtime stack from its on-disk state,
// resuming the TLog pkg/recovery's local restart sequence determines
// (truncating a corrupt or incomplete tail) rather than starting a new
// one. Callers needing a backend restart (no usable local copy) should
// stage the volume's data with pkg/recovery.BackendRestart first and pass
// the resulting TLog's data directory in as this node's local state.
func (h *Host) Restart(ctx context.Context, id string, vc types.VolumeConfiguration) error {
	if _, ok := h.Engine(id); ok {
		return types.NewError(types.ErrInvalidOperation, "volume %s is already running on this node", id)
	}
	_, err := h.open(ctx, vc, "", 0, nil)
	return err
}

// ScheduleBackendSync forces an out-of-band TLog rollover for id.
func (h *Host) ScheduleBackendSync(ctx context.Context, id string) (types.TLogID, error) {
	lv, err := h.resident(id)
	if err != nil {
		return "", err
	}
	return lv.engine.Sync(ctx)
}

// IsSyncedUpTo reports whether tlogID has finished uploading for id.
func (h *Host) IsSyncedUpTo(id string, tlogID types.TLogID) (bool, error) {
	lv, err := h.resident(id)
	if err != nil {
		return false, err
	}
	return lv.engine.IsDurable(tlogID), nil
}

// SetSCOMultiplier delegates to the volume's engine.
func (h *Host) SetSCOMultiplier(id string, n uint32) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	return lv.engine.SetSCOMultiplier(n)
}

// SetTLogMultiplier delegates to the volume's engine.
func (h *Host) SetTLogMultiplier(id string, n uint32) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	return lv.engine.SetTLogMultiplier(n)
}

// SetClusterCacheMode delegates to the volume's engine.
func (h *Host) SetClusterCacheMode(id string, mode types.ClusterCacheMode) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	lv.engine.SetClusterCacheMode(mode)
	return nil
}

// SetClusterCacheBehaviour delegates to the volume's engine.
func (h *Host) SetClusterCacheBehaviour(id string, behaviour types.ClusterCacheBehaviour) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	lv.engine.SetClusterCacheBehaviour(behaviour)
	return nil
}

// SetClusterCacheLimit delegates to the volume's engine.
func (h *Host) SetClusterCacheLimit(id string, limit int) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}
	return lv.engine.SetClusterCacheLimit(limit)
}

// SetFailoverCacheConfig attaches or detaches id's DTL peer. A nil cfg
// detaches whatever DTL client is currently configured; a non-nil cfg dials
// a fresh one and swaps it in, closing the volume's previous peer
// connection if it had one.
func (h *Host) SetFailoverCacheConfig(ctx context.Context, id string, cfg *types.DtlConfig) error {
	lv, err := h.resident(id)
	if err != nil {
		return err
	}

	if cfg == nil {
		lv.engine.SetDTLClient(nil)
		return nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := dtl.Dial(ctx, addr, h.cfg.DTLTLSConfig, id, lv.engine.VolumeConfig(), lv.engine.OwnerTag(), cfg.Mode)
	if err != nil {
		return fmt.Errorf("volumehost: dial dtl peer for %s: %w", id, err)
	}
	lv.engine.SetDTLClient(client)
	return nil
}

// SetNodeStatus forwards directly to the coordinator: it is not scoped to
// any one volume.
func (h *Host) SetNodeStatus(nodeID string, status types.NodeStatus) error {
	return h.cfg.Coordinator.SetNodeStatus(nodeID, status)
}

// AddVoter forwards directly to the coordinator, for a node joining the
// cluster.
func (h *Host) AddVoter(nodeID, address string) error {
	return h.cfg.Coordinator.AddVoter(nodeID, address)
}
