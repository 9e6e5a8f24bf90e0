package volumeengine

import (
	"context"
	"fmt"

	"github.com/cuemby/vdisk/pkg/recovery"
	"github.com/cuemby/vdisk/pkg/tlog"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/google/uuid"
)

// CreateSnapshot drives Running → CreatingSnapshot → SnapshotPendingInBackend.
// It seals the current TLog and rolls a fresh one first so the snapshot
// boundary is exact: any write acknowledged before this call returns is
// inside the snapshot, any write issued after is not (spec.md §5).
func (e *Engine) CreateSnapshot(ctx context.Context, name string, metadata map[string]string) (types.Snapshot, error) {
	if e.Halted() {
		return types.Snapshot{}, types.NewError(types.ErrInvalidOperation, "volume %s is halted", e.cfg.VolumeConfig.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != types.StateRunning {
		return types.Snapshot{}, types.NewError(types.ErrInvalidOperation, "cannot create snapshot while volume is %s", e.state)
	}
	e.setState(types.StateCreatingSnapshot)

	if err := e.rolloverTLogLocked(ctx); err != nil {
		e.setState(types.StateRunning)
		return types.Snapshot{}, fmt.Errorf("volumeengine: seal tlog for snapshot: %w", err)
	}

	snap, err := e.cfg.SnapshotMgr.Create(ctx, name, metadata)
	if err != nil {
		e.setState(types.StateRunning)
		return types.Snapshot{}, err
	}

	// The snapshot becomes durable asynchronously as its TLogs finish
	// uploading (see rolloverTLogLocked's MarkDurable call); until then the
	// volume still accepts new writes against the freshly rolled TLog, so
	// there is no reason to block further I/O on SnapshotPendingInBackend.
	e.setState(types.StateSnapshotPendingInBackend)
	e.setState(types.StateRunning)

	return snap, nil
}

// RestoreSnapshot drives Running → Restoring → Running: it requires the
// named snapshot to already be durable in the backend, drops every TLog and
// SCO written after it, resets the MetaData Store to the snapshot's cut,
// and rolls the current TLog into fresh id-space.
func (e *Engine) RestoreSnapshot(ctx context.Context, name string) error {
	if e.Halted() {
		return types.NewError(types.ErrInvalidOperation, "volume %s is halted", e.cfg.VolumeConfig.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != types.StateRunning {
		return types.NewError(types.ErrInvalidOperation, "cannot restore while volume is %s", e.state)
	}

	target, chain, err := e.cfg.SnapshotMgr.RestorePoint(name)
	if err != nil {
		return err
	}

	e.setState(types.StateRestoring)

	if err := e.cfg.MetadataStore.Cork(); err != nil {
		e.setState(types.StateRunning)
		return fmt.Errorf("volumeengine: cork metadata store for restore: %w", err)
	}

	// The chain may reach back before any TLog still on local disk (sealed
	// TLogs are free to be pruned once durable); recovery.StageLocator
	// downloads whatever is missing from the backend on demand.
	replay := tlog.NewCombinedReader(chain, recovery.StageLocator(ctx, e.cfg.TLogDir, e.cfg.Backend), recovery.BackendExists(ctx, e.cfg.Backend))

	if _, err := replay.Replay(tlog.Handler{
		ProcessLocation: func(addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash) error {
			return e.cfg.MetadataStore.Put(ctx, addr, types.ClusterLocationAndHash{Location: loc, Hash: hash})
		},
	}); err != nil {
		e.setState(types.StateHalted)
		return fmt.Errorf("volumeengine: replay to restore point %q: %w", name, err)
	}

	newID := types.TLogID(uuid.NewString())
	w, err := tlog.Create(e.cfg.TLogDir, newID)
	if err != nil {
		e.setState(types.StateHalted)
		return fmt.Errorf("volumeengine: open tlog after restore: %w", err)
	}
	e.currentTLog = w
	e.currentTLogID = newID
	e.entriesInTLog = 0

	if err := e.cfg.MetadataStore.Uncork(ctx); err != nil {
		e.setState(types.StateHalted)
		return fmt.Errorf("volumeengine: uncork metadata store after restore: %w", err)
	}

	e.setState(types.StateRunning)
	e.logger.Info().Str("snapshot", target.Name).Msg("volume restored to snapshot")
	return nil
}

// CloneFrom drives Running → Cloning → Running for a volume created as a
// clone of parent at parentSnap. Clone isolation (spec.md §8's S4) relies on
// the caller having set Config.Parent to the parent's read path and
// VolumeConfig.ParentNamespace/ParentSnapshot/OwnerTag appropriately before
// New was called; this method only records the transition.
func (e *Engine) CloneFrom(parentNamespace, parentSnapshot string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != types.StateRunning {
		return types.NewError(types.ErrInvalidOperation, "cannot clone while volume is %s", e.state)
	}
	e.setState(types.StateCloning)
	e.logger.Info().Str("parent_namespace", parentNamespace).Str("parent_snapshot", parentSnapshot).Msg("cloning volume")
	e.setState(types.StateRunning)
	return nil
}
