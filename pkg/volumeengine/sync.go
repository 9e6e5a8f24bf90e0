package volumeengine

import (
	"context"
	"fmt"

	"github.com/cuemby/vdisk/pkg/types"
)

// Sync forces the current TLog to seal and upload without taking a named
// snapshot, backing the management surface's schedule_backend_sync verb.
// It returns the id of the TLog that was just sealed.
func (e *Engine) Sync(ctx context.Context) (types.TLogID, error) {
	if e.Halted() {
		return "", types.NewError(types.ErrInvalidOperation, "volume %s is halted", e.cfg.VolumeConfig.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sealed := e.currentTLogID
	if err := e.rolloverTLogLocked(ctx); err != nil {
		return "", fmt.Errorf("volumeengine: schedule backend sync: %w", err)
	}
	return sealed, nil
}

// IsDurable reports whether tlogID has finished uploading to the backend.
func (e *Engine) IsDurable(tlogID types.TLogID) bool {
	if e.cfg.SnapshotMgr == nil {
		return false
	}
	return e.cfg.SnapshotMgr.Durable(tlogID)
}
