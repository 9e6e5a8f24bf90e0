package volumeengine

import (
	"github.com/cuemby/vdisk/pkg/dtl"
	"github.com/cuemby/vdisk/pkg/types"
)

// SetSCOMultiplier changes clusters-per-SCO for subsequent SCOs. The SCO
// currently open keeps its original geometry; only the next rollover picks
// up the new value. Callers are expected to have already bounds-checked n
// against the cluster's configured min/max (spec.md §6).
func (e *Engine) SetSCOMultiplier(n uint32) error {
	if n == 0 {
		return types.NewError(types.ErrInvalidOperation, "sco multiplier must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.VolumeConfig.SCOMultiplier = n
	return nil
}

// SetTLogMultiplier changes SCOs-per-TLog for subsequent TLogs.
func (e *Engine) SetTLogMultiplier(n uint32) error {
	if n == 0 {
		return types.NewError(types.ErrInvalidOperation, "tlog multiplier must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.VolumeConfig.TLogMultiplier = n
	return nil
}

// SetClusterCacheMode changes the Cluster Cache's keying scheme for
// subsequent writes and reads.
func (e *Engine) SetClusterCacheMode(mode types.ClusterCacheMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.VolumeConfig.ClusterCacheMode = mode
}

// SetClusterCacheBehaviour changes when the Cluster Cache is populated:
// never, on read, or on write.
func (e *Engine) SetClusterCacheBehaviour(behaviour types.ClusterCacheBehaviour) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.VolumeConfig.ClusterCacheBehaviour = behaviour
}

// SetClusterCacheLimit changes the maximum number of entries this volume
// may hold in the shared Cluster Cache.
func (e *Engine) SetClusterCacheLimit(limit int) error {
	if limit < 0 {
		return types.NewError(types.ErrInvalidOperation, "cluster cache limit must be non-negative")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.VolumeConfig.ClusterCacheLimit = limit
	return nil
}

// SetDTLClient swaps this volume's DTL peer, or detaches it entirely when
// client is nil (DtlPolicyDisabled). Existing in-flight writes finish
// against whichever client they started with.
func (e *Engine) SetDTLClient(client *dtl.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.DTLClient = client
	if client != nil {
		e.dtlState = types.DtlOk
	} else {
		e.dtlState = types.DtlStandalone
	}
}

// DtlState reports the volume's current relationship with its DTL.
func (e *Engine) DtlState() types.DtlState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dtlState
}
