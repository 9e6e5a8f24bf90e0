package volumeengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/clustercache"
	"github.com/cuemby/vdisk/pkg/dtl"
	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/heatmap"
	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metadata"
	"github.com/cuemby/vdisk/pkg/scocache"
	"github.com/cuemby/vdisk/pkg/snapshot"
	"github.com/cuemby/vdisk/pkg/tlog"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

// ParentReader is satisfied by a parent volume's Engine (or any other
// read-only source) so a clone's read path can fall through to it for
// addresses the clone has never written.
type ParentReader interface {
	Read(ctx context.Context, addr types.ClusterAddress, n int) ([]byte, error)
}

// StateReporter is the narrow slice of pkg/coordinator the engine needs to
// publish its VolumeState, kept as an interface so this package doesn't
// depend on raft.
type StateReporter interface {
	SetVolumeState(objectID string, state types.VolumeState) error
}

// Config parameterises one Engine instance.
type Config struct {
	VolumeConfig types.VolumeConfiguration
	Backend      backend.Backend
	SCOCache     *scocache.Cache
	ClusterCache *clustercache.Cache
	CacheHandle  types.CacheHandle
	MetadataStore metadata.Store
	SnapshotMgr  *snapshot.Manager
	Heatmap      *heatmap.Map
	Pool         *UploadPool
	Broker       *events.Broker
	StateReporter StateReporter
	TLogDir      string
	Parent       ParentReader

	// DTLClient is nil when the volume has no DTL configured
	// (DtlPolicyDisabled or DtlPolicyManual without a peer attached yet).
	DTLClient *dtl.Client
}

// Engine is the write/read pipeline for one volume.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex // the write serialiser: SCO write + TLog append + metadata update
	state       types.VolumeState
	halted      atomic.Bool
	haltReason  string
	dtlState    types.DtlState

	currentSCO       *scoBuffer
	currentSCONumber types.SCONumber
	currentTLog      *tlog.Writer
	currentTLogID    types.TLogID
	entriesInTLog    uint64

	seq uint64 // DTL sequence number, monotonically increasing per volume
}

// New builds an Engine over an already-open current TLog. Callers that are
// creating a brand-new volume should pass a fresh TLogID and SCONumber;
// callers resuming after local or backend restart pass the values recovery
// determined (see pkg/recovery).
func New(cfg Config, tlogID types.TLogID, scoNumber types.SCONumber) (*Engine, error) {
	if cfg.VolumeConfig.ClusterCacheMode != "" && cfg.VolumeConfig.ClusterCacheBehaviour == "" {
		cfg.VolumeConfig.ClusterCacheBehaviour = types.CacheBehaviourCacheOnWrite
	}

	w, err := tlog.Create(cfg.TLogDir, tlogID)
	if err != nil {
		return nil, fmt.Errorf("volumeengine: open current tlog: %w", err)
	}

	scoBuf := newSCOBuffer(cfg.VolumeConfig.SCOSize())
	scoBuf.configure(cfg.VolumeConfig.ClusterSize(), cfg.VolumeConfig.SCOMultiplier)

	// SCO number 0 is never handed out: its first cluster would sit at the
	// zero ClusterLocation, which the read path treats as never written.
	if scoNumber == 0 {
		scoNumber = 1
	}

	e := &Engine{
		cfg:              cfg,
		logger:           log.WithVolumeID(cfg.VolumeConfig.ID),
		state:            types.StateRunning,
		dtlState:         types.DtlStandalone,
		currentSCO:       scoBuf,
		currentSCONumber: scoNumber,
		currentTLog:      w,
		currentTLogID:    tlogID,
	}
	if cfg.DTLClient != nil {
		e.dtlState = types.DtlOk
	}
	return e, nil
}

// VolumeConfig returns a copy of the engine's current configuration, for
// callers that need to hand it to a newly dialed DTL peer or similar.
func (e *Engine) VolumeConfig() types.VolumeConfiguration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.VolumeConfig
}

// OwnerTag returns the OwnerTag this volume was configured with.
func (e *Engine) OwnerTag() types.OwnerTag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.VolumeConfig.OwnerTag
}

// State returns the engine's current VolumeState.
func (e *Engine) State() types.VolumeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Halted reports whether the volume has halted and rejects all further I/O.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// halt transitions the engine to Halted, rejecting all further I/O. Only
// destroy or local restart can recover from this state.
func (e *Engine) halt(reason string) {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}
	e.haltReason = reason
	e.setState(types.StateHalted)
	e.logger.Error().Str("reason", reason).Msg("volume halted")
	if e.cfg.Broker != nil {
		e.cfg.Broker.Publish(&events.Event{
			Type:       events.EventVolumeHalted,
			VolumeID:   e.cfg.VolumeConfig.ID,
			HaltReason: reason,
		})
	}
}

func (e *Engine) setState(s types.VolumeState) {
	e.state = s
	if e.cfg.StateReporter != nil {
		if err := e.cfg.StateReporter.SetVolumeState(e.cfg.VolumeConfig.ID, s); err != nil {
			e.logger.Warn().Err(err).Msg("failed to report volume state to coordinator")
		}
	}
}

func contentHash(data []byte) types.ContentHash {
	return sha256.Sum256(data)
}

// Quiesce implements pkg/router.Quiescer: it stops the write path (by
// holding the write serialiser mutex for the duration), waits for every
// upload queued on the shared UploadPool, and fsyncs the current TLog
// before returning, a precondition for handing ownership to another node.
// The Snapshot Persistor needs no step here: snapshot.Manager writes it
// through on every change.
func (e *Engine) Quiesce(ctx context.Context, objectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.cfg.Pool.Drain(ctx); err != nil {
		return fmt.Errorf("volumeengine: quiesce %s: drain uploads: %w", objectID, err)
	}
	if e.currentTLog != nil {
		if err := e.currentTLog.Sync(); err != nil {
			return fmt.Errorf("volumeengine: quiesce %s: sync tlog: %w", objectID, err)
		}
	}
	return nil
}

// TeardownLocal implements pkg/router.Quiescer: it releases the node's
// in-memory state for objectID once ownership has moved elsewhere. The
// underlying SCO cache entries are left in place: they are keyed by clone
// generation and SCO number and remain valid for any future owner that
// refetches them.
func (e *Engine) TeardownLocal(objectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentTLog != nil {
		if err := e.currentTLog.Close(); err != nil {
			return fmt.Errorf("volumeengine: teardown %s: close tlog: %w", objectID, err)
		}
		e.currentTLog = nil
	}
	if e.cfg.DTLClient != nil {
		return e.cfg.DTLClient.Close()
	}
	return nil
}

// recordAccess records a read-activity hit for the heatmap. The read path
// calls it for every cluster it resolves through the MetaData Store.
func (e *Engine) recordAccess(sco types.SCONumber) {
	if e.cfg.Heatmap != nil {
		e.cfg.Heatmap.RecordAccess(sco)
	}
}
