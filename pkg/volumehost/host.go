// Package volumehost owns the set of volumes a node is currently running
// locally: it turns the management surface's lifecycle verbs (spec.md §6)
// into concrete SCO Cache / Cluster Cache / MetaData Store / Snapshot
// Manager / Volume Engine instances, and keeps the Coordinator's object
// registry in sync as volumes come and go.
//
// It plays the role the teacher's pkg/manager plays for services and
// tasks: one per-node object that owns the local runtime state for
// whatever the coordinator says this node is responsible for, reached
// through pkg/api rather than directly by a front-end.
package volumehost

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/clustercache"
	"github.com/cuemby/vdisk/pkg/coordinator"
	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metadata"
	"github.com/cuemby/vdisk/pkg/recovery"
	"github.com/cuemby/vdisk/pkg/router"
	"github.com/cuemby/vdisk/pkg/scocache"
	"github.com/cuemby/vdisk/pkg/snapshot"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/cuemby/vdisk/pkg/volumeengine"
	"github.com/rs/zerolog"
)

// Config parameterises a Host.
type Config struct {
	NodeID                string
	Coordinator           *coordinator.Coordinator
	Router                *router.Router
	BackendFactory        backend.Factory
	DataDir               string
	SCOCacheCapacityBytes uint64
	ClusterCacheEntries   int
	Pool                  *volumeengine.UploadPool
	Broker                *events.Broker
	DTLTLSConfig          *tls.Config
}

type localVolume struct {
	engine    *volumeengine.Engine
	snapshots *snapshot.Manager
	metadata  metadata.Store
	backend   backend.Backend
}

// Host runs every volume this node currently owns.
type Host struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	volumes map[string]*localVolume
}

// New builds a Host. The caller's Coordinator and Router must already be
// up (bootstrapped or joined) before any lifecycle method is called.
func New(cfg Config) *Host {
	return &Host{
		cfg:     cfg,
		logger:  log.WithComponent("volumehost"),
		volumes: make(map[string]*localVolume),
	}
}

func (h *Host) volumeDir(id string) string {
	return filepath.Join(h.cfg.DataDir, id)
}

// Engine returns the running Engine for id, if this node currently hosts
// it locally.
func (h *Host) Engine(id string) (*volumeengine.Engine, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lv, ok := h.volumes[id]
	if !ok {
		return nil, false
	}
	return lv.engine, true
}

// open constructs the full local stack for a volume (already registered
// with the coordinator) and registers it in h.volumes. An empty tlogID
// means "resume": open runs pkg/recovery's local restart sequence over
// the volume's on-disk TLog chain to determine which TLog to resume
// appending to, truncating a corrupt or incomplete tail if needed, rather
// than starting a brand-new one.
func (h *Host) open(ctx context.Context, vc types.VolumeConfiguration, tlogID types.TLogID, scoNumber types.SCONumber, parent volumeengine.ParentReader) (*volumeengine.Engine, error) {
	dir := h.volumeDir(vc.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("volumehost: create volume dir: %w", err)
	}

	be, err := h.cfg.BackendFactory(vc.BackendNamespace)
	if err != nil {
		return nil, fmt.Errorf("volumehost: open backend for %s: %w", vc.ID, err)
	}

	sco, err := scocache.New(scocache.Config{
		MountPoints:   []string{filepath.Join(dir, "sco")},
		CapacityBytes: h.cfg.SCOCacheCapacityBytes,
	}, be)
	if err != nil {
		return nil, fmt.Errorf("volumehost: open sco cache for %s: %w", vc.ID, err)
	}
	sco.Start()

	cc, err := clustercache.New(h.cfg.ClusterCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("volumehost: open cluster cache for %s: %w", vc.ID, err)
	}

	mds, err := metadata.NewLocalStore(dir, vc.ID, vc.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("volumehost: open metadata store for %s: %w", vc.ID, err)
	}

	persistor := snapshot.NewPersistor(dir, be)
	if err := persistor.LoadLocal(); err != nil {
		return nil, fmt.Errorf("volumehost: load snapshot document for %s: %w", vc.ID, err)
	}
	snapMgr := snapshot.NewManager(vc.ID, persistor, h.cfg.Broker)

	if tlogID == "" {
		plan, err := recovery.LocalRestart(ctx, dir, snapMgr, mds)
		if err != nil {
			return nil, fmt.Errorf("volumehost: local restart for %s: %w", vc.ID, err)
		}
		if plan.Truncated {
			h.logger.Warn().Str("volume", vc.ID).Str("tlog", string(plan.TLogID)).
				Int64("offset", plan.TruncateOffset).
				Msg("truncated open tlog tail on restart")
		}
		tlogID = plan.TLogID
	} else {
		// The current TLog only ends up in the persisted chain once it
		// rolls over (volumeengine's rollover path records the *new* id
		// it creates). Record tlogID here too so a freshly created
		// volume's very first TLog is never missing from the chain
		// pkg/recovery walks. Idempotent: a tlogID already present is
		// left alone.
		alreadyTracked := false
		for _, id := range snapMgr.CurrentTLogs() {
			if id == tlogID {
				alreadyTracked = true
				break
			}
		}
		if !alreadyTracked {
			if err := snapMgr.AppendTLog(ctx, tlogID); err != nil {
				return nil, fmt.Errorf("volumehost: record current tlog for %s: %w", vc.ID, err)
			}
		}
	}

	engine, err := volumeengine.New(volumeengine.Config{
		VolumeConfig:  vc,
		Backend:       be,
		SCOCache:      sco,
		ClusterCache:  cc,
		CacheHandle:   types.SharedCacheHandle,
		MetadataStore: mds,
		SnapshotMgr:   snapMgr,
		Pool:          h.cfg.Pool,
		Broker:        h.cfg.Broker,
		StateReporter: h.cfg.Coordinator,
		TLogDir:       dir,
		Parent:        parent,
	}, tlogID, scoNumber)
	if err != nil {
		return nil, fmt.Errorf("volumehost: start engine for %s: %w", vc.ID, err)
	}

	h.mu.Lock()
	h.volumes[vc.ID] = &localVolume{engine: engine, snapshots: snapMgr, metadata: mds, backend: be}
	h.mu.Unlock()

	if h.cfg.Broker != nil {
		h.cfg.Broker.Publish(&events.Event{Type: events.EventVolumeUpAndRunning, VolumeID: vc.ID})
	}
	return engine, nil
}
