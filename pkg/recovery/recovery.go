// Package recovery implements spec.md §4.9's restart sequencing: the
// replay and sanity-check steps a volume's local runtime state needs
// after an unclean local restart, or to rebuild from nothing on a fresh
// or newly-owning node (backend restart).
//
// Neither path is invoked directly by pkg/volumeengine: pkg/volumehost
// calls into this package before constructing a volumeengine.Engine, and
// hands the engine the TLogID (and, for a local restart, whether its tail
// was truncated) this package determined.
package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/metadata"
	"github.com/cuemby/vdisk/pkg/snapshot"
	"github.com/cuemby/vdisk/pkg/tlog"
	"github.com/cuemby/vdisk/pkg/types"
)

// Plan is the outcome of a restart sequence: the TLogID the engine should
// resume appending to, and whether that TLog's tail was truncated to
// recover from a corrupt or incomplete last record.
type Plan struct {
	TLogID         types.TLogID
	Truncated      bool
	TruncateOffset int64
}

func applyLocation(ctx context.Context, mds metadata.Store) func(types.ClusterAddress, types.ClusterLocation, types.ContentHash) error {
	return func(addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash) error {
		return mds.Put(ctx, addr, types.ClusterLocationAndHash{Location: loc, Hash: hash})
	}
}

// LocalRestart replays dir's on-disk TLog chain into mds and determines
// the TLog the engine should resume writing to. Every TLog but the last
// (the volume's open one at the time of the crash) must be a sealed,
// CRC-valid log; a violation is fatal per the teacher's unclean-shutdown
// taxonomy (TLogWithoutFinalCRC, TLogWrongCRC). The open TLog's tail is
// truncated at the last verified SCO-CRC boundary if it fails to replay
// cleanly, and the engine resumes appending there.
func LocalRestart(ctx context.Context, dir string, snapMgr *snapshot.Manager, mds metadata.Store) (Plan, error) {
	chain := snapMgr.CurrentTLogs()
	if len(chain) == 0 {
		return Plan{}, fmt.Errorf("recovery: volume has no recorded tlogs to resume from")
	}

	put := applyLocation(ctx, mds)
	for i, id := range chain {
		isOpen := i == len(chain)-1

		r, err := tlog.Open(dir, id.FileName(), id)
		if err != nil {
			return Plan{}, fmt.Errorf("recovery: open tlog %s: %w", id, err)
		}
		replayErr := r.Replay(tlog.Handler{ProcessLocation: put})
		truncateAt := r.TruncateOffset()

		if !isOpen {
			sealErr := r.RequireSealed()
			closeErr := r.Close()
			if replayErr != nil {
				return Plan{}, fmt.Errorf("recovery: replay sealed tlog %s: %w", id, replayErr)
			}
			if sealErr != nil {
				return Plan{}, fmt.Errorf("recovery: %w", sealErr)
			}
			if closeErr != nil {
				return Plan{}, fmt.Errorf("recovery: close tlog %s: %w", id, closeErr)
			}
			continue
		}

		if closeErr := r.Close(); closeErr != nil && replayErr == nil {
			replayErr = closeErr
		}
		if replayErr == nil {
			return Plan{TLogID: id}, nil
		}

		if err := os.Truncate(filepath.Join(dir, id.FileName()), truncateAt); err != nil {
			return Plan{}, fmt.Errorf("recovery: truncate tlog %s at offset %d: %w", id, truncateAt, err)
		}
		return Plan{TLogID: id, Truncated: true, TruncateOffset: truncateAt}, nil
	}

	return Plan{}, fmt.Errorf("recovery: tlog chain %v exhausted without a result", chain)
}

// BackendRestart rebuilds a volume's metadata store from nothing: it loads
// the authoritative Snapshot Persistor document from the backend,
// downloads every TLog the volume's full chain references into stageDir,
// and replays them in order into mds.
//
// The full chain from the earliest still-referenced snapshot is replayed,
// not just the tail after the last durable snapshot: this system has no
// mechanism for uploading a standalone metadata-store checkpoint a later
// restart could resume from, so the address-to-location map can only be
// rebuilt completely by reapplying every location record since the
// volume's first snapshot (see DESIGN.md's Open Question decision for
// spec.md §4.9's backend-restart wording).
func BackendRestart(ctx context.Context, stageDir string, be backend.Backend, persistor *snapshot.Persistor, mds metadata.Store) (Plan, error) {
	if err := persistor.LoadBackend(ctx); err != nil {
		return Plan{}, fmt.Errorf("recovery: load snapshot document from backend: %w", err)
	}
	doc := persistor.Snapshot()

	var chain []types.TLogID
	for _, s := range doc.Snapshots {
		if s.Tombstoned {
			continue
		}
		chain = append(chain, s.TLogs...)
	}
	chain = append(chain, doc.CurrentTLogs...)
	if len(chain) == 0 {
		return Plan{}, fmt.Errorf("recovery: backend restart found no tlogs for this volume")
	}

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return Plan{}, fmt.Errorf("recovery: create staging dir %s: %w", stageDir, err)
	}

	put := applyLocation(ctx, mds)
	reader := tlog.NewCombinedReader(chain, StageLocator(ctx, stageDir, be), BackendExists(ctx, be))
	replayed, err := reader.Replay(tlog.Handler{ProcessLocation: put})
	if err != nil {
		return Plan{}, fmt.Errorf("recovery: replay backend tlog chain: %w", err)
	}
	if len(replayed) != len(chain) {
		return Plan{}, fmt.Errorf("recovery: backend tlog chain %v missing tail at %s", chain, chain[len(replayed)])
	}

	return Plan{TLogID: chain[len(chain)-1]}, nil
}

// BackendExists builds a tlog.Exists probe backed by be, for use with
// tlog.CombinedReader when a chain may extend past what exists in the
// backend (the common case for the tail lost in a crash).
func BackendExists(ctx context.Context, be backend.Backend) tlog.Exists {
	return func(id types.TLogID) bool {
		ok, err := be.Exists(ctx, id.FileName())
		return err == nil && ok
	}
}

// StageLocator builds a tlog.Locator that serves a TLog from stageDir if
// already staged there, downloading it from be on first use otherwise.
// Shared by BackendRestart and by any other replay (for example restoring
// to a named snapshot) that may need a TLog no longer present locally.
func StageLocator(ctx context.Context, stageDir string, be backend.Backend) tlog.Locator {
	return func(id types.TLogID) (string, string, error) {
		path := filepath.Join(stageDir, id.FileName())
		if _, err := os.Stat(path); err == nil {
			return stageDir, id.FileName(), nil
		}
		if err := downloadTLog(ctx, be, stageDir, id); err != nil {
			return "", "", err
		}
		return stageDir, id.FileName(), nil
	}
}

func downloadTLog(ctx context.Context, be backend.Backend, stageDir string, id types.TLogID) error {
	r, err := be.Get(ctx, id.FileName())
	if err != nil {
		return fmt.Errorf("recovery: download tlog %s: %w", id, err)
	}
	defer r.Close()

	path := filepath.Join(stageDir, id.FileName())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recovery: stage tlog %s: %w", id, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("recovery: write staged tlog %s: %w", id, err)
	}
	return nil
}

// SanityCheck enforces spec.md §4.9's restart invariant: every TLog
// referenced at or before the volume's last snapshot marked in_backend
// must actually exist — locally for a local restart, in the backend for
// a backend restart. A missing TLog after that point is tolerated: it is
// the tail a crash can legitimately lose.
func SanityCheck(doc snapshot.Document, exists func(types.TLogID) bool) error {
	var chain []types.TLogID
	lastInBackend := -1
	for _, s := range doc.Snapshots {
		if s.Tombstoned {
			continue
		}
		chain = append(chain, s.TLogs...)
		if s.InBackend {
			lastInBackend = len(chain)
		}
	}

	for i := 0; i < lastInBackend; i++ {
		if !exists(chain[i]) {
			return fmt.Errorf("recovery: tlog %s is missing but required by a durable snapshot", chain[i])
		}
	}
	return nil
}
