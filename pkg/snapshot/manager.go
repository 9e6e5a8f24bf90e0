package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

// Manager owns the chain of TLogs for one volume, the Snapshot Persistor
// document that records them, and the boundary bookkeeping snapshot
// creation and restore need. It does not perform TLog I/O itself — the
// volume engine calls AppendTLog/MarkDurable as TLogs are opened, sealed,
// and uploaded, and Create/Restore as the management surface requests them.
type Manager struct {
	volumeID  string
	persistor *Persistor
	broker    *events.Broker
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewManager builds a Manager for one volume namespace.
func NewManager(volumeID string, persistor *Persistor, broker *events.Broker) *Manager {
	return &Manager{
		volumeID:  volumeID,
		persistor: persistor,
		broker:    broker,
		logger:    log.WithVolumeID(volumeID),
	}
}

// AppendTLog records a newly opened TLog as part of the current
// (unsnapshotted) chain.
func (m *Manager) AppendTLog(ctx context.Context, id types.TLogID) error {
	return m.persistor.Update(ctx, func(d *Document) {
		d.CurrentTLogs = append(d.CurrentTLogs, id)
	})
}

// Create finalises every TLog appended since the last snapshot (or since
// the volume's creation) into a new, named Snapshot. The caller must have
// already sealed the current TLog and rolled a fresh one before calling
// this, so that the snapshot boundary is exact: writes acknowledged before
// Create returns are inside it, writes issued after are not.
//
// It fails with ErrPreviousSnapshotNotOnBackend if the most recent
// non-tombstoned snapshot has not yet reached InBackend: chaining two
// snapshot boundaries before the first is durable would leave a restore
// of the second with no way to stage the first's TLogs from the backend.
func (m *Manager) Create(ctx context.Context, name string, metadata map[string]string) (types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.persistor.Snapshot().Snapshots
	var previous *types.Snapshot
	for i := range existing {
		s := existing[i]
		if s.Name == name && !s.Tombstoned {
			return types.Snapshot{}, types.NewError(types.ErrSnapshotNameAlreadyExists, "snapshot %q already exists", name)
		}
		if !s.Tombstoned {
			previous = &existing[i]
		}
	}
	if previous != nil && !previous.InBackend {
		return types.Snapshot{}, types.NewError(types.ErrPreviousSnapshotNotOnBackend, "snapshot %q is not yet durable in the backend", previous.Name)
	}

	snap := types.Snapshot{
		UUID:      uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}

	var err error
	updateErr := m.persistor.Update(ctx, func(d *Document) {
		snap.TLogs = append(snap.TLogs, d.CurrentTLogs...)
		d.CurrentTLogs = nil
		d.Snapshots = append(d.Snapshots, snap)
	})
	if updateErr != nil {
		err = fmt.Errorf("snapshot: create %q: %w", name, updateErr)
		return types.Snapshot{}, err
	}

	m.logger.Info().Str("snapshot", name).Str("uuid", snap.UUID).Int("tlogs", len(snap.TLogs)).Msg("snapshot created, pending backend sync")
	return snap, nil
}

// List returns every non-tombstoned snapshot, oldest first.
func (m *Manager) List() []types.Snapshot {
	doc := m.persistor.Snapshot()
	out := make([]types.Snapshot, 0, len(doc.Snapshots))
	for _, s := range doc.Snapshots {
		if !s.Tombstoned {
			out = append(out, s)
		}
	}
	return out
}

// Get looks up one snapshot by name.
func (m *Manager) Get(name string) (types.Snapshot, bool) {
	for _, s := range m.persistor.Snapshot().Snapshots {
		if s.Name == name && !s.Tombstoned {
			return s, true
		}
	}
	return types.Snapshot{}, false
}

// Delete tombstones a snapshot, making it eligible for scrubbing. It does
// not remove any TLogs or SCOs itself.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	err := m.persistor.Update(ctx, func(d *Document) {
		for i := range d.Snapshots {
			if d.Snapshots[i].Name == name && !d.Snapshots[i].Tombstoned {
				d.Snapshots[i].Tombstoned = true
				found = true
				return
			}
		}
	})
	if err != nil {
		return fmt.Errorf("snapshot: delete %q: %w", name, err)
	}
	if !found {
		return types.NewError(types.ErrSnapshotNotFound, "snapshot %q not found", name)
	}
	return nil
}

// MarkDurable is called once a TLog is confirmed durably uploaded. The
// durable set is accumulated per snapshot across calls, since a snapshot
// usually spans several TLogs each uploaded independently; a pending
// snapshot transitions to InBackend and emits EventSnapshotOnBackend only
// once every one of its TLogs has been marked.
func (m *Manager) MarkDurable(ctx context.Context, tlogID types.TLogID, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newlyDurable []types.Snapshot

	err := m.persistor.Update(ctx, func(d *Document) {
		for i := range d.Snapshots {
			s := &d.Snapshots[i]
			if s.InBackend || s.Tombstoned {
				continue
			}

			references := false
			for _, id := range s.TLogs {
				if id == tlogID {
					references = true
					break
				}
			}
			if !references {
				continue
			}

			alreadyMarked := false
			for _, id := range s.DurableTLogs {
				if id == tlogID {
					alreadyMarked = true
					break
				}
			}
			if !alreadyMarked {
				s.DurableTLogs = append(s.DurableTLogs, tlogID)
				s.BackendSize += size
			}

			if len(s.DurableTLogs) == len(s.TLogs) {
				s.InBackend = true
				newlyDurable = append(newlyDurable, *s)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("snapshot: mark durable %s: %w", tlogID, err)
	}

	for _, s := range newlyDurable {
		m.logger.Info().Str("snapshot", s.Name).Msg("snapshot reached backend")
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:         events.EventSnapshotOnBackend,
				Timestamp:    time.Now(),
				VolumeID:     m.volumeID,
				SnapshotUUID: s.UUID,
				Message:      fmt.Sprintf("snapshot %q is now durable in the backend", s.Name),
			})
		}
	}
	return nil
}

// RestorePoint resolves name to its Snapshot and the ordered TLog chain a
// restore must replay to reach it — its own TLogs plus every earlier
// snapshot's, oldest first. The snapshot must already be in the backend.
func (m *Manager) RestorePoint(name string) (types.Snapshot, []types.TLogID, error) {
	doc := m.persistor.Snapshot()

	var target types.Snapshot
	var chain []types.TLogID
	found := false
	for _, s := range doc.Snapshots {
		if s.Tombstoned {
			continue
		}
		chain = append(chain, s.TLogs...)
		if s.Name == name {
			target = s
			found = true
			break
		}
	}
	if !found {
		return types.Snapshot{}, nil, types.NewError(types.ErrSnapshotNotFound, "snapshot %q not found", name)
	}
	if !target.InBackend {
		return types.Snapshot{}, nil, types.NewError(types.ErrPreviousSnapshotNotOnBackend, "snapshot %q is not yet durable in the backend", name)
	}
	return target, chain, nil
}

// CurrentTLogs returns the unsnapshotted TLog chain.
func (m *Manager) CurrentTLogs() []types.TLogID {
	return m.persistor.Snapshot().CurrentTLogs
}

// Durable reports whether id has reached the backend: either it is no
// longer in the unsnapshotted chain (it was folded into a snapshot that
// later went InBackend) or it belongs to a snapshot already InBackend.
func (m *Manager) Durable(id types.TLogID) bool {
	doc := m.persistor.Snapshot()
	for _, cur := range doc.CurrentTLogs {
		if cur == id {
			return false
		}
	}
	for _, s := range doc.Snapshots {
		for _, t := range s.TLogs {
			if t == id {
				return s.InBackend
			}
		}
	}
	// Not in the current chain and not referenced by any snapshot: either
	// it predates every snapshot still tracked, or it was never appended
	// (caller error). Treat as durable since it cannot still be pending.
	return true
}
