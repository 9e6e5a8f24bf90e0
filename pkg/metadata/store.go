// Package metadata implements the MetaData Store: the durable mapping
// from a volume's ClusterAddress space to ClusterLocationAndHash entries
// in its SCOs. It is grounded on the teacher's pkg/storage bbolt store —
// one bucket per logical collection, JSON-encoded values — generalised
// from cluster entities (nodes/services/containers) to a single
// high-volume collection (cluster addresses) fronted by an LRU cache of
// hot addresses, plus the cork/uncork write-barrier discipline the volume engine uses to
// apply a batch of TLog-replayed entries atomically.
//
// Three variants are supported, matching the original source's
// MDSMetaDataStore hierarchy (LocalMetaDataBackend / RemoteMetaDataBackend
// / a replicated pairing of the two), each satisfying the same Store
// interface:
//
//   - Local: bbolt-backed, used by the volume's current owner.
//   - Remote: forwards every call to a peer's Local store over the wire.
//   - Replicated: writes synchronously to a Local and a Remote store,
//     reading from Local and falling back to Remote on a miss (used while
//     a newly migrated owner is still warming its own bbolt file).
package metadata

import (
	"context"

	"github.com/cuemby/vdisk/pkg/types"
)

// Store is the MetaData Store interface every variant implements.
type Store interface {
	// Get looks up the location of a cluster. The zero value and ok=false
	// mean the cluster has never been written.
	Get(ctx context.Context, addr types.ClusterAddress) (types.ClusterLocationAndHash, bool, error)

	// Put records (or overwrites) the location of a cluster.
	Put(ctx context.Context, addr types.ClusterAddress, clh types.ClusterLocationAndHash) error

	// Cork suspends persistence of subsequent Put calls: they are
	// buffered in memory and only written to persistent storage once
	// Uncork is called. Get still returns corked entries. This lets the
	// volume engine persist an entire TLog replay batch as one step
	// instead of a partially-replayed address space.
	Cork() error

	// Uncork flushes every buffered Put since the matching Cork and
	// resumes normal synchronous persistence.
	Uncork(ctx context.Context) error

	// Corked reports whether the store is currently corked.
	Corked() bool

	// Close releases underlying resources.
	Close() error
}
