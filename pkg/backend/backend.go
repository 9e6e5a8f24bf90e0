// Package backend defines the object-store abstraction that SCOs, TLogs,
// and snapshot metadata are persisted to, and the implementations vdisk
// ships: a local filesystem backend and an S3 backend.
package backend

import (
	"context"
	"io"

	"github.com/cuemby/vdisk/pkg/types"
)

// ErrConditionFailed is returned by Put when a conditional (if-not-exists)
// write loses a race against a concurrent writer.
var ErrConditionFailed = types.NewError(types.ErrFileExists, "conditional put failed")

// ObjectInfo describes a stored object without fetching its contents.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Backend is the object-store abstraction every volume's namespace is
// persisted through. Implementations must be safe for concurrent use.
type Backend interface {
	// Put writes data under key, failing with ErrConditionFailed if
	// ifNotExists is set and the object already exists. TLog and SCO
	// uploads use ifNotExists to guarantee backend objects are
	// write-once: a fenced-out owner's stale Put must never clobber the
	// new owner's object.
	Put(ctx context.Context, key string, data io.Reader, ifNotExists bool) error

	// Get opens an object for reading. The caller must close the
	// returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Remove deletes an object. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// List returns every object whose key has the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Namespace returns the namespace (bucket/directory root) this
	// backend instance is scoped to.
	Namespace() string
}

// Factory constructs a Backend scoped to namespace.
type Factory func(namespace string) (Backend, error)
