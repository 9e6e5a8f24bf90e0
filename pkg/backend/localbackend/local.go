// Package localbackend implements backend.Backend over a local directory
// tree, one subdirectory per namespace. Modeled on the teacher's
// pkg/volume.LocalDriver: a base path, MkdirAll on creation, and a flat
// filesystem layout keyed by object name.
package localbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/vdisk/pkg/backend"
)

// DefaultRootPath is the base directory under which every namespace gets
// its own subdirectory.
const DefaultRootPath = "/var/lib/vdisk/backend"

// Backend is a filesystem-backed object store scoped to one namespace.
type Backend struct {
	root      string
	namespace string
}

// New creates, or opens, the local backend directory for namespace under
// rootPath (DefaultRootPath if empty).
func New(rootPath, namespace string) (*Backend, error) {
	if rootPath == "" {
		rootPath = DefaultRootPath
	}

	dir := filepath.Join(rootPath, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace directory: %w", err)
	}

	return &Backend{root: dir, namespace: namespace}, nil
}

// NewFactory returns a backend.Factory bound to rootPath.
func NewFactory(rootPath string) backend.Factory {
	return func(namespace string) (backend.Backend, error) {
		return New(rootPath, namespace)
	}
}

func (b *Backend) Namespace() string { return b.namespace }

func (b *Backend) path(key string) string {
	return filepath.Join(b.root, key)
}

func (b *Backend) Put(_ context.Context, key string, data io.Reader, ifNotExists bool) error {
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if ifNotExists {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	f, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		if ifNotExists && os.IsExist(err) {
			return backend.ErrConditionFailed
		}
		return fmt.Errorf("open object for write: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		os.Remove(dst)
		return fmt.Errorf("write object: %w", err)
	}

	return f.Sync()
}

func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) Remove(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]backend.ObjectInfo, error) {
	var out []backend.ObjectInfo

	err := filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, backend.ObjectInfo{Key: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	return out, nil
}
