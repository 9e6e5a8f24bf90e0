// Package faultinjector wraps a backend.Backend with per-operation,
// per-key fault injection: delays and forced errors. It is modeled on the
// original source's fawltyfs, a FUSE filesystem used in the volume driver's
// own test suite (FawltyTests.cpp) to simulate a flaky backend — slow
// reads, failed writes, a vanished namespace — without needing a real
// unreliable store.
package faultinjector

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/cuemby/vdisk/pkg/backend"
)

// Op names the backend operation a Fault applies to.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpExists Op = "exists"
	OpRemove Op = "remove"
	OpList   Op = "list"
)

// Fault describes an injected failure mode for keys matching KeyPattern on
// operation Op.
type Fault struct {
	Op         Op
	KeyPattern *regexp.Regexp
	Err        error         // non-nil: operation fails with this error
	Delay      time.Duration // injected latency before (or instead of) Err
	// Remaining limits how many more times this fault fires; zero means
	// unlimited. Decremented under the injector's lock on every match.
	Remaining int
}

func (f *Fault) matches(op Op, key string) bool {
	if f.Op != op {
		return false
	}
	if f.KeyPattern != nil && !f.KeyPattern.MatchString(key) {
		return false
	}
	return true
}

// Backend decorates a backend.Backend with injectable faults.
type Backend struct {
	inner  backend.Backend
	mu     sync.Mutex
	faults []*Fault
}

// New wraps inner with fault injection. With no faults installed it behaves
// exactly like inner.
func New(inner backend.Backend) *Backend {
	return &Backend{inner: inner}
}

// Inject installs f. Faults are consumed in installation order; a Fault
// with Remaining > 0 stops matching once exhausted.
func (b *Backend) Inject(f *Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, f)
}

// Clear removes every installed fault.
func (b *Backend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = nil
}

func (b *Backend) trigger(ctx context.Context, op Op, key string) error {
	b.mu.Lock()
	var hit *Fault
	for i, f := range b.faults {
		if f.matches(op, key) {
			hit = f
			if f.Remaining > 0 {
				f.Remaining--
				if f.Remaining == 0 {
					b.faults = append(b.faults[:i:i], b.faults[i+1:]...)
				}
			}
			break
		}
	}
	b.mu.Unlock()

	if hit == nil {
		return nil
	}

	if hit.Delay > 0 {
		select {
		case <-time.After(hit.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if hit.Err != nil {
		return fmt.Errorf("faultinjector: %s %s: %w", op, key, hit.Err)
	}
	return nil
}

func (b *Backend) Namespace() string { return b.inner.Namespace() }

func (b *Backend) Put(ctx context.Context, key string, data io.Reader, ifNotExists bool) error {
	if err := b.trigger(ctx, OpPut, key); err != nil {
		return err
	}
	return b.inner.Put(ctx, key, data, ifNotExists)
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := b.trigger(ctx, OpGet, key); err != nil {
		return nil, err
	}
	return b.inner.Get(ctx, key)
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	if err := b.trigger(ctx, OpExists, key); err != nil {
		return false, err
	}
	return b.inner.Exists(ctx, key)
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.trigger(ctx, OpRemove, key); err != nil {
		return err
	}
	return b.inner.Remove(ctx, key)
}

func (b *Backend) List(ctx context.Context, prefix string) ([]backend.ObjectInfo, error) {
	if err := b.trigger(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	return b.inner.List(ctx, prefix)
}
