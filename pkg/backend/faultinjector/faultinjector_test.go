package faultinjector

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/cuemby/vdisk/pkg/backend/localbackend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	inner, err := localbackend.New(t.TempDir(), "ns1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	return New(inner)
}

func TestBackend_NoFaultsPassThrough(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, "k", bytes.NewReader([]byte("v")), false); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ok, err := b.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
	}
}

func TestBackend_InjectedErrorForMatchingKey(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	injected := errors.New("simulated backend outage")

	b.Inject(&Fault{
		Op:         OpPut,
		KeyPattern: regexp.MustCompile(`^tlog_`),
		Err:        injected,
		Remaining:  1,
	})

	err := b.Put(ctx, "tlog_0001", bytes.NewReader([]byte("v")), false)
	if err == nil || !errors.Is(err, injected) {
		t.Fatalf("Put() error = %v, want wrapping %v", err, injected)
	}

	// Fault was consumed; the next Put to the same key succeeds.
	if err := b.Put(ctx, "tlog_0001", bytes.NewReader([]byte("v")), false); err != nil {
		t.Fatalf("Put() after fault exhausted: error = %v", err)
	}
}

func TestBackend_FaultDoesNotMatchOtherKeys(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	b.Inject(&Fault{
		Op:         OpPut,
		KeyPattern: regexp.MustCompile(`^tlog_`),
		Err:        errors.New("simulated outage"),
	})

	if err := b.Put(ctx, "sco_0001", bytes.NewReader([]byte("v")), false); err != nil {
		t.Fatalf("Put() to non-matching key error = %v", err)
	}
}

func TestBackend_Clear(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	b.Inject(&Fault{Op: OpPut, Err: errors.New("down")})
	b.Clear()

	if err := b.Put(ctx, "k", bytes.NewReader([]byte("v")), false); err != nil {
		t.Fatalf("Put() after Clear() error = %v", err)
	}
}
