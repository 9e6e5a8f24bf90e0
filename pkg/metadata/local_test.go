package metadata

import (
	"context"
	"testing"

	"github.com/cuemby/vdisk/pkg/types"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "vol1", 16)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalStore_PutGet(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()

	clh := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 3, Offset: 512}}
	if err := s.Put(ctx, types.ClusterAddress(7), clh); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := s.Get(ctx, types.ClusterAddress(7))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got != clh {
		t.Errorf("Get() = %+v, want %+v", got, clh)
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	s := newTestLocalStore(t)
	_, ok, err := s.Get(context.Background(), types.ClusterAddress(99))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true for unwritten address, want false")
	}
}

func TestLocalStore_SurvivesCacheEviction(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "vol2", 1)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	clh1 := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 1}}
	clh2 := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 2}}

	if err := s.Put(ctx, types.ClusterAddress(1), clh1); err != nil {
		t.Fatalf("Put(1) error = %v", err)
	}
	if err := s.Put(ctx, types.ClusterAddress(2), clh2); err != nil {
		t.Fatalf("Put(2) error = %v", err)
	}

	got, ok, err := s.Get(ctx, types.ClusterAddress(1))
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}
	if !ok || got != clh1 {
		t.Errorf("Get(1) = %+v, %v, want %+v, true", got, ok, clh1)
	}
}

func TestLocalStore_CorkBuffersUntilUncork(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()

	if err := s.Cork(); err != nil {
		t.Fatalf("Cork() error = %v", err)
	}
	if !s.Corked() {
		t.Fatal("Corked() = false after Cork()")
	}

	clh := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 5}}
	if err := s.Put(ctx, types.ClusterAddress(42), clh); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := s.Get(ctx, types.ClusterAddress(42))
	if err != nil || !ok || got != clh {
		t.Fatalf("Get() while corked = %+v, %v, %v, want visible to the same session", got, ok, err)
	}

	if err := s.Uncork(ctx); err != nil {
		t.Fatalf("Uncork() error = %v", err)
	}
	if s.Corked() {
		t.Error("Corked() = true after Uncork()")
	}

	s.cache.Purge()
	got, ok, err = s.Get(ctx, types.ClusterAddress(42))
	if err != nil {
		t.Fatalf("Get() after Uncork() error = %v", err)
	}
	if !ok || got != clh {
		t.Errorf("Get() after Uncork() and cache purge = %+v, %v, want %+v, true (flushed to bbolt)", got, ok, clh)
	}
}

func TestLocalStore_DoubleCorkFails(t *testing.T) {
	s := newTestLocalStore(t)
	if err := s.Cork(); err != nil {
		t.Fatalf("Cork() error = %v", err)
	}
	if err := s.Cork(); err == nil {
		t.Error("second Cork() error = nil, want error")
	}
}

func TestLocalStore_UncorkWithoutCorkFails(t *testing.T) {
	s := newTestLocalStore(t)
	if err := s.Uncork(context.Background()); err == nil {
		t.Error("Uncork() without Cork() error = nil, want error")
	}
}
