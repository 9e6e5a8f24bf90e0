package scocache

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/cuemby/vdisk/pkg/backend/localbackend"
)

func newTestCache(t *testing.T, capacity uint64) (*Cache, *localbackend.Backend) {
	t.Helper()
	be, err := localbackend.New(t.TempDir(), "ns1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}

	cache, err := New(Config{
		MountPoints:     []string{t.TempDir()},
		CapacityBytes:   capacity,
		TriggerFraction: 0.5,
		BackoffFraction: 0.1,
		SweepInterval:   10 * time.Millisecond,
	}, be)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return cache, be
}

func TestCache_FetchMissPopulatesFromBackend(t *testing.T) {
	cache, be := newTestCache(t, 1<<20)
	ctx := context.Background()

	if err := be.Put(ctx, "sco_0001", bytes.NewReader([]byte("payload")), false); err != nil {
		t.Fatalf("backend Put() error = %v", err)
	}

	rc, err := cache.Fetch(ctx, "sco_0001")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Errorf("data = %q, want %q", data, "payload")
	}

	if cache.Path("sco_0001") == "" {
		t.Error("expected sco_0001 to be resident after fetch")
	}
}

func TestCache_PutTracksNonDisposableEntry(t *testing.T) {
	cache, _ := newTestCache(t, 1<<20)

	n, err := cache.Put("sco_0002", bytes.NewReader([]byte("abc")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Put() wrote %d bytes, want 3", n)
	}

	if cache.Path("sco_0002") == "" {
		t.Error("expected sco_0002 to be resident")
	}
}

func TestCache_SweepEvictsDisposableOverTrigger(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	cache.Start()
	defer cache.Stop()

	if _, err := cache.Put("sco_full", bytes.NewReader(bytes.Repeat([]byte("x"), 9))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	cache.MarkDisposable("sco_full")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cache.Path("sco_full") == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected sco_full to be evicted by sweeper")
}

func TestCache_NonDisposableEntrySurvivesSweep(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	cache.Start()
	defer cache.Stop()

	if _, err := cache.Put("sco_open", bytes.NewReader(bytes.Repeat([]byte("x"), 9))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if cache.Path("sco_open") == "" {
		t.Error("non-disposable entry should survive eviction sweeps")
	}
}

func TestCache_Evict(t *testing.T) {
	cache, _ := newTestCache(t, 1<<20)
	if _, err := cache.Put("sco_0003", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	cache.Evict("sco_0003")

	if cache.Path("sco_0003") != "" {
		t.Error("expected sco_0003 to be gone after Evict()")
	}
}
