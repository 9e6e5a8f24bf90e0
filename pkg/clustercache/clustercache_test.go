package clustercache

import (
	"testing"

	"github.com/cuemby/vdisk/pkg/types"
)

func TestCache_ContentBasedHitMiss(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	hash := types.ContentHash{1, 2, 3}
	if _, ok := c.GetByContent(hash); ok {
		t.Fatal("expected miss on empty cache")
	}

	loc := types.ClusterLocation{SCONumber: 7, Offset: 3}
	c.PutByContent(hash, loc)

	got, ok := c.GetByContent(hash)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got != loc {
		t.Errorf("got %+v, want %+v", got, loc)
	}
}

func TestCache_LocationBasedIsolatedByHandle(t *testing.T) {
	c, _ := New(16)

	clh := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 1}}
	c.PutByLocation(types.CacheHandle(1), types.ClusterAddress(100), clh)

	if _, ok := c.GetByLocation(types.CacheHandle(2), types.ClusterAddress(100)); ok {
		t.Error("expected miss for a different handle at the same address")
	}

	got, ok := c.GetByLocation(types.CacheHandle(1), types.ClusterAddress(100))
	if !ok || got != clh {
		t.Errorf("GetByLocation() = %+v, %v; want %+v, true", got, ok, clh)
	}
}

func TestCache_InvalidateHandle(t *testing.T) {
	c, _ := New(16)

	c.PutByLocation(types.CacheHandle(1), types.ClusterAddress(1), types.ClusterLocationAndHash{})
	c.PutByLocation(types.CacheHandle(1), types.ClusterAddress(2), types.ClusterLocationAndHash{})
	c.PutByLocation(types.CacheHandle(2), types.ClusterAddress(1), types.ClusterLocationAndHash{})

	c.InvalidateHandle(types.CacheHandle(1))

	if _, ok := c.GetByLocation(types.CacheHandle(1), types.ClusterAddress(1)); ok {
		t.Error("expected handle 1 entries to be invalidated")
	}
	if _, ok := c.GetByLocation(types.CacheHandle(2), types.ClusterAddress(1)); !ok {
		t.Error("expected handle 2 entries to survive")
	}
}
