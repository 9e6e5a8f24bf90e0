package heatmap

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/vdisk/pkg/backend/localbackend"
	"github.com/cuemby/vdisk/pkg/types"
)

func TestMap_RecordAccessAndTopN(t *testing.T) {
	m := New(time.Minute)

	m.RecordAccess(types.SCONumber(1))
	m.RecordAccess(types.SCONumber(1))
	m.RecordAccess(types.SCONumber(2))

	top := m.TopN(2)
	if len(top) != 2 || top[0] != types.SCONumber(1) {
		t.Errorf("TopN(2) = %v, want [1 2]", top)
	}
}

func TestMap_ScoreDecaysOverHalfLife(t *testing.T) {
	m := New(time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }

	m.RecordAccess(types.SCONumber(1))
	initial := m.Score(types.SCONumber(1))

	m.now = func() time.Time { return base.Add(time.Minute) }
	decayed := m.Score(types.SCONumber(1))

	if decayed >= initial {
		t.Errorf("Score() after one half-life = %v, want less than initial %v", decayed, initial)
	}
}

func TestMap_SaveLoadRoundTrip(t *testing.T) {
	be, err := localbackend.New(t.TempDir(), "vol1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	ctx := context.Background()

	m := New(time.Minute)
	m.RecordAccess(types.SCONumber(5))
	m.RecordAccess(types.SCONumber(7))

	if err := m.Save(ctx, be); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	m2 := New(time.Minute)
	if err := m2.Load(ctx, be); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	top := m2.TopN(2)
	if len(top) != 2 {
		t.Fatalf("TopN(2) after Load() = %v, want 2 entries", top)
	}
}

func TestMap_LoadMissingObjectIsNoop(t *testing.T) {
	be, err := localbackend.New(t.TempDir(), "vol2")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	m := New(time.Minute)
	if err := m.Load(context.Background(), be); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.TopN(10)) != 0 {
		t.Error("TopN() after loading missing object, want empty")
	}
}
