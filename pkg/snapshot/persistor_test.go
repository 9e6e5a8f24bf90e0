package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/vdisk/pkg/backend/localbackend"
	"github.com/cuemby/vdisk/pkg/types"
)

func newTestPersistor(t *testing.T) *Persistor {
	t.Helper()
	be, err := localbackend.New(t.TempDir(), "vol1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	return NewPersistor(t.TempDir(), be)
}

func TestPersistor_UpdateRoundTripsThroughBackend(t *testing.T) {
	p := newTestPersistor(t)
	ctx := context.Background()

	snap := types.Snapshot{
		UUID:      "u1",
		Name:      "daily",
		CreatedAt: time.Now().Truncate(time.Second),
		Metadata:  map[string]string{"owner": "ops"},
		TLogs:     []types.TLogID{"t1", "t2"},
	}

	err := p.Update(ctx, func(d *Document) {
		d.Snapshots = append(d.Snapshots, snap)
		d.CurrentTLogs = []types.TLogID{"t3"}
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	p2 := NewPersistor(t.TempDir(), nil)
	p2.localPath = p.localPath
	if err := p2.LoadLocal(); err != nil {
		t.Fatalf("LoadLocal() error = %v", err)
	}

	doc := p2.Snapshot()
	if len(doc.Snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(doc.Snapshots))
	}
	got := doc.Snapshots[0]
	if got.Name != "daily" || got.UUID != "u1" || got.Metadata["owner"] != "ops" {
		t.Errorf("got %+v, want name=daily uuid=u1 metadata[owner]=ops", got)
	}
	if len(got.TLogs) != 2 || got.TLogs[0] != "t1" {
		t.Errorf("got TLogs = %v, want [t1 t2]", got.TLogs)
	}
	if len(doc.CurrentTLogs) != 1 || doc.CurrentTLogs[0] != "t3" {
		t.Errorf("got CurrentTLogs = %v, want [t3]", doc.CurrentTLogs)
	}
}

func TestPersistor_LoadLocalMissingFileIsEmpty(t *testing.T) {
	p := newTestPersistor(t)
	if err := p.LoadLocal(); err != nil {
		t.Fatalf("LoadLocal() error = %v", err)
	}
	doc := p.Snapshot()
	if len(doc.Snapshots) != 0 || len(doc.CurrentTLogs) != 0 {
		t.Errorf("got %+v, want empty document", doc)
	}
}

func TestPersistor_LoadBackend(t *testing.T) {
	p := newTestPersistor(t)
	ctx := context.Background()

	if err := p.Update(ctx, func(d *Document) {
		d.CurrentTLogs = []types.TLogID{"t1"}
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	p2 := NewPersistor(t.TempDir(), p.be)
	if err := p2.LoadBackend(ctx); err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	doc := p2.Snapshot()
	if len(doc.CurrentTLogs) != 1 || doc.CurrentTLogs[0] != "t1" {
		t.Errorf("got CurrentTLogs = %v, want [t1]", doc.CurrentTLogs)
	}
}
