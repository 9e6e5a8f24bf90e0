package router

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/types"
)

type fakeCoordinator struct {
	objects map[string]*types.ObjectRegistration
	nodes   map[string]types.NodeStatus
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		objects: make(map[string]*types.ObjectRegistration),
		nodes:   make(map[string]types.NodeStatus),
	}
}

func (f *fakeCoordinator) GetObject(id string) (*types.ObjectRegistration, error) {
	reg, ok := f.objects[id]
	if !ok {
		return nil, types.NewError(types.ErrObjectNotFound, "object %q not registered", id)
	}
	cp := *reg
	return &cp, nil
}

func (f *fakeCoordinator) RegisterObject(reg types.ObjectRegistration) error {
	cp := reg
	f.objects[reg.ObjectID] = &cp
	return nil
}

func (f *fakeCoordinator) AdvanceOwnerTag(id string, expected types.OwnerTag) (types.OwnerTag, error) {
	reg, ok := f.objects[id]
	if !ok {
		return 0, types.NewError(types.ErrObjectNotFound, "object %q not registered", id)
	}
	if reg.OwnerTag != expected {
		return 0, types.NewError(types.ErrInvalidOperation, "stale tag")
	}
	reg.OwnerTag++
	return reg.OwnerTag, nil
}

func (f *fakeCoordinator) NodeStatus(nodeID string) (types.NodeStatus, error) {
	status, ok := f.nodes[nodeID]
	if !ok {
		return "", types.NewError(types.ErrObjectNotFound, "node %q unknown", nodeID)
	}
	return status, nil
}

type fakeQuiescer struct {
	quiesced  []string
	toreDown  []string
	failQuiesce bool
}

func (q *fakeQuiescer) Quiesce(ctx context.Context, objectID string) error {
	if q.failQuiesce {
		return context.DeadlineExceeded
	}
	q.quiesced = append(q.quiesced, objectID)
	return nil
}

func (q *fakeQuiescer) TeardownLocal(objectID string) error {
	q.toreDown = append(q.toreDown, objectID)
	return nil
}

func TestRouter_LookupLocalObject(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-a", OwnerTag: 1}

	r := New("node-a", coord, nil, 0, 0)
	reg, redirect, err := r.Lookup("vol-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if redirect != nil {
		t.Errorf("Lookup() redirect = %+v, want nil for locally-owned object", redirect)
	}
	if reg.OwnerNode != "node-a" {
		t.Errorf("got owner %q, want node-a", reg.OwnerNode)
	}
}

func TestRouter_LookupRemoteObjectRedirects(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-b", OwnerTag: 1}

	r := New("node-a", coord, nil, 0, 0)
	_, redirect, err := r.Lookup("vol-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if redirect == nil || redirect.Host != "node-b" {
		t.Errorf("Lookup() redirect = %+v, want host=node-b", redirect)
	}
}

func TestRouter_FenceCheckRejectsStaleTag(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-a", OwnerTag: 5}

	r := New("node-a", coord, nil, 0, 0)
	if _, _, err := r.Lookup("vol-1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	if err := r.FenceCheck("vol-1", 5); err != nil {
		t.Errorf("FenceCheck(current tag) error = %v, want nil", err)
	}
	if err := r.FenceCheck("vol-1", 4); err == nil {
		t.Error("FenceCheck(stale tag) error = nil, want error")
	}
}

func TestRouter_MigrateMovesOwnershipAndFences(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-a", OwnerTag: 1}

	r := New("node-a", coord, nil, 0, 0)
	q := &fakeQuiescer{}

	if err := r.Migrate(context.Background(), "vol-1", "node-b", false, q); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	reg, err := coord.GetObject("vol-1")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if reg.OwnerNode != "node-b" || reg.OwnerTag != 2 {
		t.Errorf("got %+v, want owner=node-b tag=2", reg)
	}
	if len(q.quiesced) != 1 || len(q.toreDown) != 1 {
		t.Errorf("quiesced=%v tornDown=%v, want one each", q.quiesced, q.toreDown)
	}

	// The fencing demonstration from spec.md §8 S3: node-a's old tag is
	// now stale against the new registration.
	r2 := New("node-b", coord, nil, 0, 0)
	if _, _, err := r2.Lookup("vol-1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if err := r2.FenceCheck("vol-1", 1); err == nil {
		t.Error("FenceCheck(pre-migration tag) after migration error = nil, want error")
	}
}

func TestRouter_MigratePublishesOwnerChanged(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-a", OwnerTag: 1}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	r := New("node-a", coord, broker, 0, 0)
	if err := r.Migrate(context.Background(), "vol-1", "node-b", false, &fakeQuiescer{}); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != events.EventOwnerChanged {
			t.Errorf("got event type %q, want %q", ev.Type, events.EventOwnerChanged)
		}
		if ev.OldOwnerNode != "node-a" || ev.NewOwnerNode != "node-b" {
			t.Errorf("got from=%q to=%q, want node-a/node-b", ev.OldOwnerNode, ev.NewOwnerNode)
		}
		if ev.OldOwnerTag != 1 || ev.NewOwnerTag != 2 {
			t.Errorf("got oldTag=%d newTag=%d, want 1/2", ev.OldOwnerTag, ev.NewOwnerTag)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EventOwnerChanged")
	}
}

func TestRouter_StealPublishesOwnerChanged(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-a", OwnerTag: 1}
	coord.nodes["node-a"] = types.NodeOffline

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	r := New("node-b", coord, broker, 0, 0)
	if err := r.Steal(context.Background(), "vol-1", &fakeQuiescer{}); err != nil {
		t.Fatalf("Steal() error = %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != events.EventOwnerChanged {
			t.Errorf("got event type %q, want %q", ev.Type, events.EventOwnerChanged)
		}
		if ev.OldOwnerNode != "node-a" || ev.NewOwnerNode != "node-b" {
			t.Errorf("got from=%q to=%q, want node-a/node-b", ev.OldOwnerNode, ev.NewOwnerNode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EventOwnerChanged")
	}
}

func TestRouter_MigrateFailsIfNotOwner(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-b", OwnerTag: 1}

	r := New("node-a", coord, nil, 0, 0)
	if err := r.Migrate(context.Background(), "vol-1", "node-c", false, &fakeQuiescer{}); err == nil {
		t.Error("Migrate() from non-owner error = nil, want error")
	}
}

func TestRouter_StealRequiresOfflineOwner(t *testing.T) {
	coord := newFakeCoordinator()
	coord.objects["vol-1"] = &types.ObjectRegistration{ObjectID: "vol-1", OwnerNode: "node-a", OwnerTag: 1}
	coord.nodes["node-a"] = types.NodeOnline

	r := New("node-b", coord, nil, 0, 0)
	if err := r.Steal(context.Background(), "vol-1", &fakeQuiescer{}); err == nil {
		t.Error("Steal() from an Online owner error = nil, want error")
	}

	coord.nodes["node-a"] = types.NodeOffline
	if err := r.Steal(context.Background(), "vol-1", &fakeQuiescer{}); err != nil {
		t.Fatalf("Steal() from an Offline owner error = %v", err)
	}
	reg, _ := coord.GetObject("vol-1")
	if reg.OwnerNode != "node-b" {
		t.Errorf("got owner %q, want node-b", reg.OwnerNode)
	}
}

func TestRouter_RecordRemoteAccessSignalsAtThreshold(t *testing.T) {
	coord := newFakeCoordinator()
	r := New("node-a", coord, nil, 3, 3)

	for i := 0; i < 2; i++ {
		if r.RecordRemoteAccess("vol-1", true) {
			t.Fatalf("RecordRemoteAccess() signaled migration early at count %d", i+1)
		}
	}
	if !r.RecordRemoteAccess("vol-1", true) {
		t.Error("RecordRemoteAccess() did not signal migration at the write threshold")
	}

	r.ResetAccessCounters("vol-1")
	if r.RecordRemoteAccess("vol-1", true) {
		t.Error("RecordRemoteAccess() signaled migration right after reset")
	}
}
