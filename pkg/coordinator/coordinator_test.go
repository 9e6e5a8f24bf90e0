package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/vdisk/pkg/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newBootstrappedCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(&Config{NodeID: "node-a", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })

	if err := c.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	waitForLeader(t, c)
	return c
}

func waitForLeader(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("coordinator never became leader")
}

func TestCoordinator_BootstrapBecomesLeader(t *testing.T) {
	c := newBootstrappedCoordinator(t)
	if !c.IsLeader() {
		t.Error("IsLeader() = false after Bootstrap(), want true")
	}
}

func TestCoordinator_RegisterObjectReplicatesToStore(t *testing.T) {
	c := newBootstrappedCoordinator(t)

	reg := types.ObjectRegistration{
		ObjectID:  "vol-1",
		Type:      types.ObjectVolume,
		Namespace: "ns1",
		OwnerNode: c.NodeID(),
		OwnerTag:  1,
	}
	if err := c.RegisterObject(reg); err != nil {
		t.Fatalf("RegisterObject() error = %v", err)
	}

	got, err := c.GetObject("vol-1")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if got.OwnerNode != c.NodeID() {
		t.Errorf("got owner %q, want %q", got.OwnerNode, c.NodeID())
	}
}

func TestCoordinator_AdvanceOwnerTagFences(t *testing.T) {
	c := newBootstrappedCoordinator(t)

	if err := c.RegisterObject(types.ObjectRegistration{ObjectID: "vol-1", OwnerTag: 1}); err != nil {
		t.Fatalf("RegisterObject() error = %v", err)
	}

	next, err := c.AdvanceOwnerTag("vol-1", 1)
	if err != nil {
		t.Fatalf("AdvanceOwnerTag() error = %v", err)
	}
	if next != 2 {
		t.Errorf("AdvanceOwnerTag() = %d, want 2", next)
	}

	if _, err := c.AdvanceOwnerTag("vol-1", 1); err == nil {
		t.Error("AdvanceOwnerTag() with stale tag error = nil, want error")
	}
}

func TestCoordinator_StatsSourceReflectsState(t *testing.T) {
	c := newBootstrappedCoordinator(t)

	if err := c.SetNodeStatus("node-a", types.NodeOnline); err != nil {
		t.Fatalf("SetNodeStatus() error = %v", err)
	}
	if err := c.SetNodeStatus("node-b", types.NodeOffline); err != nil {
		t.Fatalf("SetNodeStatus() error = %v", err)
	}
	if err := c.SetVolumeState("vol-1", types.StateRunning); err != nil {
		t.Fatalf("SetVolumeState() error = %v", err)
	}

	counts := c.NodeCountsByStatus()
	if counts[string(types.NodeOnline)] != 1 || counts[string(types.NodeOffline)] != 1 {
		t.Errorf("NodeCountsByStatus() = %+v, want one Online one Offline", counts)
	}

	volCounts := c.VolumeCountsByState()
	if volCounts[string(types.StateRunning)] != 1 {
		t.Errorf("VolumeCountsByState() = %+v, want one Running", volCounts)
	}

	stats := c.RaftStats()
	if !stats.IsLeader {
		t.Error("RaftStats().IsLeader = false, want true")
	}
}

func TestCoordinator_AddVoterFailsWhenNotLeader(t *testing.T) {
	c, err := New(&Config{NodeID: "node-b", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })

	if err := c.AddVoter("node-c", "127.0.0.1:1"); err == nil {
		t.Error("AddVoter() before raft is initialized error = nil, want error")
	}
}
