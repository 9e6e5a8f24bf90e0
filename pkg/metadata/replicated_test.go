package metadata

import (
	"context"
	"testing"

	"github.com/cuemby/vdisk/pkg/types"
)

func TestReplicatedStore_ReadsLocalFirstThenRemote(t *testing.T) {
	localA := newTestLocalStore(t)
	localB := newTestLocalStore(t)

	_, clientCfg := selfSignedTLSConfigs(t)
	addr := startTestRemoteServer(t, localB)
	remote, err := DialRemoteStore(context.Background(), addr, clientCfg)
	if err != nil {
		t.Fatalf("DialRemoteStore() error = %v", err)
	}
	defer remote.Close()

	repl := NewReplicatedStore(localA, remote)
	ctx := context.Background()

	// Only localB (the remote peer) knows about this address, simulating a
	// newly migrated owner whose LocalStore hasn't replayed it yet.
	clh := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 4}}
	if err := localB.Put(ctx, types.ClusterAddress(1), clh); err != nil {
		t.Fatalf("localB.Put() error = %v", err)
	}

	got, ok, err := repl.Get(ctx, types.ClusterAddress(1))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || got != clh {
		t.Errorf("Get() = %+v, %v, want %+v, true (remote fallback)", got, ok, clh)
	}
}

func TestReplicatedStore_PutWritesBoth(t *testing.T) {
	localA := newTestLocalStore(t)
	localB := newTestLocalStore(t)

	_, clientCfg := selfSignedTLSConfigs(t)
	addr := startTestRemoteServer(t, localB)
	remote, err := DialRemoteStore(context.Background(), addr, clientCfg)
	if err != nil {
		t.Fatalf("DialRemoteStore() error = %v", err)
	}
	defer remote.Close()

	repl := NewReplicatedStore(localA, remote)
	ctx := context.Background()

	clh := types.ClusterLocationAndHash{Location: types.ClusterLocation{SCONumber: 11}}
	if err := repl.Put(ctx, types.ClusterAddress(2), clh); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if got, ok, _ := localA.Get(ctx, types.ClusterAddress(2)); !ok || got != clh {
		t.Errorf("localA.Get() = %+v, %v, want %+v, true", got, ok, clh)
	}
	if got, ok, _ := localB.Get(ctx, types.ClusterAddress(2)); !ok || got != clh {
		t.Errorf("localB.Get() = %+v, %v, want %+v, true", got, ok, clh)
	}
}

func TestReplicatedStore_GetMissingOnBoth(t *testing.T) {
	localA := newTestLocalStore(t)
	localB := newTestLocalStore(t)

	_, clientCfg := selfSignedTLSConfigs(t)
	addr := startTestRemoteServer(t, localB)
	remote, err := DialRemoteStore(context.Background(), addr, clientCfg)
	if err != nil {
		t.Fatalf("DialRemoteStore() error = %v", err)
	}
	defer remote.Close()

	repl := NewReplicatedStore(localA, remote)
	_, ok, err := repl.Get(context.Background(), types.ClusterAddress(999))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true for address absent from both stores, want false")
	}
}
