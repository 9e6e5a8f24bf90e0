package volumeengine

import (
	"context"
	"testing"

	"github.com/cuemby/vdisk/pkg/backend/localbackend"
	"github.com/cuemby/vdisk/pkg/clustercache"
	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/metadata"
	"github.com/cuemby/vdisk/pkg/scocache"
	"github.com/cuemby/vdisk/pkg/snapshot"
	"github.com/cuemby/vdisk/pkg/tlog"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/google/uuid"
)

// newScenarioEngine is newTestEngine generalised to a caller-supplied
// VolumeConfiguration and backend namespace, so parent/child volumes in a
// clone scenario can share one on-disk backend root while keeping their own
// MetaData Store, SCO cache and Snapshot Persistor.
func newScenarioEngine(t *testing.T, root string, volCfg types.VolumeConfiguration) (*Engine, Config) {
	t.Helper()

	be, err := localbackend.New(root+"/backend", volCfg.BackendNamespace)
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}

	sc, err := scocache.New(scocache.Config{MountPoints: []string{root + "/" + volCfg.ID + "/sco"}, CapacityBytes: 1 << 30}, be)
	if err != nil {
		t.Fatalf("scocache.New() error = %v", err)
	}

	cc, err := clustercache.New(1024)
	if err != nil {
		t.Fatalf("clustercache.New() error = %v", err)
	}

	mds, err := metadata.NewLocalStore(root+"/"+volCfg.ID, volCfg.ID, 256)
	if err != nil {
		t.Fatalf("metadata.NewLocalStore() error = %v", err)
	}
	t.Cleanup(func() { mds.Close() })

	persistor := snapshot.NewPersistor(root+"/"+volCfg.ID, be)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	mgr := snapshot.NewManager(volCfg.ID, persistor, broker)

	pool := NewUploadPool(2)
	t.Cleanup(pool.Close)

	cfg := Config{
		VolumeConfig:  volCfg,
		Backend:       be,
		SCOCache:      sc,
		ClusterCache:  cc,
		CacheHandle:   1,
		MetadataStore: mds,
		SnapshotMgr:   mgr,
		Pool:          pool,
		Broker:        broker,
		TLogDir:       root + "/" + volCfg.ID,
	}

	e, err := New(cfg, types.TLogID(uuid.NewString()), 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.currentTLog.Close() })

	return e, cfg
}

func baseVolumeConfig(id string) types.VolumeConfiguration {
	return types.VolumeConfiguration{
		ID:                id,
		BackendNamespace:  id,
		LBASize:           512,
		ClusterMultiplier: 8, // 4096-byte clusters
		SCOMultiplier:     4,
		TLogMultiplier:    2,
		ClusterCacheMode:  types.ClusterCacheLocationBased,
	}
}

// TestScenario_BasicLifecycle covers spec.md §8's S1: create a volume,
// write, snapshot, replay its TLog chain into a fresh MetaData Store as a
// local restart would, and confirm the write is still readable and the
// snapshot is listed.
func TestScenario_BasicLifecycle(t *testing.T) {
	root := t.TempDir()
	e, cfg := newScenarioEngine(t, root, baseVolumeConfig("vol-s1"))
	clusterSize := cfg.VolumeConfig.ClusterSize()

	data := make([]byte, clusterSize)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := e.Write(context.Background(), 3, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	snap, err := e.CreateSnapshot(context.Background(), "s1", map[string]string{"note": "first"})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if len(snap.TLogs) == 0 {
		t.Fatalf("CreateSnapshot() snapshot references no tlogs")
	}

	got, err := e.Read(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Read() after snapshot returned different bytes than written")
	}

	list := cfg.SnapshotMgr.List()
	if len(list) != 1 || list[0].Name != "s1" {
		t.Errorf("List() = %+v, want one snapshot named s1", list)
	}

	// Replay the chain into a fresh MetaData Store, mirroring the metadata
	// rebuild a local restart performs, to confirm the write survives it.
	replayed, err := metadata.NewLocalStore(root+"/vol-s1-replay", "vol-s1", 256)
	if err != nil {
		t.Fatalf("metadata.NewLocalStore() error = %v", err)
	}
	defer replayed.Close()

	for _, id := range cfg.SnapshotMgr.CurrentTLogs() {
		replayTLogInto(t, root+"/vol-s1", id, replayed)
	}
	for _, s := range cfg.SnapshotMgr.List() {
		for _, id := range s.TLogs {
			replayTLogInto(t, root+"/vol-s1", id, replayed)
		}
	}

	loc, found, err := replayed.Get(context.Background(), types.ClusterAddress(3))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatalf("Get() after replay found = false, want true")
	}
	if loc.Location.SCONumber != 1 {
		t.Errorf("Get() after replay SCONumber = %d, want 1", loc.Location.SCONumber)
	}
}

// TestScenario_CloneIsolation covers spec.md §8's S2: a clone reads through
// to its parent for addresses it has never written itself, but a write to
// the clone never becomes visible to the parent or to reads of addresses
// the clone has since overwritten.
func TestScenario_CloneIsolation(t *testing.T) {
	root := t.TempDir()
	parent, parentCfg := newScenarioEngine(t, root, baseVolumeConfig("vol-parent"))
	clusterSize := parentCfg.VolumeConfig.ClusterSize()

	parentData := make([]byte, clusterSize)
	for i := range parentData {
		parentData[i] = 0xAA
	}
	if err := parent.Write(context.Background(), 7, parentData); err != nil {
		t.Fatalf("parent.Write() error = %v", err)
	}
	if _, err := parent.CreateSnapshot(context.Background(), "base", nil); err != nil {
		t.Fatalf("parent.CreateSnapshot() error = %v", err)
	}

	cloneCfg := baseVolumeConfig("vol-clone")
	cloneCfg.ParentNamespace = parentCfg.VolumeConfig.BackendNamespace
	cloneCfg.ParentSnapshot = "base"

	clone, _ := newScenarioEngine(t, root, cloneCfg)
	clone.cfg.Parent = parent
	if err := clone.CloneFrom(parentCfg.VolumeConfig.BackendNamespace, "base"); err != nil {
		t.Fatalf("clone.CloneFrom() error = %v", err)
	}

	// Unwritten in the clone: falls through to the parent's data.
	got, err := clone.Read(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("clone.Read() error = %v", err)
	}
	if string(got) != string(parentData) {
		t.Errorf("clone.Read() of unwritten address did not inherit parent data")
	}

	cloneData := make([]byte, clusterSize)
	for i := range cloneData {
		cloneData[i] = 0xBB
	}
	if err := clone.Write(context.Background(), 7, cloneData); err != nil {
		t.Fatalf("clone.Write() error = %v", err)
	}

	got, err = clone.Read(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("clone.Read() after own write error = %v", err)
	}
	if string(got) != string(cloneData) {
		t.Errorf("clone.Read() after own write returned parent data instead of the clone's own")
	}

	parentGot, err := parent.Read(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("parent.Read() error = %v", err)
	}
	if string(parentGot) != string(parentData) {
		t.Errorf("parent.Read() was affected by a write issued against its clone")
	}
}

// Snapshot ordering (spec.md §8's S6 — a second create_snapshot rejected
// with ErrPreviousSnapshotNotOnBackend until the prior snapshot's TLogs
// finish uploading) is covered at the snapshot.Manager level in
// pkg/snapshot/manager_test.go, where it is deterministic: driving it
// through a full Engine would race against the UploadPool's own
// background upload of the same TLog.

func replayTLogInto(t *testing.T, dir string, id types.TLogID, mds metadata.Store) {
	t.Helper()
	r, err := tlog.Open(dir, id.FileName(), id)
	if err != nil {
		t.Fatalf("open tlog %s for replay: %v", id, err)
	}
	defer r.Close()

	err = r.Replay(tlog.Handler{
		ProcessLocation: func(addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash) error {
			return mds.Put(context.Background(), addr, types.ClusterLocationAndHash{Location: loc, Hash: hash})
		},
	})
	if err != nil {
		t.Fatalf("replay tlog %s: %v", id, err)
	}
}
