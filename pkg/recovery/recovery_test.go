package recovery

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/vdisk/pkg/backend/localbackend"
	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/metadata"
	"github.com/cuemby/vdisk/pkg/snapshot"
	"github.com/cuemby/vdisk/pkg/tlog"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/google/uuid"
)

func newTestManager(t *testing.T, dir string, be *localbackend.Backend) *snapshot.Manager {
	t.Helper()
	persistor := snapshot.NewPersistor(dir, be)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return snapshot.NewManager("vol-recovery", persistor, broker)
}

func sealedTLog(t *testing.T, dir string, addr types.ClusterAddress) types.TLogID {
	t.Helper()
	id := types.TLogID(uuid.NewString())
	w, err := tlog.Create(dir, id)
	if err != nil {
		t.Fatalf("tlog.Create() error = %v", err)
	}
	if err := w.AppendLocation(addr, types.ClusterLocation{SCONumber: 1, Offset: 0}, types.ContentHash{}); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.SealSCO(); err != nil {
		t.Fatalf("SealSCO() error = %v", err)
	}
	if err := w.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	return id
}

// TestLocalRestart_TruncatesCorruptTail covers spec.md §8's S4: the open
// TLog's tail is corrupted (a record cut short mid-write, as a crash would
// leave it), and LocalRestart truncates back to the last verified SCO-CRC
// boundary and resumes from there instead of failing outright.
func TestLocalRestart_TruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	be, err := localbackend.New(dir+"/backend", "ns1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	mgr := newTestManager(t, dir, be)

	sealedID := sealedTLog(t, dir, 1)
	if err := mgr.AppendTLog(context.Background(), sealedID); err != nil {
		t.Fatalf("AppendTLog(sealed) error = %v", err)
	}

	openID := types.TLogID(uuid.NewString())
	w, err := tlog.Create(dir, openID)
	if err != nil {
		t.Fatalf("tlog.Create(open) error = %v", err)
	}
	if err := w.AppendLocation(2, types.ClusterLocation{SCONumber: 2, Offset: 0}, types.ContentHash{}); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.SealSCO(); err != nil {
		t.Fatalf("SealSCO() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	openPath := filepath.Join(dir, openID.FileName())
	goodSize, err := fileSize(openPath)
	if err != nil {
		t.Fatalf("stat open tlog: %v", err)
	}

	// A crash mid-write to the next record: only its kind byte made it to
	// disk, none of its payload.
	f, err := os.OpenFile(openPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open tlog for corruption: %v", err)
	}
	if _, err := f.Write([]byte{byte(types.RecordLocation)}); err != nil {
		t.Fatalf("write corrupt tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close corrupted tlog: %v", err)
	}

	if err := mgr.AppendTLog(context.Background(), openID); err != nil {
		t.Fatalf("AppendTLog(open) error = %v", err)
	}

	mds, err := metadata.NewLocalStore(dir, "vol-recovery", 64)
	if err != nil {
		t.Fatalf("metadata.NewLocalStore() error = %v", err)
	}
	defer mds.Close()

	plan, err := LocalRestart(context.Background(), dir, mgr, mds)
	if err != nil {
		t.Fatalf("LocalRestart() error = %v", err)
	}
	if plan.TLogID != openID {
		t.Errorf("LocalRestart() TLogID = %s, want %s", plan.TLogID, openID)
	}
	if !plan.Truncated {
		t.Fatalf("LocalRestart() Truncated = false, want true")
	}
	if plan.TruncateOffset != goodSize {
		t.Errorf("LocalRestart() TruncateOffset = %d, want %d", plan.TruncateOffset, goodSize)
	}

	got, err := fileSize(filepath.Join(dir, openID.FileName()))
	if err != nil {
		t.Fatalf("stat truncated tlog: %v", err)
	}
	if got != goodSize {
		t.Errorf("tlog file size after LocalRestart = %d, want %d", got, goodSize)
	}

	if _, found, err := mds.Get(context.Background(), 1); err != nil || !found {
		t.Errorf("Get(1) found = %v, err = %v, want found from the sealed tlog", found, err)
	}
	if _, found, err := mds.Get(context.Background(), 2); err != nil || !found {
		t.Errorf("Get(2) found = %v, err = %v, want found from before the corrupt tail", found, err)
	}
	if _, found, err := mds.Get(context.Background(), 3); err != nil || found {
		t.Errorf("Get(3) found = %v, want not found: its record never completed", found)
	}
}

// TestLocalRestart_OpenTLogWithNoCorruptionResumesClean covers the ordinary
// (non-corrupt) unclean-shutdown case: the open TLog replays fine, and
// LocalRestart reports no truncation.
func TestLocalRestart_OpenTLogWithNoCorruptionResumesClean(t *testing.T) {
	dir := t.TempDir()
	be, err := localbackend.New(dir+"/backend", "ns1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	mgr := newTestManager(t, dir, be)

	openID := types.TLogID(uuid.NewString())
	w, err := tlog.Create(dir, openID)
	if err != nil {
		t.Fatalf("tlog.Create() error = %v", err)
	}
	if err := w.AppendLocation(5, types.ClusterLocation{SCONumber: 1, Offset: 0}, types.ContentHash{}); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := mgr.AppendTLog(context.Background(), openID); err != nil {
		t.Fatalf("AppendTLog() error = %v", err)
	}

	mds, err := metadata.NewLocalStore(dir, "vol-recovery", 64)
	if err != nil {
		t.Fatalf("metadata.NewLocalStore() error = %v", err)
	}
	defer mds.Close()

	plan, err := LocalRestart(context.Background(), dir, mgr, mds)
	if err != nil {
		t.Fatalf("LocalRestart() error = %v", err)
	}
	if plan.Truncated {
		t.Errorf("LocalRestart() Truncated = true, want false for a clean open tlog")
	}
	if plan.TLogID != openID {
		t.Errorf("LocalRestart() TLogID = %s, want %s", plan.TLogID, openID)
	}
}

// TestBackendRestart_RecoversFullChainAfterCrashBeforeUpload covers spec.md
// §8's S5: the node that owned a volume is gone, and only what the volume
// managed to upload before it crashed is in the backend. BackendRestart
// rebuilds the MetaData Store entirely from the backend's Snapshot
// Persistor document and staged TLogs, with no local state at all.
func TestBackendRestart_RecoversFullChainAfterCrashBeforeUpload(t *testing.T) {
	dir := t.TempDir()
	be, err := localbackend.New(dir+"/backend", "ns1")
	if err != nil {
		t.Fatalf("localbackend.New() error = %v", err)
	}
	persistor := snapshot.NewPersistor(dir, be)

	id := sealedTLog(t, dir, 9)
	if err := persistor.Update(context.Background(), func(d *snapshot.Document) {
		d.CurrentTLogs = append(d.CurrentTLogs, id)
	}); err != nil {
		t.Fatalf("persistor.Update() error = %v", err)
	}
	uploadTLog(t, be, dir, id)

	// A second persistor instance standing in for the node that restarts:
	// it has nothing locally staged yet and must load the document fresh
	// from the backend, then stage id's bytes from there too.
	fresh := snapshot.NewPersistor(t.TempDir(), be)
	stageDir := t.TempDir()

	mds, err := metadata.NewLocalStore(t.TempDir(), "vol-recovery", 64)
	if err != nil {
		t.Fatalf("metadata.NewLocalStore() error = %v", err)
	}
	defer mds.Close()

	plan, err := BackendRestart(context.Background(), stageDir, be, fresh, mds)
	if err != nil {
		t.Fatalf("BackendRestart() error = %v", err)
	}
	if plan.TLogID != id {
		t.Errorf("BackendRestart() TLogID = %s, want %s", plan.TLogID, id)
	}

	if _, found, err := mds.Get(context.Background(), 9); err != nil || !found {
		t.Errorf("Get(9) found = %v, err = %v, want found after backend restart", found, err)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func uploadTLog(t *testing.T, be *localbackend.Backend, dir string, id types.TLogID) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, id.FileName()))
	if err != nil {
		t.Fatalf("read local tlog %s: %v", id, err)
	}
	if err := be.Put(context.Background(), id.FileName(), bytes.NewReader(data), false); err != nil {
		t.Fatalf("upload tlog %s: %v", id, err)
	}
}
