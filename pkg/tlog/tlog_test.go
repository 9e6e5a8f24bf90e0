package tlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/vdisk/pkg/types"
)

func writeSampleLog(t *testing.T, dir string, id types.TLogID, seal bool) {
	t.Helper()

	w, err := Create(dir, id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	hash := types.ContentHash{}
	hash[0] = 0xAB

	if err := w.AppendLocation(types.ClusterAddress(1), types.ClusterLocation{SCONumber: 1, Offset: 0}, hash); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.AppendLocation(types.ClusterAddress(2), types.ClusterLocation{SCONumber: 1, Offset: 1}, hash); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.SealSCO(); err != nil {
		t.Fatalf("SealSCO() error = %v", err)
	}
	if err := w.AppendLocation(types.ClusterAddress(3), types.ClusterLocation{SCONumber: 2, Offset: 0}, hash); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.SealSCO(); err != nil {
		t.Fatalf("SealSCO() error = %v", err)
	}

	if seal {
		if err := w.Seal(); err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
	} else {
		if err := w.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := types.TLogID("t1")
	writeSampleLog(t, dir, id, true)

	r, err := Open(dir, FileName(id), id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	var locations []types.ClusterAddress
	var scoCRCs, tlogCRCs int

	err = r.Replay(Handler{
		ProcessLocation: func(addr types.ClusterAddress, _ types.ClusterLocation, _ types.ContentHash) error {
			locations = append(locations, addr)
			return nil
		},
		ProcessSCOCRC:  func(uint32) error { scoCRCs++; return nil },
		ProcessTLogCRC: func(uint32) error { tlogCRCs++; return nil },
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(locations) != 3 {
		t.Errorf("got %d locations, want 3", len(locations))
	}
	if scoCRCs != 2 {
		t.Errorf("got %d sco-crc records, want 2", scoCRCs)
	}
	if tlogCRCs != 1 {
		t.Errorf("got %d tlog-crc records, want 1", tlogCRCs)
	}
	if !r.Sealed() {
		t.Error("Sealed() = false, want true")
	}
	if err := r.RequireSealed(); err != nil {
		t.Errorf("RequireSealed() error = %v", err)
	}
}

func TestReader_UnsealedLogHasNoFinalCRC(t *testing.T) {
	dir := t.TempDir()
	id := types.TLogID("t2")
	writeSampleLog(t, dir, id, false)

	r, err := Open(dir, FileName(id), id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if err := r.Replay(Handler{}); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if r.Sealed() {
		t.Error("Sealed() = true for an unsealed log")
	}
	if err := r.RequireSealed(); err == nil {
		t.Error("RequireSealed() error = nil for an unsealed log, want error")
	}
}

func TestReader_DetectsCorruptedTailCRC(t *testing.T) {
	dir := t.TempDir()
	id := types.TLogID("t3")
	writeSampleLog(t, dir, id, true)

	path := filepath.Join(dir, FileName(id))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	// Flip the last byte, which lands inside the final TLog-CRC payload.
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r, err := Open(dir, FileName(id), id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	err = r.Replay(Handler{})
	if err == nil {
		t.Fatal("Replay() error = nil for a corrupted tlog-crc, want error")
	}
}

func TestWriter_AppendAfterSealFails(t *testing.T) {
	dir := t.TempDir()
	id := types.TLogID("t4")

	w, err := Create(dir, id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	err = w.AppendLocation(types.ClusterAddress(1), types.ClusterLocation{}, types.ContentHash{})
	if err == nil {
		t.Error("AppendLocation() after Seal() error = nil, want error")
	}
}

func TestWriter_Sync(t *testing.T) {
	dir := t.TempDir()
	id := types.TLogID("t5")

	w, err := Create(dir, id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer w.Close()

	if err := w.AppendLocation(types.ClusterAddress(1), types.ClusterLocation{SCONumber: 1}, types.ContentHash{}); err != nil {
		t.Fatalf("AppendLocation() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}
