package tlog

import (
	"testing"

	"github.com/cuemby/vdisk/pkg/types"
)

func TestCombinedReader_ChainsSealedLogsAndStopsAtMissing(t *testing.T) {
	dir := t.TempDir()

	ids := []types.TLogID{"a", "b", "c"}
	writeSampleLog(t, dir, ids[0], true)
	writeSampleLog(t, dir, ids[1], true)
	// ids[2] intentionally never written — simulates a tail lost on crash.

	locate := func(id types.TLogID) (string, string, error) {
		return dir, FileName(id), nil
	}
	exists := func(id types.TLogID) bool {
		for _, known := range ids[:2] {
			if known == id {
				return true
			}
		}
		return false
	}

	cr := NewCombinedReader(ids, locate, exists)

	var addrs []types.ClusterAddress
	replayed, err := cr.Replay(Handler{
		ProcessLocation: func(addr types.ClusterAddress, _ types.ClusterLocation, _ types.ContentHash) error {
			addrs = append(addrs, addr)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed %d logs, want 2", len(replayed))
	}
	if len(addrs) != 6 {
		t.Errorf("replayed %d locations across both logs, want 6", len(addrs))
	}
}

func TestCombinedReader_FailsOnUnsealedNonFinalLog(t *testing.T) {
	dir := t.TempDir()

	ids := []types.TLogID{"x", "y"}
	writeSampleLog(t, dir, ids[0], false) // not sealed, but not the last log
	writeSampleLog(t, dir, ids[1], true)

	locate := func(id types.TLogID) (string, string, error) { return dir, FileName(id), nil }
	exists := func(types.TLogID) bool { return true }

	cr := NewCombinedReader(ids, locate, exists)
	_, err := cr.Replay(Handler{})
	if err == nil {
		t.Fatal("Replay() error = nil for an unsealed non-final log, want error")
	}
}
