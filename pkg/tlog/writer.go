package tlog

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/cuemby/vdisk/pkg/types"
)

// Writer appends records to one TLog file. A Writer is single-owner: the
// volume's write serialiser is the only goroutine that should call into it.
type Writer struct {
	id   types.TLogID
	path string
	f    *os.File
	bw   *bufio.Writer

	scoCRC  uint32
	tlogCRC uint32
	sealed  bool
}

// FileName returns the deterministic backend object name for id, e.g.
// "tlog_<uuid>".
func FileName(id types.TLogID) string {
	return id.FileName()
}

// Create opens a new TLog file for id under dir.
func Create(dir string, id types.TLogID) (*Writer, error) {
	path := filepath.Join(dir, FileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tlog: create %s: %w", path, err)
	}
	return &Writer{id: id, path: path, f: f, bw: bufio.NewWriter(f)}, nil
}

func (w *Writer) writeRaw(buf []byte) error {
	if w.sealed {
		return fmt.Errorf("tlog: %s is sealed, cannot append", w.id)
	}
	if _, err := w.bw.Write(buf); err != nil {
		return fmt.Errorf("tlog: write to %s: %w", w.path, err)
	}
	w.scoCRC = crc32.Update(w.scoCRC, crc32.IEEETable, buf)
	w.tlogCRC = crc32.Update(w.tlogCRC, crc32.IEEETable, buf)
	return nil
}

// AppendLocation records one cluster write.
func (w *Writer) AppendLocation(addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TLogAppendDuration)

	return w.writeRaw(encodeLocation(addr, loc, hash))
}

// SealSCO emits an SCO-CRC record summarising every Location record since
// the previous SCO-CRC (or since the start of the log, for the first SCO),
// then resets the running SCO checksum for the next SCO.
func (w *Writer) SealSCO() error {
	crc := w.scoCRC
	if err := w.writeRaw(encodeCRC(types.RecordSCOCRC, crc)); err != nil {
		return err
	}
	w.scoCRC = 0
	return nil
}

// Sync writes a no-op barrier record and fsyncs the underlying file.
func (w *Writer) Sync() error {
	if err := w.writeRaw(encodeSync()); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *Writer) flushAndSync() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("tlog: flush %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("tlog: fsync %s: %w", w.path, err)
	}
	return nil
}

// Seal emits the final TLog-CRC over every byte previously written to this
// log (including its SCO-CRC records), flushes, fsyncs and closes the file.
// A sealed TLog accepts no further writes.
func (w *Writer) Seal() error {
	if w.sealed {
		return fmt.Errorf("tlog: %s already sealed", w.id)
	}

	crc := w.tlogCRC
	if _, err := w.bw.Write(encodeCRC(types.RecordTLogCRC, crc)); err != nil {
		return fmt.Errorf("tlog: write tlog-crc to %s: %w", w.path, err)
	}
	w.sealed = true

	if err := w.flushAndSync(); err != nil {
		return err
	}

	metrics.TLogSealsTotal.Inc()
	log.WithComponent("tlog").Debug().Str("tlog_id", string(w.id)).Msg("sealed tlog")
	return w.f.Close()
}

// Close closes the underlying file without sealing it, for the unclean
// shutdown path where the caller wants the OS-level handle released but
// the log left open for a subsequent local-restart replay.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// Sealed reports whether Seal has been called.
func (w *Writer) Sealed() bool { return w.sealed }
