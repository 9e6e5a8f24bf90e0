package tlog

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/cuemby/vdisk/pkg/types"
)

// Failure taxonomy for TLog replay, per the sealed/open-tail recovery rules.
var (
	// ErrWrongCRC is returned when a sealed log's trailing CRC does not
	// match the bytes it claims to cover.
	ErrWrongCRC = errors.New("tlog: wrong crc")

	// ErrWithoutFinalCRC is returned when a log that is expected to be
	// sealed (every log but the current one) ends without a TLog-CRC
	// record.
	ErrWithoutFinalCRC = errors.New("tlog: sealed log missing final tlog-crc")

	// ErrSCOSwitchWithoutCRC is returned when the reader is told an SCO
	// boundary occurred but the log has no SCO-CRC record covering it.
	ErrSCOSwitchWithoutCRC = errors.New("tlog: sco switch without sco-crc")
)

// Handler receives decoded records during a forward read. Implementations
// should return a non-nil error to abort the read.
type Handler struct {
	ProcessLocation func(addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash) error
	ProcessSCOCRC    func(crc uint32) error
	ProcessTLogCRC   func(crc uint32) error
	ProcessSync      func() error
}

// Reader reads one TLog file forward, verifying its checksums as it goes.
type Reader struct {
	id  types.TLogID
	f   *os.File
	br  *bufio.Reader

	scoCRC      uint32
	tlogCRC     uint32
	sawTLogCRC  bool
	truncatedAt int64
	pos         int64
}

// Open opens the TLog file for id under dir for forward reading.
func Open(dir, filename string, id types.TLogID) (*Reader, error) {
	path := dir + string(os.PathSeparator) + filename
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tlog: open %s: %w", path, err)
	}
	return &Reader{id: id, f: f, br: bufio.NewReader(f)}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Replay reads every record forward, invoking the matching Handler callback
// for each, until EOF or error. It does not require the log to end in a
// TLog-CRC record; RequireSealed checks that afterwards.
func (r *Reader) Replay(h Handler) error {
	for {
		kind, payload, full, err := r.readRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch kind {
		case types.RecordLocation:
			rec, err := decodeLocation(payload)
			if err != nil {
				return err
			}
			r.scoCRC = crc32.Update(r.scoCRC, crc32.IEEETable, full)
			r.tlogCRC = crc32.Update(r.tlogCRC, crc32.IEEETable, full)
			if h.ProcessLocation != nil {
				if err := h.ProcessLocation(rec.Address, rec.Location, rec.Hash); err != nil {
					return err
				}
			}
		case types.RecordSCOCRC:
			crc, err := decodeCRC(payload)
			if err != nil {
				return err
			}
			if crc != r.scoCRC {
				return fmt.Errorf("%w: tlog %s sco-crc got %08x want %08x", ErrWrongCRC, r.id, crc, r.scoCRC)
			}
			r.scoCRC = 0
			r.tlogCRC = crc32.Update(r.tlogCRC, crc32.IEEETable, full)
			r.truncatedAt = r.pos
			if h.ProcessSCOCRC != nil {
				if err := h.ProcessSCOCRC(crc); err != nil {
					return err
				}
			}
		case types.RecordTLogCRC:
			crc, err := decodeCRC(payload)
			if err != nil {
				return err
			}
			if crc != r.tlogCRC {
				return fmt.Errorf("%w: tlog %s tlog-crc got %08x want %08x", ErrWrongCRC, r.id, crc, r.tlogCRC)
			}
			r.sawTLogCRC = true
			if h.ProcessTLogCRC != nil {
				if err := h.ProcessTLogCRC(crc); err != nil {
					return err
				}
			}
		case types.RecordSync:
			r.scoCRC = crc32.Update(r.scoCRC, crc32.IEEETable, full)
			r.tlogCRC = crc32.Update(r.tlogCRC, crc32.IEEETable, full)
			if h.ProcessSync != nil {
				if err := h.ProcessSync(); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("tlog: %s: unknown record kind %d at offset %d", r.id, kind, r.pos)
		}
	}
	return nil
}

// Sealed reports whether the stream ended with a verified TLog-CRC.
func (r *Reader) Sealed() bool { return r.sawTLogCRC }

// RequireSealed returns ErrWithoutFinalCRC if the log did not end in a
// verified TLog-CRC record, for every log but the volume's current one.
func (r *Reader) RequireSealed() error {
	if !r.sawTLogCRC {
		return fmt.Errorf("%w: %s", ErrWithoutFinalCRC, r.id)
	}
	return nil
}

// TruncateOffset returns the byte offset of the last verified SCO-CRC
// boundary — the point at which an open (unsealed) log's corrupt or
// incomplete tail should be truncated during local restart.
func (r *Reader) TruncateOffset() int64 { return r.truncatedAt }

// readRecord reads one record's kind byte and payload. It does not touch
// the running checksums — Replay decides how each kind affects them, since
// the TLog-CRC record itself is excluded from the running tlogCRC it is
// compared against.
func (r *Reader) readRecord() (types.RecordKind, []byte, []byte, error) {
	kindByte, err := r.br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return 0, nil, nil, io.EOF
		}
		return 0, nil, nil, fmt.Errorf("tlog: %s: read kind: %w", r.id, err)
	}
	r.pos++

	kind := types.RecordKind(kindByte)
	size := recordPayloadSize(kind)
	if size < 0 {
		return 0, nil, nil, fmt.Errorf("tlog: %s: unknown record kind %d at offset %d", r.id, kind, r.pos-1)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return 0, nil, nil, fmt.Errorf("tlog: %s: short record at offset %d: %w", r.id, r.pos, err)
		}
	}
	r.pos += int64(size)

	full := append([]byte{kindByte}, payload...)
	return kind, payload, full, nil
}
