// Package tlog implements the Transaction Log: a volume's append-only
// sequence of typed records (cluster-address location writes, periodic
// checksums, and sync barriers) that sits between the SCO Cache and the
// MetaData Store on the write path. The on-disk format is fixed binary
// (encoding/binary, big-endian) rather than a self-describing encoding, so
// that the bytes written by one node are byte-for-byte the bytes any other
// node reads back off the backend.
package tlog

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/vdisk/pkg/types"
)

// locationRecordSize is the fixed encoded size of a Location record's
// payload: ClusterAddress(8) + SCONumber(8) + CloneGeneration(1) + padding(3)
// + Offset(4) + ContentHash(32).
const locationRecordSize = 8 + 8 + 1 + 3 + 4 + 32

// crcRecordSize is the fixed encoded size of an SCO-CRC or TLog-CRC record's
// payload: a single uint32 checksum.
const crcRecordSize = 4

// Record is one decoded TLog entry.
type Record struct {
	Kind     types.RecordKind
	Address  types.ClusterAddress
	Location types.ClusterLocation
	Hash     types.ContentHash
	CRC      uint32
}

func encodeLocation(addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash) []byte {
	buf := make([]byte, 1+locationRecordSize)
	buf[0] = byte(types.RecordLocation)
	binary.BigEndian.PutUint64(buf[1:9], uint64(addr))
	binary.BigEndian.PutUint64(buf[9:17], uint64(loc.SCONumber))
	buf[17] = byte(loc.CloneGeneration)
	binary.BigEndian.PutUint32(buf[21:25], loc.Offset)
	copy(buf[25:57], hash[:])
	return buf
}

func decodeLocation(payload []byte) (Record, error) {
	if len(payload) != locationRecordSize {
		return Record{}, fmt.Errorf("tlog: location record payload = %d bytes, want %d", len(payload), locationRecordSize)
	}
	addr := types.ClusterAddress(binary.BigEndian.Uint64(payload[0:8]))
	loc := types.ClusterLocation{
		SCONumber:       types.SCONumber(binary.BigEndian.Uint64(payload[8:16])),
		CloneGeneration: types.CloneGeneration(payload[16]),
		Offset:          binary.BigEndian.Uint32(payload[20:24]),
	}
	var hash types.ContentHash
	copy(hash[:], payload[24:56])
	return Record{Kind: types.RecordLocation, Address: addr, Location: loc, Hash: hash}, nil
}

func encodeCRC(kind types.RecordKind, crc uint32) []byte {
	buf := make([]byte, 1+crcRecordSize)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:5], crc)
	return buf
}

func decodeCRC(payload []byte) (uint32, error) {
	if len(payload) != crcRecordSize {
		return 0, fmt.Errorf("tlog: crc record payload = %d bytes, want %d", len(payload), crcRecordSize)
	}
	return binary.BigEndian.Uint32(payload), nil
}

func encodeSync() []byte {
	return []byte{byte(types.RecordSync)}
}

// recordPayloadSize returns the payload length for kind, or -1 if kind is
// not recognised.
func recordPayloadSize(kind types.RecordKind) int {
	switch kind {
	case types.RecordLocation:
		return locationRecordSize
	case types.RecordSCOCRC, types.RecordTLogCRC:
		return crcRecordSize
	case types.RecordSync:
		return 0
	default:
		return -1
	}
}
