package volumeengine

import "github.com/cuemby/vdisk/pkg/types"

// scoKey returns the backend/SCO-cache object name for one SCO, following
// spec.md §4.1's convention: "<clone_byte>_<sco_number>_00".
func scoKey(gen types.CloneGeneration, n types.SCONumber) string {
	return formatSCOKey(gen, n)
}

func formatSCOKey(gen types.CloneGeneration, n types.SCONumber) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, 24)
	buf = append(buf, hexDigits[gen>>4], hexDigits[gen&0xf], '_')
	buf = appendHexUint64(buf, uint64(n))
	buf = append(buf, '_', '0', '0')
	return string(buf)
}

func appendHexUint64(buf []byte, v uint64) []byte {
	const hexDigits = "0123456789abcdef"
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return append(buf, tmp[i:]...)
}

// scoBuffer accumulates clusters for the current open SCO before it is
// handed to the SCO Cache as a single object.
type scoBuffer struct {
	data          []byte
	clusterSize   uint64
	clusterCap    uint32 // clusters per SCO (sco_multiplier)
	clustersFilled uint32
}

func newSCOBuffer(sizeBytes uint64) *scoBuffer {
	return &scoBuffer{data: make([]byte, 0, sizeBytes)}
}

// configure sets the per-cluster geometry once the volume configuration is
// known, split out from newSCOBuffer so tests can build small buffers.
func (b *scoBuffer) configure(clusterSize uint64, clustersPerSCO uint32) {
	b.clusterSize = clusterSize
	b.clusterCap = clustersPerSCO
}

// appendCluster adds one cluster's worth of data and reports the offset
// (in clusters) it was written at.
func (b *scoBuffer) appendCluster(data []byte) uint32 {
	offset := b.clustersFilled
	b.data = append(b.data, data...)
	b.clustersFilled++
	return offset
}

func (b *scoBuffer) full() bool {
	return b.clustersFilled >= b.clusterCap
}

func (b *scoBuffer) bytes() []byte {
	return b.data
}
