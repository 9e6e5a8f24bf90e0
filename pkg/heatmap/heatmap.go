// Package heatmap tracks per-SCO read-access frequency so a backend
// restart can prefetch the SCOs most likely to be read next, instead of
// pulling cold data in arbitrary order. Scores decay exponentially so
// recent activity always outweighs old bursts, mirroring the original
// source's SCOAccessData table.
package heatmap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/types"
)

// ObjectName is the fixed backend object name for a volume namespace's
// persisted heatmap.
const ObjectName = "sco_access_data"

// DefaultHalfLife is how long it takes an untouched SCO's score to decay
// to half its value.
const DefaultHalfLife = 10 * time.Minute

// Map tracks access scores for a volume's SCOs.
type Map struct {
	mu       sync.Mutex
	scores   map[types.SCONumber]float64
	lastSeen map[types.SCONumber]time.Time
	halfLife time.Duration
	now      func() time.Time
}

// New creates an empty Map with the given half-life.
func New(halfLife time.Duration) *Map {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Map{
		scores:   make(map[types.SCONumber]float64),
		lastSeen: make(map[types.SCONumber]time.Time),
		halfLife: halfLife,
		now:      time.Now,
	}
}

func (m *Map) decayLocked(sco types.SCONumber, at time.Time) float64 {
	score, ok := m.scores[sco]
	if !ok {
		return 0
	}
	elapsed := at.Sub(m.lastSeen[sco])
	if elapsed <= 0 {
		return score
	}
	factor := halfLifeFactor(elapsed, m.halfLife)
	return score * factor
}

func halfLifeFactor(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	ratio := float64(elapsed) / float64(halfLife)
	return math.Pow(0.5, ratio)
}

// RecordAccess bumps sco's score by one unit of read activity, decaying
// its previous score first.
func (m *Map) RecordAccess(sco types.SCONumber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	decayed := m.decayLocked(sco, now)
	m.scores[sco] = decayed + 1
	m.lastSeen[sco] = now
}

// Score returns sco's current (decayed) score.
func (m *Map) Score(sco types.SCONumber) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decayLocked(sco, m.now())
}

// TopN returns up to n SCOs ordered by descending current score, for
// prefetch ordering on backend restart.
func (m *Map) TopN(n int) []types.SCONumber {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	type scored struct {
		sco   types.SCONumber
		score float64
	}
	all := make([]scored, 0, len(m.scores))
	for sco := range m.scores {
		all = append(all, scored{sco: sco, score: m.decayLocked(sco, now)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	if n > len(all) {
		n = len(all)
	}
	out := make([]types.SCONumber, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].sco
	}
	return out
}

// wireEntry is the persisted (sco_number, score, last_seen_unix) triple.
type wireEntry struct {
	SCO      uint64
	Score    float64
	LastSeen int64
}

const wireEntrySize = 8 + 8 + 8

func (m *Map) marshal() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, 0, len(m.scores)*wireEntrySize)
	for sco, score := range m.scores {
		var entry [wireEntrySize]byte
		binary.BigEndian.PutUint64(entry[0:8], uint64(sco))
		binary.BigEndian.PutUint64(entry[8:16], math.Float64bits(score))
		binary.BigEndian.PutUint64(entry[16:24], uint64(m.lastSeen[sco].Unix()))
		buf = append(buf, entry[:]...)
	}
	return buf
}

func (m *Map) unmarshal(data []byte) error {
	if len(data)%wireEntrySize != 0 {
		return fmt.Errorf("heatmap: corrupt data (%d bytes is not a multiple of %d)", len(data), wireEntrySize)
	}

	scores := make(map[types.SCONumber]float64)
	lastSeen := make(map[types.SCONumber]time.Time)
	for off := 0; off < len(data); off += wireEntrySize {
		entry := data[off : off+wireEntrySize]
		sco := types.SCONumber(binary.BigEndian.Uint64(entry[0:8]))
		score := math.Float64frombits(binary.BigEndian.Uint64(entry[8:16]))
		seen := time.Unix(int64(binary.BigEndian.Uint64(entry[16:24])), 0)
		scores[sco] = score
		lastSeen[sco] = seen
	}

	m.mu.Lock()
	m.scores = scores
	m.lastSeen = lastSeen
	m.mu.Unlock()
	return nil
}

// Save persists the heatmap to be.
func (m *Map) Save(ctx context.Context, be backend.Backend) error {
	data := m.marshal()
	if err := be.Put(ctx, ObjectName, bytes.NewReader(data), false); err != nil {
		return fmt.Errorf("heatmap: save: %w", err)
	}
	return nil
}

// Load replaces this Map's contents with the persisted heatmap from be, if
// one exists. A missing object is not an error.
func (m *Map) Load(ctx context.Context, be backend.Backend) error {
	exists, err := be.Exists(ctx, ObjectName)
	if err != nil {
		return fmt.Errorf("heatmap: exists: %w", err)
	}
	if !exists {
		return nil
	}

	r, err := be.Get(ctx, ObjectName)
	if err != nil {
		return fmt.Errorf("heatmap: get: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("heatmap: read: %w", err)
	}
	return m.unmarshal(data)
}
