// Package scocache implements the SCO Cache: a local on-disk cache of
// Storage Container Objects fetched from, or pending upload to, the
// backend. It fronts every SCO read/write the volume engine performs so
// that steady-state I/O never touches the backend.
//
// The cache is organised as one or more mount points (independent
// directories, typically one per local disk). Occupancy is tracked against
// one total capacity shared by all mount points; there is no per-mount-point
// capacity, and the mount points form a single tier. A trigger/backoff gap
// applies to that total: eviction starts
// once usage crosses the trigger fraction and runs until it falls back
// below the backoff fraction, avoiding the thrash of evicting down to
// exactly the trigger line only to immediately cross it again. The
// eviction sweeper itself follows the teacher's reconciler: a ticker-driven
// background loop guarded by a stop channel.
package scocache

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config parameterises a Cache.
type Config struct {
	// MountPoints are the local directories backing the cache. Each is
	// used round-robin for newly created SCOs.
	MountPoints []string
	// CapacityBytes is the total capacity across all mount points.
	CapacityBytes uint64
	// TriggerFraction is the occupancy fraction (0..1) at which eviction
	// starts.
	TriggerFraction float64
	// BackoffFraction is the occupancy fraction (0..1) eviction runs down
	// to before stopping. Must be < TriggerFraction.
	BackoffFraction float64
	// SweepInterval is how often the eviction sweeper wakes up to check
	// occupancy.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TriggerFraction == 0 {
		c.TriggerFraction = 0.9
	}
	if c.BackoffFraction == 0 {
		c.BackoffFraction = 0.7
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// entry tracks one cached SCO.
type entry struct {
	key         string
	sizeBytes   uint64
	mountPoint  string
	disposable  bool // false while the SCO is open for write (non-disposable)
	refs        int
	lruElem     *list.Element
}

// Cache is the SCO Cache for one volume namespace.
type Cache struct {
	cfg    Config
	backend backend.Backend
	logger zerolog.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	occupied   uint64
	nextMount  int
	stopCh     chan struct{}
}

// New creates a Cache over backend be for the given namespace-scoped
// config. Mount point directories are created if missing.
func New(cfg Config, be backend.Backend) (*Cache, error) {
	cfg = cfg.withDefaults()
	if len(cfg.MountPoints) == 0 {
		return nil, fmt.Errorf("scocache: at least one mount point required")
	}
	if cfg.BackoffFraction >= cfg.TriggerFraction {
		return nil, fmt.Errorf("scocache: backoff fraction must be less than trigger fraction")
	}

	for _, mp := range cfg.MountPoints {
		if err := os.MkdirAll(mp, 0o755); err != nil {
			return nil, fmt.Errorf("scocache: create mount point %s: %w", mp, err)
		}
	}

	return &Cache{
		cfg:     cfg,
		backend: be,
		logger:  log.WithComponent("scocache"),
		entries: make(map[string]*entry),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins the background eviction sweeper.
func (c *Cache) Start() {
	go c.sweepLoop()
}

// Stop stops the eviction sweeper.
func (c *Cache) Stop() {
	close(c.stopCh)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	triggerBytes := uint64(float64(c.cfg.CapacityBytes) * c.cfg.TriggerFraction)
	if c.occupied < triggerBytes {
		return
	}
	backoffBytes := uint64(float64(c.cfg.CapacityBytes) * c.cfg.BackoffFraction)

	c.logger.Debug().
		Uint64("occupied", c.occupied).
		Uint64("trigger", triggerBytes).
		Msg("sco cache eviction triggered")

	for elem := c.lru.Back(); elem != nil && c.occupied > backoffBytes; {
		e := elem.Value.(*entry)
		prev := elem.Prev()

		if !e.disposable || e.refs > 0 {
			elem = prev
			continue
		}

		c.evictLocked(e)
		elem = prev
	}
}

func (c *Cache) evictLocked(e *entry) {
	c.lru.Remove(e.lruElem)
	delete(c.entries, e.key)
	c.occupied -= e.sizeBytes
	metrics.SCOCacheEvictionsTotal.Inc()
	_ = os.Remove(filepath.Join(e.mountPoint, e.key))
	c.updateFillRatioLocked()
}

func (c *Cache) updateFillRatioLocked() {
	metrics.SCOCacheOccupiedBytes.Set(float64(c.occupied))
	if c.cfg.CapacityBytes > 0 {
		metrics.SCOCacheFillRatio.Set(float64(c.occupied) / float64(c.cfg.CapacityBytes))
	}
}

// Fetch returns a reader for the SCO at key, populating the cache from the
// backend on a miss. The caller must close the returned reader when done;
// closing it releases the entry's pin.
func (c *Cache) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.lru.MoveToFront(e.lruElem)
		e.refs++
		c.mu.Unlock()
		return c.open(e)
	}
	c.mu.Unlock()

	return c.fetchMiss(ctx, key)
}

func (c *Cache) open(e *entry) (io.ReadCloser, error) {
	path := filepath.Join(e.mountPoint, e.key)
	f, err := os.Open(path)
	if err != nil {
		c.mu.Lock()
		e.refs--
		c.mu.Unlock()
		return nil, fmt.Errorf("scocache: open cached entry: %w", err)
	}
	return &releasingReader{ReadCloser: f, cache: c, entry: e}, nil
}

func (c *Cache) fetchMiss(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("scocache: backend fetch %s: %w", key, err)
	}
	defer rc.Close()

	mp := c.pickMountPoint()
	dst := filepath.Join(mp, key)
	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("scocache: create cache file: %w", err)
	}

	n, err := io.Copy(f, rc)
	f.Close()
	if err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("scocache: write cache file: %w", err)
	}

	c.mu.Lock()
	e := &entry{key: key, sizeBytes: uint64(n), mountPoint: mp, disposable: true, refs: 1}
	e.lruElem = c.lru.PushFront(e)
	c.entries[key] = e
	c.occupied += e.sizeBytes
	c.updateFillRatioLocked()
	c.mu.Unlock()

	return c.open(e)
}

func (c *Cache) pickMountPoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	mp := c.cfg.MountPoints[c.nextMount%len(c.cfg.MountPoints)]
	c.nextMount++
	return mp
}

// Put stores data as a non-disposable SCO under key — used while a SCO is
// still open for write and must never be evicted. Call MarkDisposable once
// the SCO has been synced to the backend.
func (c *Cache) Put(key string, data io.Reader) (uint64, error) {
	mp := c.pickMountPoint()
	dst := filepath.Join(mp, key)

	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("scocache: create entry: %w", err)
	}
	n, err := io.Copy(f, data)
	f.Close()
	if err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("scocache: write entry: %w", err)
	}

	c.mu.Lock()
	e := &entry{key: key, sizeBytes: uint64(n), mountPoint: mp, disposable: false}
	e.lruElem = c.lru.PushFront(e)
	c.entries[key] = e
	c.occupied += e.sizeBytes
	c.updateFillRatioLocked()
	c.mu.Unlock()

	return uint64(n), nil
}

// MarkDisposable allows key to be evicted once it falls out of the LRU
// window. Call this after the SCO has been durably synced to the backend.
func (c *Cache) MarkDisposable(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.disposable = true
	}
}

// Evict drops key from the cache unconditionally (used after a backend
// sync failure forces a redownload, or on namespace teardown).
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.evictLocked(e)
	}
}

// Path returns the local path of a cached SCO, or "" if not resident.
func (c *Cache) Path(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return filepath.Join(e.mountPoint, e.key)
	}
	return ""
}

type releasingReader struct {
	io.ReadCloser
	cache *Cache
	entry *entry
}

func (r *releasingReader) Close() error {
	err := r.ReadCloser.Close()
	r.cache.mu.Lock()
	r.entry.refs--
	r.cache.mu.Unlock()
	return err
}
