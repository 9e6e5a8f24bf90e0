package volumeengine

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/cuemby/vdisk/pkg/tlog"
	"github.com/cuemby/vdisk/pkg/types"
)

// Write implements spec.md §4.8's write path for a run of clusters starting
// at addr. data's length must be a whole multiple of the volume's cluster
// size; addr must itself be cluster-aligned (callers translate LBA
// alignment before reaching here, per the front-end's own validation).
func (e *Engine) Write(ctx context.Context, addr types.ClusterAddress, data []byte) error {
	if e.Halted() {
		return types.NewError(types.ErrInvalidOperation, "volume %s is halted", e.cfg.VolumeConfig.ID)
	}
	clusterSize := e.cfg.VolumeConfig.ClusterSize()
	if clusterSize == 0 || uint64(len(data))%clusterSize != 0 {
		return types.NewError(types.ErrInvalidOperation, "write of %d bytes is not a multiple of cluster size %d", len(data), clusterSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n := uint64(len(data)) / clusterSize
	for i := uint64(0); i < n; i++ {
		cluster := data[i*clusterSize : (i+1)*clusterSize]
		clusterAddr := addr + types.ClusterAddress(i)
		if err := e.writeClusterLocked(ctx, clusterAddr, cluster); err != nil {
			e.halt(fmt.Sprintf("write failure at cluster %d: %v", clusterAddr, err))
			return err
		}
	}

	// Ack only after the local TLog append is fsynced, and after a
	// synchronous DTL ack if configured, per spec.md §4.8 step 6. Synchronous
	// mirroring is acked per cluster inside writeClusterLocked; here we only
	// need the final fsync, since AppendLocation's bytes aren't durable
	// until Sync is called.
	if err := e.currentTLog.Sync(); err != nil {
		e.halt(fmt.Sprintf("tlog sync failure: %v", err))
		return fmt.Errorf("volumeengine: sync tlog: %w", err)
	}
	return nil
}

func (e *Engine) writeClusterLocked(ctx context.Context, addr types.ClusterAddress, cluster []byte) error {
	hash := contentHash(cluster)
	clusterOffset := e.currentSCO.appendCluster(cluster)
	loc := types.ClusterLocation{
		SCONumber:       e.currentSCONumber,
		CloneGeneration: types.CloneGeneration(0),
		Offset:          clusterOffset,
	}

	if err := e.currentTLog.AppendLocation(addr, loc, hash); err != nil {
		return fmt.Errorf("append tlog location: %w", err)
	}
	e.entriesInTLog++

	if e.cfg.DTLClient != nil {
		e.seq++
		if err := e.cfg.DTLClient.Send(ctx, e.seq, addr, loc, hash, cluster); err != nil {
			// The local append already succeeded: spec.md §4.4 has the volume
			// degrade and keep serving I/O without durability rather than
			// halt over a DTL peer going away.
			e.dtlDegradeLocked(err)
		}
	}

	if e.cfg.VolumeConfig.ClusterCacheMode != "" && e.cfg.ClusterCache != nil &&
		e.cfg.VolumeConfig.ClusterCacheBehaviour == types.CacheBehaviourCacheOnWrite {
		clh := types.ClusterLocationAndHash{Location: loc, Hash: hash}
		e.cfg.ClusterCache.PutByContent(hash, loc)
		e.cfg.ClusterCache.PutByLocation(e.cfg.CacheHandle, addr, clh)
	}

	if err := e.cfg.MetadataStore.Put(ctx, addr, types.ClusterLocationAndHash{Location: loc, Hash: hash}); err != nil {
		return fmt.Errorf("update metadata store: %w", err)
	}

	if e.currentSCO.full() {
		if err := e.rolloverSCOLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// rolloverSCOLocked seals the current SCO, offers it to the uploader, and
// opens a fresh one. If the TLog has also reached its entry limit it rolls
// that over too, corking the MetaData Store across the swap.
func (e *Engine) rolloverSCOLocked(ctx context.Context) error {
	if err := e.currentTLog.SealSCO(); err != nil {
		return fmt.Errorf("seal sco boundary: %w", err)
	}

	key := scoKey(0, e.currentSCONumber)
	sealed := e.currentSCO.bytes()
	if _, err := e.cfg.SCOCache.Put(key, bytes.NewReader(sealed)); err != nil {
		return fmt.Errorf("cache sealed sco: %w", err)
	}

	be, cache := e.cfg.Backend, e.cfg.SCOCache
	e.cfg.Pool.Submit("sco", func(uploadCtx context.Context) error {
		if err := be.Put(uploadCtx, key, bytes.NewReader(sealed), true); err != nil {
			return fmt.Errorf("upload sco %s: %w", key, err)
		}
		cache.MarkDisposable(key)
		return nil
	})

	scoBuf := newSCOBuffer(e.cfg.VolumeConfig.SCOSize())
	scoBuf.configure(e.cfg.VolumeConfig.ClusterSize(), e.cfg.VolumeConfig.SCOMultiplier)
	e.currentSCO = scoBuf
	e.currentSCONumber++

	if e.entriesInTLog >= e.cfg.VolumeConfig.MaxTLogEntries() {
		return e.rolloverTLogLocked(ctx)
	}
	return nil
}

func (e *Engine) rolloverTLogLocked(ctx context.Context) error {
	sealedID := e.currentTLogID
	if err := e.currentTLog.Seal(); err != nil {
		return fmt.Errorf("seal tlog %s: %w", sealedID, err)
	}

	dir, be, mgr := e.cfg.TLogDir, e.cfg.Backend, e.cfg.SnapshotMgr
	path := dir + "/" + sealedID.FileName()
	e.cfg.Pool.Submit("tlog", func(uploadCtx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open sealed tlog %s: %w", sealedID, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat sealed tlog %s: %w", sealedID, err)
		}
		if err := be.Put(uploadCtx, sealedID.FileName(), f, true); err != nil {
			return fmt.Errorf("upload tlog %s: %w", sealedID, err)
		}
		if mgr != nil {
			if err := mgr.MarkDurable(uploadCtx, sealedID, uint64(info.Size())); err != nil {
				return fmt.Errorf("mark tlog %s durable: %w", sealedID, err)
			}
		}
		return nil
	})

	if err := e.cfg.MetadataStore.Cork(); err != nil {
		return fmt.Errorf("cork metadata store: %w", err)
	}

	newID := types.TLogID(uuid.NewString())
	w, err := tlog.Create(dir, newID)
	if err != nil {
		return fmt.Errorf("open next tlog %s: %w", newID, err)
	}
	e.currentTLog = w
	e.currentTLogID = newID
	e.entriesInTLog = 0

	if mgr != nil {
		if err := mgr.AppendTLog(ctx, newID); err != nil {
			return fmt.Errorf("record new tlog %s: %w", newID, err)
		}
	}

	if err := e.cfg.MetadataStore.Uncork(ctx); err != nil {
		return fmt.Errorf("uncork metadata store: %w", err)
	}

	metrics.TLogSealsTotal.Inc()
	return nil
}

// dtlDegradeLocked transitions the volume to Degraded on a DTL peer
// failure, per spec.md §4.4: I/O continues without durability rather than
// halting. Callers must already hold e.mu.
func (e *Engine) dtlDegradeLocked(err error) {
	e.dtlState = types.DtlDegraded

	e.logger.Warn().Err(err).Msg("dtl peer unreachable, volume is now degraded")
	if e.cfg.Broker != nil {
		e.cfg.Broker.Publish(&events.Event{
			Type:     events.EventDtlStateChanged,
			VolumeID: e.cfg.VolumeConfig.ID,
			DtlState: types.DtlDegraded,
		})
	}
}
