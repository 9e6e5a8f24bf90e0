package volumeengine

import (
	"context"
	"fmt"
	"io"

	"github.com/cuemby/vdisk/pkg/types"
)

// Read implements spec.md §4.8's read path, returning n clusters' worth of
// data starting at addr. WriteOnly volumes reject every read outright.
func (e *Engine) Read(ctx context.Context, addr types.ClusterAddress, n int) ([]byte, error) {
	if e.Halted() {
		return nil, types.NewError(types.ErrInvalidOperation, "volume %s is halted", e.cfg.VolumeConfig.ID)
	}
	if e.cfg.VolumeConfig.Role == types.RoleWriteOnly {
		return nil, types.NewError(types.ErrInvalidOperation, "volume %s is write-only", e.cfg.VolumeConfig.ID)
	}

	clusterSize := e.cfg.VolumeConfig.ClusterSize()
	out := make([]byte, 0, uint64(n)*clusterSize)

	for i := 0; i < n; i++ {
		clusterAddr := addr + types.ClusterAddress(i)
		data, err := e.readCluster(ctx, clusterAddr)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (e *Engine) readCluster(ctx context.Context, addr types.ClusterAddress) ([]byte, error) {
	clusterSize := e.cfg.VolumeConfig.ClusterSize()

	if e.cfg.ClusterCache != nil {
		if clh, ok := e.cfg.ClusterCache.GetByLocation(e.cfg.CacheHandle, addr); ok {
			if clh.IsZero() {
				return make([]byte, clusterSize), nil
			}
			data, err := e.fetchCluster(ctx, clh.Location, clusterSize)
			if err != nil {
				return nil, err
			}
			if e.cfg.VolumeConfig.ClusterCacheMode == types.ClusterCacheContentBased {
				if contentHash(data) != clh.Hash {
					e.halt(fmt.Sprintf("cluster cache content mismatch at %d", addr))
					return nil, types.NewError(types.ErrInvalidOperation, "content hash mismatch for cluster %d", addr)
				}
			}
			return data, nil
		}
	}

	clh, ok, err := e.cfg.MetadataStore.Get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("volumeengine: metadata lookup for cluster %d: %w", addr, err)
	}
	if !ok || clh.IsZero() {
		if e.cfg.Parent != nil && e.cfg.VolumeConfig.HasParent() {
			return e.cfg.Parent.Read(ctx, addr, 1)
		}
		return make([]byte, clusterSize), nil
	}

	data, err := e.fetchCluster(ctx, clh.Location, clusterSize)
	if err != nil {
		return nil, err
	}

	if contentHash(data) != clh.Hash {
		e.halt(fmt.Sprintf("content hash mismatch reading cluster %d from sco %d", addr, clh.Location.SCONumber))
		return nil, types.NewError(types.ErrInvalidOperation, "content hash mismatch for cluster %d", addr)
	}

	e.recordAccess(clh.Location.SCONumber)

	if e.cfg.ClusterCache != nil && e.cfg.VolumeConfig.ClusterCacheMode == types.ClusterCacheLocationBased {
		e.cfg.ClusterCache.PutByLocation(e.cfg.CacheHandle, addr, clh)
	}

	return data, nil
}

// fetchCluster pulls one cluster's bytes out of the SCO identified by
// loc, fetching the whole SCO through the SCO Cache (which itself falls
// back to the backend on a miss).
func (e *Engine) fetchCluster(ctx context.Context, loc types.ClusterLocation, clusterSize uint64) ([]byte, error) {
	key := scoKey(loc.CloneGeneration, loc.SCONumber)

	rc, err := e.cfg.SCOCache.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("volumeengine: fetch sco %s: %w", key, err)
	}
	defer rc.Close()

	start := int64(loc.Offset) * int64(clusterSize)
	if _, err := io.CopyN(io.Discard, rc, start); err != nil {
		return nil, fmt.Errorf("volumeengine: seek to cluster offset in sco %s: %w", key, err)
	}

	buf := make([]byte, clusterSize)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, fmt.Errorf("volumeengine: read cluster from sco %s: %w", key, err)
	}
	return buf, nil
}
