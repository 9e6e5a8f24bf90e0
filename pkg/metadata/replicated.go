package metadata

import (
	"context"
	"fmt"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

// ReplicatedStore writes synchronously to a Local store and a Remote store,
// reading from Local and falling back to Remote on a miss. This is the
// shape used while a newly migrated owner's LocalStore is still warming up:
// reads for addresses it hasn't replayed yet still resolve correctly
// against the previous owner's store.
type ReplicatedStore struct {
	local  *LocalStore
	remote *RemoteStore
	logger zerolog.Logger
}

// NewReplicatedStore pairs local and remote into one Store.
func NewReplicatedStore(local *LocalStore, remote *RemoteStore) *ReplicatedStore {
	return &ReplicatedStore{
		local:  local,
		remote: remote,
		logger: log.WithComponent("metadata-replicated"),
	}
}

func (s *ReplicatedStore) Get(ctx context.Context, addr types.ClusterAddress) (types.ClusterLocationAndHash, bool, error) {
	clh, ok, err := s.local.Get(ctx, addr)
	if err != nil {
		return types.ClusterLocationAndHash{}, false, err
	}
	if ok {
		return clh, true, nil
	}

	clh, ok, err = s.remote.Get(ctx, addr)
	if err != nil {
		s.logger.Warn().Err(err).Msg("replicated store: remote fallback read failed")
		return types.ClusterLocationAndHash{}, false, nil
	}
	return clh, ok, nil
}

func (s *ReplicatedStore) Put(ctx context.Context, addr types.ClusterAddress, clh types.ClusterLocationAndHash) error {
	if err := s.local.Put(ctx, addr, clh); err != nil {
		return fmt.Errorf("replicated store: local put: %w", err)
	}
	if err := s.remote.Put(ctx, addr, clh); err != nil {
		return fmt.Errorf("replicated store: remote put: %w", err)
	}
	return nil
}

func (s *ReplicatedStore) Cork() error {
	if err := s.local.Cork(); err != nil {
		return err
	}
	if err := s.remote.Cork(); err != nil {
		_ = s.local.Uncork(context.Background())
		return err
	}
	return nil
}

func (s *ReplicatedStore) Uncork(ctx context.Context) error {
	errLocal := s.local.Uncork(ctx)
	errRemote := s.remote.Uncork(ctx)
	if errLocal != nil {
		return fmt.Errorf("replicated store: local uncork: %w", errLocal)
	}
	if errRemote != nil {
		return fmt.Errorf("replicated store: remote uncork: %w", errRemote)
	}
	return nil
}

func (s *ReplicatedStore) Corked() bool {
	return s.local.Corked()
}

func (s *ReplicatedStore) Close() error {
	errLocal := s.local.Close()
	errRemote := s.remote.Close()
	if errLocal != nil {
		return errLocal
	}
	return errRemote
}
