package metadata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

var bucketClusters = []byte("clusters")

// LocalStore is a bbolt-backed Store for one volume namespace, fronted by
// an LRU cache of recently touched addresses.
type LocalStore struct {
	db     *bolt.DB
	cache  *lru.Cache
	logger zerolog.Logger

	mu      sync.Mutex
	corked  bool
	pending map[types.ClusterAddress]types.ClusterLocationAndHash
}

// NewLocalStore opens (creating if absent) the bbolt-backed store for
// volumeID under dataDir, with an LRU cache of cacheSize addresses.
func NewLocalStore(dataDir, volumeID string, cacheSize int) (*LocalStore, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}

	dbPath := filepath.Join(dataDir, volumeID+"-mds.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClusters)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: create bucket: %w", err)
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: new cache: %w", err)
	}

	return &LocalStore{
		db:      db,
		cache:   cache,
		logger:  log.WithVolumeID(volumeID),
		pending: make(map[types.ClusterAddress]types.ClusterLocationAndHash),
	}, nil
}

func addrKey(addr types.ClusterAddress) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(addr))
	return b[:]
}

func (s *LocalStore) Get(_ context.Context, addr types.ClusterAddress) (types.ClusterLocationAndHash, bool, error) {
	s.mu.Lock()
	if s.corked {
		if clh, ok := s.pending[addr]; ok {
			s.mu.Unlock()
			return clh, true, nil
		}
	}
	s.mu.Unlock()

	if v, ok := s.cache.Get(addr); ok {
		return v.(types.ClusterLocationAndHash), true, nil
	}

	var clh types.ClusterLocationAndHash
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get(addrKey(addr))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &clh)
	})
	if err != nil {
		return types.ClusterLocationAndHash{}, false, fmt.Errorf("metadata: get %d: %w", addr, err)
	}
	if found {
		s.cache.Add(addr, clh)
	}
	return clh, found, nil
}

func (s *LocalStore) Put(_ context.Context, addr types.ClusterAddress, clh types.ClusterLocationAndHash) error {
	s.mu.Lock()
	if s.corked {
		s.pending[addr] = clh
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.persist(addr, clh); err != nil {
		return err
	}
	s.cache.Add(addr, clh)
	return nil
}

func (s *LocalStore) persist(addr types.ClusterAddress, clh types.ClusterLocationAndHash) error {
	data, err := json.Marshal(clh)
	if err != nil {
		return fmt.Errorf("metadata: marshal %d: %w", addr, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Put(addrKey(addr), data)
	})
	if err != nil {
		return fmt.Errorf("metadata: put %d: %w", addr, err)
	}
	return nil
}

func (s *LocalStore) Cork() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corked {
		return fmt.Errorf("metadata: already corked")
	}
	s.corked = true
	s.logger.Debug().Msg("metadata store corked")
	return nil
}

func (s *LocalStore) Uncork(_ context.Context) error {
	s.mu.Lock()
	if !s.corked {
		s.mu.Unlock()
		return fmt.Errorf("metadata: not corked")
	}
	pending := s.pending
	s.pending = make(map[types.ClusterAddress]types.ClusterLocationAndHash)
	s.corked = false
	s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		for addr, clh := range pending {
			data, err := json.Marshal(clh)
			if err != nil {
				return fmt.Errorf("metadata: marshal %d: %w", addr, err)
			}
			if err := b.Put(addrKey(addr), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metadata: uncork flush: %w", err)
	}

	for addr, clh := range pending {
		s.cache.Add(addr, clh)
	}

	s.logger.Debug().Int("flushed", len(pending)).Msg("metadata store uncorked")
	return nil
}

func (s *LocalStore) Corked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corked
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}
