package coordinator

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/vdisk/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Store is the cluster-wide state the Coordinator's raft FSM applies
// commands against: who owns each object, each node's reachability, and
// the volume-engine state each owning node last reported for its object.
// A BoltStore backs every node's copy; raft keeps the copies identical.
type Store interface {
	RegisterObject(reg *types.ObjectRegistration) error
	GetObject(id string) (*types.ObjectRegistration, error)
	ListObjects() ([]*types.ObjectRegistration, error)
	DeleteObject(id string) error

	// AdvanceOwnerTag bumps id's OwnerTag past expected, fencing out any
	// writer still holding expected or older. It fails if the object's
	// current tag does not equal expected, so a racing migration loses.
	AdvanceOwnerTag(id string, expected types.OwnerTag) (types.OwnerTag, error)

	SetNodeStatus(nodeID string, status types.NodeStatus) error
	GetNodeStatus(nodeID string) (types.NodeStatus, error)
	ListNodeStatuses() (map[string]types.NodeStatus, error)

	SetVolumeState(objectID string, state types.VolumeState) error
	ListVolumeStates() (map[string]types.VolumeState, error)

	Close() error
}

var (
	bucketObjects      = []byte("objects")
	bucketNodeStatus   = []byte("node_status")
	bucketVolumeStates = []byte("volume_states")
)

// BoltStore implements Store on top of bbolt, one file per node, kept in
// lockstep by raft log replication.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the coordinator's state database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "coordinator.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketNodeStatus, bucketVolumeStates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) RegisterObject(reg *types.ObjectRegistration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketObjects).Put([]byte(reg.ObjectID), data)
	})
}

func (s *BoltStore) GetObject(id string) (*types.ObjectRegistration, error) {
	var reg types.ObjectRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrObjectNotFound, "object %q not registered", id)
		}
		return json.Unmarshal(data, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *BoltStore) ListObjects() ([]*types.ObjectRegistration, error) {
	var out []*types.ObjectRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, v []byte) error {
			var reg types.ObjectRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			out = append(out, &reg)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteObject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(id))
	})
}

func (s *BoltStore) AdvanceOwnerTag(id string, expected types.OwnerTag) (types.OwnerTag, error) {
	var next types.OwnerTag
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrObjectNotFound, "object %q not registered", id)
		}
		var reg types.ObjectRegistration
		if err := json.Unmarshal(data, &reg); err != nil {
			return err
		}
		if reg.OwnerTag != expected {
			return types.NewError(types.ErrInvalidOperation, "owner tag for %q is %d, not the expected %d", id, reg.OwnerTag, expected)
		}
		reg.OwnerTag++
		next = reg.OwnerTag
		out, err := json.Marshal(&reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return next, err
}

func (s *BoltStore) SetNodeStatus(nodeID string, status types.NodeStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeStatus).Put([]byte(nodeID), []byte(status))
	})
}

func (s *BoltStore) GetNodeStatus(nodeID string) (types.NodeStatus, error) {
	var status types.NodeStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNodeStatus).Get([]byte(nodeID))
		if v == nil {
			return types.NewError(types.ErrObjectNotFound, "node %q has no recorded status", nodeID)
		}
		status = types.NodeStatus(v)
		return nil
	})
	return status, err
}

func (s *BoltStore) ListNodeStatuses() (map[string]types.NodeStatus, error) {
	out := make(map[string]types.NodeStatus)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeStatus).ForEach(func(k, v []byte) error {
			out[string(k)] = types.NodeStatus(v)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SetVolumeState(objectID string, state types.VolumeState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumeStates).Put([]byte(objectID), []byte(state))
	})
}

func (s *BoltStore) ListVolumeStates() (map[string]types.VolumeState, error) {
	out := make(map[string]types.VolumeState)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumeStates).ForEach(func(k, v []byte) error {
			out[string(k)] = types.VolumeState(v)
			return nil
		})
	})
	return out, err
}
