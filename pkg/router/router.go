// Package router implements the Object Registry and Router: per-node
// registration caching, redirect-on-miss request routing, and the
// voluntary/stealing/automatic migration protocols that move a volume's
// ownership between peer nodes (spec.md §4.7). It consults
// pkg/coordinator for the authoritative registration and owner-tag
// sequence but never embeds raft itself.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

// CoordinatorClient is the subset of pkg/coordinator.Coordinator the
// router needs. Narrowed to an interface so router tests don't have to
// stand up a real raft group.
type CoordinatorClient interface {
	GetObject(id string) (*types.ObjectRegistration, error)
	RegisterObject(reg types.ObjectRegistration) error
	AdvanceOwnerTag(id string, expected types.OwnerTag) (types.OwnerTag, error)
	NodeStatus(nodeID string) (types.NodeStatus, error)
}

// Quiescer is implemented by pkg/volumeengine. Migrate calls it to drain
// the write path and persist snapshot state before handing ownership off.
type Quiescer interface {
	// Quiesce stops the write path and waits for in-flight backend
	// uploads, flushes the Snapshot Persistor, and returns once the
	// volume is safe to hand off, or ctx expires first.
	Quiesce(ctx context.Context, objectID string) error
	// TeardownLocal releases the node's in-memory state for objectID
	// after ownership has moved elsewhere.
	TeardownLocal(objectID string) error
}

// DefaultWriteThreshold and DefaultReadThreshold are the remote-access
// counts (spec.md §4.7's remote_write_count/remote_read_count) past which
// Router.RecordRemoteAccess reports that automatic migration should run.
const (
	DefaultWriteThreshold = 1000
	DefaultReadThreshold  = 5000
)

type accessCounters struct {
	remoteWrites uint64
	remoteReads  uint64
}

// Router owns one node's registration cache and access counters.
type Router struct {
	nodeID string
	coord  CoordinatorClient
	broker *events.Broker
	logger zerolog.Logger

	writeThreshold uint64
	readThreshold  uint64

	mu       sync.Mutex
	cache    map[string]types.ObjectRegistration
	counters map[string]*accessCounters
}

// New creates a Router for this node. broker may be nil, in which case
// Migrate/Steal simply skip publishing EventOwnerChanged.
func New(nodeID string, coord CoordinatorClient, broker *events.Broker, writeThreshold, readThreshold uint64) *Router {
	if writeThreshold == 0 {
		writeThreshold = DefaultWriteThreshold
	}
	if readThreshold == 0 {
		readThreshold = DefaultReadThreshold
	}
	return &Router{
		nodeID:         nodeID,
		coord:          coord,
		broker:         broker,
		logger:         log.WithComponent("router"),
		writeThreshold: writeThreshold,
		readThreshold:  readThreshold,
		cache:          make(map[string]types.ObjectRegistration),
		counters:       make(map[string]*accessCounters),
	}
}

// publishOwnerChanged emits spec.md §6's OwnerChanged(id, from, to, tag)
// event for a successful owner-tag advance, whether from voluntary
// migration or stealing from an offline owner.
func (r *Router) publishOwnerChanged(id, from, to string, oldTag, newTag types.OwnerTag) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:         events.EventOwnerChanged,
		VolumeID:     id,
		OldOwnerNode: from,
		NewOwnerNode: to,
		OldOwnerTag:  oldTag,
		NewOwnerTag:  newTag,
	})
}

// Lookup resolves id's current registration. If it is owned by another
// node, it returns that node's RedirectInfo instead of an error — the
// caller (the management surface or an internal forwarding path) is
// responsible for retrying against the redirect up to its own bounded
// depth.
func (r *Router) Lookup(id string) (types.ObjectRegistration, *types.RedirectInfo, error) {
	reg, err := r.registration(id)
	if err != nil {
		return types.ObjectRegistration{}, nil, err
	}
	if reg.OwnerNode == r.nodeID {
		return reg, nil, nil
	}
	return reg, &types.RedirectInfo{Host: reg.OwnerNode}, nil
}

// Invalidate drops id's cached registration, forcing the next Lookup to
// consult the coordinator. Callers invoke this after an ObjectNotRunningHere
// response from a peer that turned out to be stale.
func (r *Router) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *Router) registration(id string) (types.ObjectRegistration, error) {
	r.mu.Lock()
	cached, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	reg, err := r.coord.GetObject(id)
	if err != nil {
		return types.ObjectRegistration{}, err
	}
	r.mu.Lock()
	r.cache[id] = *reg
	r.mu.Unlock()
	return *reg, nil
}

// FenceCheck is a pure monotonic-counter comparison: it fails if tag is
// older than the registration's cached OwnerTag. No coordinator round trip
// and no handshake with the current owner — the original source's
// OwnerTagTest confirms fencing works this way, a local compare-and-reject
// at the moment of a backend object write.
func (r *Router) FenceCheck(id string, tag types.OwnerTag) error {
	r.mu.Lock()
	cached, ok := r.cache[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if tag.Less(cached.OwnerTag) {
		return types.NewError(types.ErrInvalidOperation, "owner tag %d for %q is fenced out by current tag %d", tag, id, cached.OwnerTag)
	}
	return nil
}

// RecordRemoteAccess tallies a request this node forwarded to object id's
// remote owner, and reports whether the accumulated count just crossed
// the automatic-migration threshold for that kind of access.
func (r *Router) RecordRemoteAccess(id string, isWrite bool) (shouldMigrate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.counters[id]
	if !ok {
		c = &accessCounters{}
		r.counters[id] = c
	}
	if isWrite {
		c.remoteWrites++
		if c.remoteWrites == r.writeThreshold {
			return true
		}
	} else {
		c.remoteReads++
		if c.remoteReads == r.readThreshold {
			return true
		}
	}
	return false
}

// ResetAccessCounters clears id's remote-access tally, called once a
// migration driven by RecordRemoteAccess's signal has completed.
func (r *Router) ResetAccessCounters(id string) {
	r.mu.Lock()
	delete(r.counters, id)
	r.mu.Unlock()
}

// Migrate moves ownership of id from this node to toNode, following
// spec.md §4.7's voluntary-migration protocol: quiesce, CAS the
// registration to a fresh OwnerTag, tear down local state. If force is
// true the quiesce step (and its backend_sync_timeout) is skipped —
// callers use this for stealing from an Offline owner, never from an
// Online one.
func (r *Router) Migrate(ctx context.Context, id, toNode string, force bool, q Quiescer) error {
	reg, err := r.coord.GetObject(id)
	if err != nil {
		return fmt.Errorf("router: migrate %s: %w", id, err)
	}
	if reg.OwnerNode != r.nodeID {
		return types.NewError(types.ErrInvalidOperation, "node %q does not own %q (owner is %q)", r.nodeID, id, reg.OwnerNode)
	}

	if !force {
		if err := q.Quiesce(ctx, id); err != nil {
			return types.NewError(types.ErrRemoteTimeout, "quiesce %q before migration: %v", id, err)
		}
	}

	newTag, err := r.coord.AdvanceOwnerTag(id, reg.OwnerTag)
	if err != nil {
		return fmt.Errorf("router: advance owner tag for %s: %w", id, err)
	}

	updated := *reg
	updated.OwnerNode = toNode
	updated.OwnerTag = newTag
	if err := r.coord.RegisterObject(updated); err != nil {
		return fmt.Errorf("router: register new owner for %s: %w", id, err)
	}

	if err := q.TeardownLocal(id); err != nil {
		r.logger.Warn().Err(err).Str("object", id).Msg("teardown after migration reported an error")
	}

	r.mu.Lock()
	delete(r.cache, id)
	delete(r.counters, id)
	r.mu.Unlock()

	r.publishOwnerChanged(id, r.nodeID, toNode, reg.OwnerTag, newTag)
	r.logger.Info().Str("object", id).Str("from", r.nodeID).Str("to", toNode).Uint64("tag", uint64(newTag)).Msg("ownership migrated")
	return nil
}

// Steal takes ownership of id from an Offline owner without quiescing it
// first — the original owner is presumed unreachable, so recovery must
// proceed from the DTL and backend state instead. It refuses to run
// against an Online owner.
func (r *Router) Steal(ctx context.Context, id string, q Quiescer) error {
	reg, err := r.coord.GetObject(id)
	if err != nil {
		return fmt.Errorf("router: steal %s: %w", id, err)
	}

	status, err := r.coord.NodeStatus(reg.OwnerNode)
	if err != nil {
		return fmt.Errorf("router: steal %s: node status for %s: %w", id, reg.OwnerNode, err)
	}
	if status != types.NodeOffline {
		return types.NewError(types.ErrInvalidOperation, "cannot steal %q from %q: owner is %s, not Offline", id, reg.OwnerNode, status)
	}

	newTag, err := r.coord.AdvanceOwnerTag(id, reg.OwnerTag)
	if err != nil {
		return fmt.Errorf("router: advance owner tag for %s: %w", id, err)
	}

	updated := *reg
	updated.OwnerNode = r.nodeID
	updated.OwnerTag = newTag
	if err := r.coord.RegisterObject(updated); err != nil {
		return fmt.Errorf("router: register new owner for %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()

	r.publishOwnerChanged(id, reg.OwnerNode, r.nodeID, reg.OwnerTag, newTag)
	r.logger.Info().Str("object", id).Str("from", reg.OwnerNode).Str("to", r.nodeID).Uint64("tag", uint64(newTag)).Msg("ownership stolen from offline node")
	return nil
}

// backendSyncTimeout is the default bound on Migrate's quiesce step. The
// volumeengine's Quiescer implementation is expected to honor whatever
// deadline ctx carries; this constant documents the spec's default value
// for callers that don't set one explicitly.
const backendSyncTimeout = 30 * time.Second

// WithBackendSyncTimeout returns a context bounded by the default
// backend_sync_timeout, for callers that don't have a more specific
// deadline of their own.
func WithBackendSyncTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, backendSyncTimeout)
}
