package api

import "github.com/cuemby/vdisk/pkg/types"

// Every request carries ClusterID: the caller's expectation of which
// cluster it is talking to. A mismatch against this node's own cluster id
// is an immediate error rather than a silently misrouted RPC.
//
// Every response may carry a non-nil Redirect: the caller contacted a node
// that isn't (or is no longer) responsible for the object, and should retry
// against Redirect.Host/Redirect.Port, up to a bounded depth.

// CreateVolumeRequest creates a brand-new volume.
type CreateVolumeRequest struct {
	ClusterID string
	Config    types.VolumeConfiguration
}

// CreateVolumeResponse is create_volume's response.
type CreateVolumeResponse struct {
	Redirect *types.RedirectInfo
}

// CreateCloneRequest creates a new volume cloned from a parent's snapshot.
type CreateCloneRequest struct {
	ClusterID      string
	Config         types.VolumeConfiguration
	ParentID       string
	ParentSnapshot string
}

// CreateCloneResponse is create_clone's response.
type CreateCloneResponse struct {
	Redirect *types.RedirectInfo
}

// DestroyRequest removes a volume.
type DestroyRequest struct {
	ClusterID string
	ID        string
	Options   types.DestroyOptions
}

// DestroyResponse is destroy's response.
type DestroyResponse struct {
	Redirect *types.RedirectInfo
}

// CreateSnapshotRequest takes a named snapshot.
type CreateSnapshotRequest struct {
	ClusterID string
	ID        string
	Name      string
	Metadata  map[string]string
}

// CreateSnapshotResponse is create_snapshot's response.
type CreateSnapshotResponse struct {
	Snapshot types.Snapshot
	Redirect *types.RedirectInfo
}

// ListSnapshotsRequest lists a volume's snapshots.
type ListSnapshotsRequest struct {
	ClusterID string
	ID        string
}

// ListSnapshotsResponse is list_snapshots's response.
type ListSnapshotsResponse struct {
	Snapshots []types.Snapshot
	Redirect  *types.RedirectInfo
}

// RestoreSnapshotRequest rolls a volume back to a named snapshot.
type RestoreSnapshotRequest struct {
	ClusterID string
	ID        string
	Name      string
}

// RestoreSnapshotResponse is restore_snapshot's response.
type RestoreSnapshotResponse struct {
	Redirect *types.RedirectInfo
}

// DeleteSnapshotRequest tombstones a named snapshot.
type DeleteSnapshotRequest struct {
	ClusterID string
	ID        string
	Name      string
}

// DeleteSnapshotResponse is delete_snapshot's response.
type DeleteSnapshotResponse struct {
	Redirect *types.RedirectInfo
}

// MigrateRequest hands a volume's ownership to another node.
type MigrateRequest struct {
	ClusterID string
	ID        string
	ToNode    string
	Force     bool
}

// MigrateResponse is migrate's response.
type MigrateResponse struct {
	Redirect *types.RedirectInfo
}

// StopRequest quiesces and tears down a volume's local state.
type StopRequest struct {
	ClusterID   string
	ID          string
	DeleteLocal bool
}

// StopResponse is stop's response.
type StopResponse struct {
	Redirect *types.RedirectInfo
}

// RestartRequest reopens a volume's local runtime state.
type RestartRequest struct {
	ClusterID string
	ID        string
	Force     bool
	Config    types.VolumeConfiguration
}

// RestartResponse is restart's response.
type RestartResponse struct {
	Redirect *types.RedirectInfo
}

// MarkNodeRequest changes the coordinator's view of a node's reachability.
type MarkNodeRequest struct {
	ClusterID string
	NodeID    string
}

// MarkNodeResponse is mark_node_online/mark_node_offline's response.
type MarkNodeResponse struct{}

// JoinClusterRequest is sent by a node bootstrapping itself onto an
// existing cluster, addressed to the cluster's current leader. It is not
// one of spec.md §6's object-scoped verbs: it has no ID and is never
// redirected, since only the leader can add a raft voter.
type JoinClusterRequest struct {
	ClusterID string
	NodeID    string
	BindAddr  string
	Token     string
}

// JoinClusterResponse is join_cluster's response.
type JoinClusterResponse struct{}

// SetFailoverCacheConfigRequest attaches or detaches a volume's DTL peer. A
// nil DtlConfig detaches it.
type SetFailoverCacheConfigRequest struct {
	ClusterID string
	ID        string
	DtlConfig *types.DtlConfig
}

// SetFailoverCacheConfigResponse is set_failover_cache_config's response.
type SetFailoverCacheConfigResponse struct {
	Redirect *types.RedirectInfo
}

// SetClusterCacheModeRequest changes a volume's Cluster Cache keying scheme.
type SetClusterCacheModeRequest struct {
	ClusterID string
	ID        string
	Mode      types.ClusterCacheMode
}

// SetClusterCacheModeResponse is set_cluster_cache_mode's response.
type SetClusterCacheModeResponse struct {
	Redirect *types.RedirectInfo
}

// SetClusterCacheBehaviourRequest changes when a volume's Cluster Cache is
// populated.
type SetClusterCacheBehaviourRequest struct {
	ClusterID string
	ID        string
	Behaviour types.ClusterCacheBehaviour
}

// SetClusterCacheBehaviourResponse is set_cluster_cache_behaviour's response.
type SetClusterCacheBehaviourResponse struct {
	Redirect *types.RedirectInfo
}

// SetClusterCacheLimitRequest changes a volume's Cluster Cache entry limit.
type SetClusterCacheLimitRequest struct {
	ClusterID string
	ID        string
	Limit     int
}

// SetClusterCacheLimitResponse is set_cluster_cache_limit's response.
type SetClusterCacheLimitResponse struct {
	Redirect *types.RedirectInfo
}

// SetSCOMultiplierRequest changes a volume's clusters-per-SCO.
type SetSCOMultiplierRequest struct {
	ClusterID string
	ID        string
	N         uint32
}

// SetSCOMultiplierResponse is set_sco_multiplier's response.
type SetSCOMultiplierResponse struct {
	Redirect *types.RedirectInfo
}

// SetTLogMultiplierRequest changes a volume's SCOs-per-TLog.
type SetTLogMultiplierRequest struct {
	ClusterID string
	ID        string
	N         uint32
}

// SetTLogMultiplierResponse is set_tlog_multiplier's response.
type SetTLogMultiplierResponse struct {
	Redirect *types.RedirectInfo
}

// ScheduleBackendSyncRequest forces an out-of-band TLog rollover.
type ScheduleBackendSyncRequest struct {
	ClusterID string
	ID        string
}

// ScheduleBackendSyncResponse returns the id of the TLog that was sealed.
type ScheduleBackendSyncResponse struct {
	TLogID   types.TLogID
	Redirect *types.RedirectInfo
}

// IsSyncedUpToRequest asks whether a TLog has reached the backend.
type IsSyncedUpToRequest struct {
	ClusterID string
	ID        string
	TLogID    types.TLogID
}

// IsSyncedUpToResponse is is_synced_up_to's response.
type IsSyncedUpToResponse struct {
	Synced   bool
	Redirect *types.RedirectInfo
}

// JoinCluster has no object to route to; AddVoter only ever succeeds on
// the leader, so it has no redirectable response below.

// RedirectTarget is implemented by every object-scoped response so
// pkg/client can follow a single generic retry loop instead of repeating
// the same redirect check in each of its per-verb wrappers.
type RedirectTarget interface {
	RedirectInfo() *types.RedirectInfo
}

func (r *CreateVolumeResponse) RedirectInfo() *types.RedirectInfo             { return r.Redirect }
func (r *CreateCloneResponse) RedirectInfo() *types.RedirectInfo              { return r.Redirect }
func (r *DestroyResponse) RedirectInfo() *types.RedirectInfo                  { return r.Redirect }
func (r *CreateSnapshotResponse) RedirectInfo() *types.RedirectInfo           { return r.Redirect }
func (r *ListSnapshotsResponse) RedirectInfo() *types.RedirectInfo            { return r.Redirect }
func (r *RestoreSnapshotResponse) RedirectInfo() *types.RedirectInfo          { return r.Redirect }
func (r *DeleteSnapshotResponse) RedirectInfo() *types.RedirectInfo           { return r.Redirect }
func (r *MigrateResponse) RedirectInfo() *types.RedirectInfo                  { return r.Redirect }
func (r *StopResponse) RedirectInfo() *types.RedirectInfo                     { return r.Redirect }
func (r *RestartResponse) RedirectInfo() *types.RedirectInfo                  { return r.Redirect }
func (r *SetFailoverCacheConfigResponse) RedirectInfo() *types.RedirectInfo   { return r.Redirect }
func (r *SetClusterCacheModeResponse) RedirectInfo() *types.RedirectInfo      { return r.Redirect }
func (r *SetClusterCacheBehaviourResponse) RedirectInfo() *types.RedirectInfo { return r.Redirect }
func (r *SetClusterCacheLimitResponse) RedirectInfo() *types.RedirectInfo     { return r.Redirect }
func (r *SetSCOMultiplierResponse) RedirectInfo() *types.RedirectInfo         { return r.Redirect }
func (r *SetTLogMultiplierResponse) RedirectInfo() *types.RedirectInfo        { return r.Redirect }
func (r *ScheduleBackendSyncResponse) RedirectInfo() *types.RedirectInfo      { return r.Redirect }
func (r *IsSyncedUpToResponse) RedirectInfo() *types.RedirectInfo            { return r.Redirect }
