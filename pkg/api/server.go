package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/cuemby/vdisk/pkg/router"
	"github.com/cuemby/vdisk/pkg/rpcx"
	"github.com/cuemby/vdisk/pkg/security"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/cuemby/vdisk/pkg/volumehost"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServiceName is the grpc service name the management surface is
// registered under.
const ServiceName = "vdisk.Management"

// Server implements the vdisk Management gRPC service: every verb of
// spec.md §6 routed through pkg/router to find the object's current owner,
// and dispatched to pkg/volumehost when this node is that owner.
type Server struct {
	clusterID string
	host      *volumehost.Host
	router    *router.Router
	grpc      *grpc.Server
}

// NewServer creates a new Management API server with mTLS, mirroring the
// teacher's certificate loading sequence for a node's own identity and its
// cluster CA.
func NewServer(clusterID, nodeID string, host *volumehost.Host, rtr *router.Router) (*Server, error) {
	certDir, err := security.GetCertDir("node", nodeID)
	if err != nil {
		return nil, fmt.Errorf("api: get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("api: node certificate not found at %s, ensure cluster is initialized", certDir)
	}

	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("api: load node certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("api: load ca certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)
	grpcServer := grpc.NewServer(grpc.Creds(creds))

	s := &Server{
		clusterID: clusterID,
		host:      host,
		router:    rtr,
		grpc:      grpcServer,
	}
	grpcServer.RegisterService(s.serviceDesc(), s)
	return s, nil
}

// Serve starts accepting connections on lis, blocking until the grpc
// server stops.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the grpc server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) checkCluster(clusterID string) error {
	if clusterID != s.clusterID {
		return types.NewError(types.ErrInvalidOperation, "expected cluster %q, got %q", s.clusterID, clusterID)
	}
	return nil
}

// redirect resolves id's owner through the router. A non-nil result means
// this node is not the owner and the call should not proceed locally.
func (s *Server) redirect(id string) (*types.RedirectInfo, error) {
	_, ri, err := s.router.Lookup(id)
	if err != nil {
		return nil, err
	}
	return ri, nil
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return rpcx.NewServiceDesc(ServiceName, (*managementServer)(nil),
		rpcx.Method("CreateVolume", s.CreateVolume),
		rpcx.Method("CreateClone", s.CreateClone),
		rpcx.Method("Destroy", s.Destroy),
		rpcx.Method("CreateSnapshot", s.CreateSnapshot),
		rpcx.Method("ListSnapshots", s.ListSnapshots),
		rpcx.Method("RestoreSnapshot", s.RestoreSnapshot),
		rpcx.Method("DeleteSnapshot", s.DeleteSnapshot),
		rpcx.Method("Migrate", s.Migrate),
		rpcx.Method("Stop", s.Stop),
		rpcx.Method("Restart", s.Restart),
		rpcx.Method("MarkNodeOnline", s.MarkNodeOnline),
		rpcx.Method("MarkNodeOffline", s.MarkNodeOffline),
		rpcx.Method("SetFailoverCacheConfig", s.SetFailoverCacheConfig),
		rpcx.Method("SetClusterCacheMode", s.SetClusterCacheMode),
		rpcx.Method("SetClusterCacheBehaviour", s.SetClusterCacheBehaviour),
		rpcx.Method("SetClusterCacheLimit", s.SetClusterCacheLimit),
		rpcx.Method("SetSCOMultiplier", s.SetSCOMultiplier),
		rpcx.Method("SetTLogMultiplier", s.SetTLogMultiplier),
		rpcx.Method("ScheduleBackendSync", s.ScheduleBackendSync),
		rpcx.Method("IsSyncedUpTo", s.IsSyncedUpTo),
		rpcx.Method("JoinCluster", s.JoinCluster),
	)
}

// managementServer is the HandlerType grpc.ServiceDesc records. It carries
// no behaviour of its own: *Server implements every method pkg/rpcx.Method
// closes over directly rather than by interface dispatch.
type managementServer struct{}

func (s *Server) CreateVolume(ctx context.Context, req *CreateVolumeRequest) (*CreateVolumeResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if err := s.host.CreateVolume(ctx, req.Config); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &CreateVolumeResponse{}, nil
}

func (s *Server) CreateClone(ctx context.Context, req *CreateCloneRequest) (*CreateCloneResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if err := s.host.CreateClone(ctx, req.Config, req.ParentID, req.ParentSnapshot); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &CreateCloneResponse{}, nil
}

func (s *Server) Destroy(ctx context.Context, req *DestroyRequest) (*DestroyResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &DestroyResponse{Redirect: ri}, nil
	}
	if err := s.host.Destroy(ctx, req.ID, req.Options); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &DestroyResponse{}, nil
}

func (s *Server) CreateSnapshot(ctx context.Context, req *CreateSnapshotRequest) (*CreateSnapshotResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &CreateSnapshotResponse{Redirect: ri}, nil
	}
	snap, err := s.host.CreateSnapshot(ctx, req.ID, req.Name, req.Metadata)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &CreateSnapshotResponse{Snapshot: snap}, nil
}

func (s *Server) ListSnapshots(ctx context.Context, req *ListSnapshotsRequest) (*ListSnapshotsResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &ListSnapshotsResponse{Redirect: ri}, nil
	}
	snaps, err := s.host.ListSnapshots(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &ListSnapshotsResponse{Snapshots: snaps}, nil
}

func (s *Server) RestoreSnapshot(ctx context.Context, req *RestoreSnapshotRequest) (*RestoreSnapshotResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &RestoreSnapshotResponse{Redirect: ri}, nil
	}
	if err := s.host.RestoreSnapshot(ctx, req.ID, req.Name); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &RestoreSnapshotResponse{}, nil
}

func (s *Server) DeleteSnapshot(ctx context.Context, req *DeleteSnapshotRequest) (*DeleteSnapshotResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &DeleteSnapshotResponse{Redirect: ri}, nil
	}
	if err := s.host.DeleteSnapshot(ctx, req.ID, req.Name); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &DeleteSnapshotResponse{}, nil
}

func (s *Server) Migrate(ctx context.Context, req *MigrateRequest) (*MigrateResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &MigrateResponse{Redirect: ri}, nil
	}
	if err := s.host.Migrate(ctx, req.ID, req.ToNode, req.Force); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &MigrateResponse{}, nil
}

func (s *Server) Stop(ctx context.Context, req *StopRequest) (*StopResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &StopResponse{Redirect: ri}, nil
	}
	if err := s.host.Stop(ctx, req.ID, req.DeleteLocal); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &StopResponse{}, nil
}

func (s *Server) Restart(ctx context.Context, req *RestartRequest) (*RestartResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if err := s.host.Restart(ctx, req.ID, req.Config); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &RestartResponse{}, nil
}

func (s *Server) MarkNodeOnline(ctx context.Context, req *MarkNodeRequest) (*MarkNodeResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if err := s.host.SetNodeStatus(req.NodeID, types.NodeOnline); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &MarkNodeResponse{}, nil
}

func (s *Server) MarkNodeOffline(ctx context.Context, req *MarkNodeRequest) (*MarkNodeResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if err := s.host.SetNodeStatus(req.NodeID, types.NodeOffline); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &MarkNodeResponse{}, nil
}

func (s *Server) SetFailoverCacheConfig(ctx context.Context, req *SetFailoverCacheConfigRequest) (*SetFailoverCacheConfigResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &SetFailoverCacheConfigResponse{Redirect: ri}, nil
	}
	if err := s.host.SetFailoverCacheConfig(ctx, req.ID, req.DtlConfig); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &SetFailoverCacheConfigResponse{}, nil
}

func (s *Server) SetClusterCacheMode(ctx context.Context, req *SetClusterCacheModeRequest) (*SetClusterCacheModeResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &SetClusterCacheModeResponse{Redirect: ri}, nil
	}
	if err := s.host.SetClusterCacheMode(req.ID, req.Mode); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &SetClusterCacheModeResponse{}, nil
}

func (s *Server) SetClusterCacheBehaviour(ctx context.Context, req *SetClusterCacheBehaviourRequest) (*SetClusterCacheBehaviourResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &SetClusterCacheBehaviourResponse{Redirect: ri}, nil
	}
	if err := s.host.SetClusterCacheBehaviour(req.ID, req.Behaviour); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &SetClusterCacheBehaviourResponse{}, nil
}

func (s *Server) SetClusterCacheLimit(ctx context.Context, req *SetClusterCacheLimitRequest) (*SetClusterCacheLimitResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &SetClusterCacheLimitResponse{Redirect: ri}, nil
	}
	if err := s.host.SetClusterCacheLimit(req.ID, req.Limit); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &SetClusterCacheLimitResponse{}, nil
}

func (s *Server) SetSCOMultiplier(ctx context.Context, req *SetSCOMultiplierRequest) (*SetSCOMultiplierResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &SetSCOMultiplierResponse{Redirect: ri}, nil
	}
	if err := s.host.SetSCOMultiplier(req.ID, req.N); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &SetSCOMultiplierResponse{}, nil
}

func (s *Server) SetTLogMultiplier(ctx context.Context, req *SetTLogMultiplierRequest) (*SetTLogMultiplierResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &SetTLogMultiplierResponse{Redirect: ri}, nil
	}
	if err := s.host.SetTLogMultiplier(req.ID, req.N); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &SetTLogMultiplierResponse{}, nil
}

func (s *Server) ScheduleBackendSync(ctx context.Context, req *ScheduleBackendSyncRequest) (*ScheduleBackendSyncResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &ScheduleBackendSyncResponse{Redirect: ri}, nil
	}
	id, err := s.host.ScheduleBackendSync(ctx, req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &ScheduleBackendSyncResponse{TLogID: id}, nil
}

func (s *Server) IsSyncedUpTo(ctx context.Context, req *IsSyncedUpToRequest) (*IsSyncedUpToResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	ri, err := s.redirect(req.ID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if ri != nil {
		return &IsSyncedUpToResponse{Redirect: ri}, nil
	}
	synced, err := s.host.IsSyncedUpTo(req.ID, req.TLogID)
	if err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &IsSyncedUpToResponse{Synced: synced}, nil
}

// JoinCluster adds the requesting node as a raft voter. It is only ever
// served by the current leader: on a follower, coordinator.AddVoter
// refuses with a not-the-leader error, which reaches the caller as an
// Internal status rather than being forwarded.
//
// TODO: validate req.Token once pkg/security grows a join-token store for
// this domain; today any caller that can reach the leader can join.
func (s *Server) JoinCluster(ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error) {
	if err := s.checkCluster(req.ClusterID); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	if err := s.host.AddVoter(req.NodeID, req.BindAddr); err != nil {
		return nil, rpcx.ToStatus(err)
	}
	return &JoinClusterResponse{}, nil
}
