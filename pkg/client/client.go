package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cuemby/vdisk/pkg/api"
	"github.com/cuemby/vdisk/pkg/rpcx"
	"github.com/cuemby/vdisk/pkg/security"
	"github.com/cuemby/vdisk/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// maxRedirectHops bounds how many times a single call follows a
// RedirectInfo before giving up: ownership that keeps moving between
// every retry means something else is wrong.
const maxRedirectHops = 2

// Client wraps the vdisk Management gRPC service for CLI and
// node-to-node use.
type Client struct {
	clusterID string
	tlsConfig *tls.Config
	conn      *grpc.ClientConn
}

// NewClient creates a new Management client with mTLS, using the CLI
// certificate on disk.
func NewClient(clusterID, addr string) (*Client, error) {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return nil, fmt.Errorf("client: get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("client: certificate not found at %s, join the cluster first", certDir)
	}

	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: load certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: load ca certificate: %w", err)
	}
	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := dial(addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	return &Client{clusterID: clusterID, tlsConfig: tlsConfig, conn: conn}, nil
}

func dial(addr string, tlsConfig *tls.Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(tlsConfig)
	return grpc.Dial(addr, grpc.WithTransportCredentials(creds))
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// redial drops the current connection and opens a new one to addr,
// reusing the same TLS identity. Called when a response redirects the
// caller to a different node.
func (c *Client) redial(addr string) error {
	conn, err := dial(addr, c.tlsConfig)
	if err != nil {
		return err
	}
	_ = c.conn.Close()
	c.conn = conn
	return nil
}

// callRedirecting invokes method, following up to maxRedirectHops
// RedirectInfo responses by redialing the indicated node and retrying.
func callRedirecting[Req any, Resp any, PResp interface {
	*Resp
	api.RedirectTarget
}](c *Client, ctx context.Context, method string, req *Req) (*Resp, error) {
	fullMethod := rpcx.FullMethod(api.ServiceName, method)
	for hop := 0; ; hop++ {
		resp, err := rpcx.Call[Req, Resp](ctx, c.conn, fullMethod, req)
		if err != nil {
			return nil, err
		}
		ri := PResp(resp).RedirectInfo()
		if ri == nil {
			return resp, nil
		}
		if hop >= maxRedirectHops {
			return nil, fmt.Errorf("client: %s exceeded %d redirect hops", method, maxRedirectHops)
		}
		if err := c.redial(fmt.Sprintf("%s:%d", ri.Host, ri.Port)); err != nil {
			return nil, fmt.Errorf("client: follow redirect to %s: %w", ri.Host, err)
		}
	}
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// CreateVolume creates a brand-new volume.
func (c *Client) CreateVolume(cfg types.VolumeConfiguration) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.CreateVolumeRequest, api.CreateVolumeResponse](c, ctx, "CreateVolume", &api.CreateVolumeRequest{
		ClusterID: c.clusterID,
		Config:    cfg,
	})
	return err
}

// CreateClone creates a new volume cloned from a parent's snapshot.
func (c *Client) CreateClone(cfg types.VolumeConfiguration, parentID, parentSnapshot string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.CreateCloneRequest, api.CreateCloneResponse](c, ctx, "CreateClone", &api.CreateCloneRequest{
		ClusterID:      c.clusterID,
		Config:         cfg,
		ParentID:       parentID,
		ParentSnapshot: parentSnapshot,
	})
	return err
}

// Destroy removes a volume.
func (c *Client) Destroy(id string, opts types.DestroyOptions) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.DestroyRequest, api.DestroyResponse](c, ctx, "Destroy", &api.DestroyRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Options:   opts,
	})
	return err
}

// CreateSnapshot takes a named snapshot of a volume.
func (c *Client) CreateSnapshot(id, name string, metadata map[string]string) (types.Snapshot, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := callRedirecting[api.CreateSnapshotRequest, api.CreateSnapshotResponse](c, ctx, "CreateSnapshot", &api.CreateSnapshotRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Name:      name,
		Metadata:  metadata,
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	return resp.Snapshot, nil
}

// ListSnapshots lists a volume's snapshots.
func (c *Client) ListSnapshots(id string) ([]types.Snapshot, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := callRedirecting[api.ListSnapshotsRequest, api.ListSnapshotsResponse](c, ctx, "ListSnapshots", &api.ListSnapshotsRequest{
		ClusterID: c.clusterID,
		ID:        id,
	})
	if err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// RestoreSnapshot rolls a volume back to a named snapshot.
func (c *Client) RestoreSnapshot(id, name string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.RestoreSnapshotRequest, api.RestoreSnapshotResponse](c, ctx, "RestoreSnapshot", &api.RestoreSnapshotRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Name:      name,
	})
	return err
}

// DeleteSnapshot removes a named snapshot.
func (c *Client) DeleteSnapshot(id, name string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.DeleteSnapshotRequest, api.DeleteSnapshotResponse](c, ctx, "DeleteSnapshot", &api.DeleteSnapshotRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Name:      name,
	})
	return err
}

// Migrate hands a volume's ownership to another node.
func (c *Client) Migrate(id, toNode string, force bool) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.MigrateRequest, api.MigrateResponse](c, ctx, "Migrate", &api.MigrateRequest{
		ClusterID: c.clusterID,
		ID:        id,
		ToNode:    toNode,
		Force:     force,
	})
	return err
}

// Stop quiesces and tears down a volume's local state.
func (c *Client) Stop(id string, deleteLocal bool) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.StopRequest, api.StopResponse](c, ctx, "Stop", &api.StopRequest{
		ClusterID:   c.clusterID,
		ID:          id,
		DeleteLocal: deleteLocal,
	})
	return err
}

// Restart reopens a volume's local runtime state.
func (c *Client) Restart(id string, cfg types.VolumeConfiguration) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.RestartRequest, api.RestartResponse](c, ctx, "Restart", &api.RestartRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Config:    cfg,
	})
	return err
}

// MarkNodeOnline marks a node as reachable again.
func (c *Client) MarkNodeOnline(nodeID string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := rpcx.Call[api.MarkNodeRequest, api.MarkNodeResponse](ctx, c.conn, rpcx.FullMethod(api.ServiceName, "MarkNodeOnline"), &api.MarkNodeRequest{
		ClusterID: c.clusterID,
		NodeID:    nodeID,
	})
	return err
}

// MarkNodeOffline marks a node as unreachable.
func (c *Client) MarkNodeOffline(nodeID string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := rpcx.Call[api.MarkNodeRequest, api.MarkNodeResponse](ctx, c.conn, rpcx.FullMethod(api.ServiceName, "MarkNodeOffline"), &api.MarkNodeRequest{
		ClusterID: c.clusterID,
		NodeID:    nodeID,
	})
	return err
}

// SetFailoverCacheConfig attaches or detaches a volume's DTL peer. A nil
// cfg detaches it.
func (c *Client) SetFailoverCacheConfig(id string, cfg *types.DtlConfig) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.SetFailoverCacheConfigRequest, api.SetFailoverCacheConfigResponse](c, ctx, "SetFailoverCacheConfig", &api.SetFailoverCacheConfigRequest{
		ClusterID: c.clusterID,
		ID:        id,
		DtlConfig: cfg,
	})
	return err
}

// SetClusterCacheMode changes a volume's Cluster Cache keying scheme.
func (c *Client) SetClusterCacheMode(id string, mode types.ClusterCacheMode) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.SetClusterCacheModeRequest, api.SetClusterCacheModeResponse](c, ctx, "SetClusterCacheMode", &api.SetClusterCacheModeRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Mode:      mode,
	})
	return err
}

// SetClusterCacheBehaviour changes when a volume's Cluster Cache is
// populated.
func (c *Client) SetClusterCacheBehaviour(id string, behaviour types.ClusterCacheBehaviour) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.SetClusterCacheBehaviourRequest, api.SetClusterCacheBehaviourResponse](c, ctx, "SetClusterCacheBehaviour", &api.SetClusterCacheBehaviourRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Behaviour: behaviour,
	})
	return err
}

// SetClusterCacheLimit changes a volume's Cluster Cache entry limit.
func (c *Client) SetClusterCacheLimit(id string, limit int) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.SetClusterCacheLimitRequest, api.SetClusterCacheLimitResponse](c, ctx, "SetClusterCacheLimit", &api.SetClusterCacheLimitRequest{
		ClusterID: c.clusterID,
		ID:        id,
		Limit:     limit,
	})
	return err
}

// SetSCOMultiplier changes a volume's clusters-per-SCO.
func (c *Client) SetSCOMultiplier(id string, n uint32) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.SetSCOMultiplierRequest, api.SetSCOMultiplierResponse](c, ctx, "SetSCOMultiplier", &api.SetSCOMultiplierRequest{
		ClusterID: c.clusterID,
		ID:        id,
		N:         n,
	})
	return err
}

// SetTLogMultiplier changes a volume's SCOs-per-TLog.
func (c *Client) SetTLogMultiplier(id string, n uint32) error {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := callRedirecting[api.SetTLogMultiplierRequest, api.SetTLogMultiplierResponse](c, ctx, "SetTLogMultiplier", &api.SetTLogMultiplierRequest{
		ClusterID: c.clusterID,
		ID:        id,
		N:         n,
	})
	return err
}

// ScheduleBackendSync forces an out-of-band TLog rollover and returns the
// id of the TLog that was sealed.
func (c *Client) ScheduleBackendSync(id string) (types.TLogID, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := callRedirecting[api.ScheduleBackendSyncRequest, api.ScheduleBackendSyncResponse](c, ctx, "ScheduleBackendSync", &api.ScheduleBackendSyncRequest{
		ClusterID: c.clusterID,
		ID:        id,
	})
	if err != nil {
		return "", err
	}
	return resp.TLogID, nil
}

// IsSyncedUpTo reports whether tlogID has reached the backend.
func (c *Client) IsSyncedUpTo(id string, tlogID types.TLogID) (bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := callRedirecting[api.IsSyncedUpToRequest, api.IsSyncedUpToResponse](c, ctx, "IsSyncedUpTo", &api.IsSyncedUpToRequest{
		ClusterID: c.clusterID,
		ID:        id,
		TLogID:    tlogID,
	})
	if err != nil {
		return false, err
	}
	return resp.Synced, nil
}

// JoinCluster asks leaderAddr's node to add this node as a raft voter.
// It satisfies pkg/coordinator.JoinRequester.
func (c *Client) JoinCluster(nodeID, bindAddr, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := rpcx.Call[api.JoinClusterRequest, api.JoinClusterResponse](ctx, c.conn, rpcx.FullMethod(api.ServiceName, "JoinCluster"), &api.JoinClusterRequest{
		ClusterID: c.clusterID,
		NodeID:    nodeID,
		BindAddr:  bindAddr,
		Token:     token,
	})
	return err
}
