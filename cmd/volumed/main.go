package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/vdisk/pkg/api"
	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/backend/localbackend"
	"github.com/cuemby/vdisk/pkg/backend/s3backend"
	"github.com/cuemby/vdisk/pkg/client"
	"github.com/cuemby/vdisk/pkg/coordinator"
	"github.com/cuemby/vdisk/pkg/events"
	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/cuemby/vdisk/pkg/router"
	"github.com/cuemby/vdisk/pkg/security"
	"github.com/cuemby/vdisk/pkg/volumeengine"
	"github.com/cuemby/vdisk/pkg/volumehost"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volumed",
	Short: "volumed - clustered block storage node daemon",
	Long: `volumed runs one node of a vdisk cluster: the raft-backed object
coordinator, the object router, and every volume this node currently owns,
reached through a single mTLS gRPC management surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"volumed version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(certCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the vdisk cluster this node belongs to",
}

func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("cluster-id", "", "Cluster identifier, shared by every node (required)")
	cmd.Flags().String("node-id", "", "This node's identifier (required)")
	cmd.Flags().String("raft-addr", "127.0.0.1:7946", "Bind address for the coordinator's raft transport")
	cmd.Flags().String("api-addr", "0.0.0.0:7373", "Listen address for the management gRPC surface")
	cmd.Flags().String("data-dir", "/var/lib/vdisk", "Local data directory for raft state and volume data")
	cmd.Flags().String("backend", "local", "Object storage backend: local or s3")
	cmd.Flags().String("backend-root", "", "Root path for the local backend (default: <data-dir>/backend)")
	cmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint (leave empty for AWS S3)")
	cmd.Flags().String("s3-region", "us-east-1", "S3 region")
	cmd.Flags().String("s3-bucket", "", "S3 bucket name")
	cmd.Flags().String("s3-access-key", "", "S3 access key ID")
	cmd.Flags().String("s3-secret-key", "", "S3 secret access key")
	cmd.Flags().Bool("s3-path-style", false, "Use path-style S3 addressing (required by most MinIO deployments)")
	cmd.Flags().Uint64("sco-cache-bytes", 4<<30, "SCO Cache capacity per volume, in bytes")
	cmd.Flags().Int("cluster-cache-entries", 100000, "Cluster Cache entry capacity per volume")
	cmd.Flags().Int("upload-pool-size", 8, "Concurrent SCO upload workers shared across volumes")
	_ = cmd.MarkFlagRequired("cluster-id")
	_ = cmd.MarkFlagRequired("node-id")
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new vdisk cluster with this node as its first member",
	Long: `Initialize generates the cluster's certificate authority, issues this
node's own certificate and a CLI certificate, bootstraps a single-voter
coordinator raft group, and starts serving the management surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := nodeContextFromFlags(cmd)

		ca, err := bootstrapCA(ctx)
		if err != nil {
			return fmt.Errorf("bootstrap cluster CA: %w", err)
		}
		if err := issueNodeCert(ctx, ca); err != nil {
			return fmt.Errorf("issue node certificate: %w", err)
		}
		if err := issueCLICert(ctx, ca); err != nil {
			return fmt.Errorf("issue cli certificate: %w", err)
		}

		coord, err := coordinator.New(&coordinator.Config{
			NodeID:   ctx.nodeID,
			BindAddr: ctx.raftAddr,
			DataDir:  filepath.Join(ctx.dataDir, "coordinator"),
		})
		if err != nil {
			return fmt.Errorf("create coordinator: %w", err)
		}
		if err := coord.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap coordinator: %w", err)
		}

		return runNode(ctx, coord)
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing vdisk cluster",
	Long: `Join starts this node's coordinator voter and asks the leader at
--leader-addr to admit it to the raft group. This node's certificate and
the cluster CA must already be provisioned locally (see "volumed cert
import") before joining: there is no remote certificate issuance path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := nodeContextFromFlags(cmd)

		leaderAddr, _ := cmd.Flags().GetString("leader-addr")
		token, _ := cmd.Flags().GetString("join-token")
		if leaderAddr == "" {
			return fmt.Errorf("--leader-addr is required")
		}

		certDir, err := security.GetCertDir("node", ctx.nodeID)
		if err != nil {
			return fmt.Errorf("get cert directory: %w", err)
		}
		if !security.CertExists(certDir) {
			return fmt.Errorf("no certificate provisioned for node %s in %s, run \"volumed cert import\" first", ctx.nodeID, certDir)
		}

		coord, err := coordinator.New(&coordinator.Config{
			NodeID:   ctx.nodeID,
			BindAddr: ctx.raftAddr,
			DataDir:  filepath.Join(ctx.dataDir, "coordinator"),
		})
		if err != nil {
			return fmt.Errorf("create coordinator: %w", err)
		}

		joiner, err := client.NewClient(ctx.clusterID, leaderAddr)
		if err != nil {
			return fmt.Errorf("dial leader %s: %w", leaderAddr, err)
		}
		defer joiner.Close()

		if err := coord.Join(leaderAddr, token, joiner); err != nil {
			return fmt.Errorf("join coordinator raft group: %w", err)
		}

		return runNode(ctx, coord)
	},
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)

	addNodeFlags(clusterInitCmd)
	addNodeFlags(clusterJoinCmd)
	clusterJoinCmd.Flags().String("leader-addr", "", "Management API address of an existing cluster member")
	clusterJoinCmd.Flags().String("join-token", "", "Join token issued by the cluster leader")
}

// nodeCtx collects one invocation's flags so runNode and the bootstrap
// helpers don't each have to reparse cmd.Flags().
type nodeCtx struct {
	clusterID           string
	nodeID              string
	raftAddr            string
	apiAddr             string
	dataDir             string
	backendKind         string
	backendRoot         string
	s3Endpoint          string
	s3Region            string
	s3Bucket            string
	s3AccessKey         string
	s3SecretKey         string
	s3PathStyle         bool
	scoCacheBytes       uint64
	clusterCacheEntries int
	uploadPoolSize      int
}

func nodeContextFromFlags(cmd *cobra.Command) nodeCtx {
	var ctx nodeCtx
	ctx.clusterID, _ = cmd.Flags().GetString("cluster-id")
	ctx.nodeID, _ = cmd.Flags().GetString("node-id")
	ctx.raftAddr, _ = cmd.Flags().GetString("raft-addr")
	ctx.apiAddr, _ = cmd.Flags().GetString("api-addr")
	ctx.dataDir, _ = cmd.Flags().GetString("data-dir")
	ctx.backendKind, _ = cmd.Flags().GetString("backend")
	ctx.backendRoot, _ = cmd.Flags().GetString("backend-root")
	ctx.s3Endpoint, _ = cmd.Flags().GetString("s3-endpoint")
	ctx.s3Region, _ = cmd.Flags().GetString("s3-region")
	ctx.s3Bucket, _ = cmd.Flags().GetString("s3-bucket")
	ctx.s3AccessKey, _ = cmd.Flags().GetString("s3-access-key")
	ctx.s3SecretKey, _ = cmd.Flags().GetString("s3-secret-key")
	ctx.s3PathStyle, _ = cmd.Flags().GetBool("s3-path-style")
	ctx.scoCacheBytes, _ = cmd.Flags().GetUint64("sco-cache-bytes")
	ctx.clusterCacheEntries, _ = cmd.Flags().GetInt("cluster-cache-entries")
	ctx.uploadPoolSize, _ = cmd.Flags().GetInt("upload-pool-size")
	if ctx.backendRoot == "" {
		ctx.backendRoot = filepath.Join(ctx.dataDir, "backend")
	}
	return ctx
}

func (ctx nodeCtx) backendFactory() (backend.Factory, error) {
	switch ctx.backendKind {
	case "local", "":
		return localbackend.NewFactory(ctx.backendRoot), nil
	case "s3":
		if ctx.s3Bucket == "" {
			return nil, fmt.Errorf("--s3-bucket is required for the s3 backend")
		}
		return s3backend.NewFactory(s3backend.Config{
			Endpoint:        ctx.s3Endpoint,
			Region:          ctx.s3Region,
			AccessKeyID:     ctx.s3AccessKey,
			SecretAccessKey: ctx.s3SecretKey,
			PathStyle:       ctx.s3PathStyle,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q, want \"local\" or \"s3\"", ctx.backendKind)
	}
}

// runNode wires the coordinator into a Router, Host, metrics Collector and
// Management API server, and blocks until an interrupt or the API server
// fails, mirroring the teacher's cluster-init shutdown sequence.
func runNode(ctx nodeCtx, coord *coordinator.Coordinator) error {
	logger := log.WithNodeID(ctx.nodeID)

	be, err := ctx.backendFactory()
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	rtr := router.New(ctx.nodeID, coord, broker, router.DefaultWriteThreshold, router.DefaultReadThreshold)

	pool := volumeengine.NewUploadPool(ctx.uploadPoolSize)

	host := volumehost.New(volumehost.Config{
		NodeID:                ctx.nodeID,
		Coordinator:           coord,
		Router:                rtr,
		BackendFactory:        be,
		DataDir:               filepath.Join(ctx.dataDir, "volumes"),
		SCOCacheCapacityBytes: ctx.scoCacheBytes,
		ClusterCacheEntries:   ctx.clusterCacheEntries,
		Pool:                  pool,
		Broker:                broker,
	})

	srv, err := api.NewServer(ctx.clusterID, ctx.nodeID, host, rtr)
	if err != nil {
		return fmt.Errorf("create management api server: %w", err)
	}

	lis, err := net.Listen("tcp", ctx.apiAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ctx.apiAddr, err)
	}

	collector := metrics.NewCollector(coord)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	logger.Info().Str("api_addr", ctx.apiAddr).Str("raft_addr", ctx.raftAddr).Msg("node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("management api server exited")
		}
	}

	srv.Stop()
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("shut down coordinator: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// bootstrapCA creates a fresh root CA for ctx.clusterID, derives the
// cluster encryption key from the cluster id, and saves the CA to a file
// store under ctx.dataDir. Only cluster init calls this: a joining node
// gets its identity from "volumed cert import" instead.
func bootstrapCA(ctx nodeCtx) (*security.CertAuthority, error) {
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(ctx.clusterID)); err != nil {
		return nil, err
	}

	store := &fileCAStore{path: filepath.Join(ctx.dataDir, "ca.json")}
	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		return nil, err
	}
	if err := ca.SaveToStore(); err != nil {
		return nil, err
	}
	return ca, nil
}

func issueNodeCert(ctx nodeCtx, ca *security.CertAuthority) error {
	host, _, err := net.SplitHostPort(ctx.raftAddr)
	if err != nil {
		host = ctx.raftAddr
	}
	dnsNames := []string{"localhost"}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else if host != "" {
		dnsNames = append(dnsNames, host)
	}

	cert, err := ca.IssueNodeCertificate(ctx.nodeID, "node", dnsNames, ips)
	if err != nil {
		return err
	}

	certDir, err := security.GetCertDir("node", ctx.nodeID)
	if err != nil {
		return err
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return err
	}
	return security.SaveCACertToFile(ca.GetRootCACert(), certDir)
}

func issueCLICert(ctx nodeCtx, ca *security.CertAuthority) error {
	cert, err := ca.IssueClientCertificate(ctx.clusterID)
	if err != nil {
		return err
	}
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return err
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return err
	}
	return security.SaveCACertToFile(ca.GetRootCACert(), certDir)
}

// fileCAStore persists the cluster CA as a single encrypted file on disk.
// It is the file-backed security.CAStore vdisk didn't have one of yet.
type fileCAStore struct {
	path string
}

func (s *fileCAStore) GetCA() ([]byte, error) {
	return os.ReadFile(s.path)
}

func (s *fileCAStore) SaveCA(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage this node's certificates",
}

var certImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Install a node certificate issued by the cluster's CA",
	Long: `Import copies a CA certificate, node certificate and node key
produced elsewhere (typically on the node that ran "cluster init") into
this node's certificate directory, so it can join the cluster.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		caCertFile, _ := cmd.Flags().GetString("ca-cert")
		nodeCertFile, _ := cmd.Flags().GetString("node-cert")
		nodeKeyFile, _ := cmd.Flags().GetString("node-key")

		certDir, err := security.GetCertDir("node", nodeID)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(certDir, 0o700); err != nil {
			return err
		}
		if err := copyFile(caCertFile, filepath.Join(certDir, "ca.crt"), 0o644); err != nil {
			return fmt.Errorf("import ca certificate: %w", err)
		}
		if err := copyFile(nodeCertFile, filepath.Join(certDir, "node.crt"), 0o600); err != nil {
			return fmt.Errorf("import node certificate: %w", err)
		}
		if err := copyFile(nodeKeyFile, filepath.Join(certDir, "node.key"), 0o600); err != nil {
			return fmt.Errorf("import node key: %w", err)
		}
		fmt.Printf("certificate installed in %s\n", certDir)
		return nil
	},
}

func init() {
	certCmd.AddCommand(certImportCmd)
	certImportCmd.Flags().String("node-id", "", "This node's identifier (required)")
	certImportCmd.Flags().String("ca-cert", "", "Path to the cluster CA certificate (required)")
	certImportCmd.Flags().String("node-cert", "", "Path to this node's certificate (required)")
	certImportCmd.Flags().String("node-key", "", "Path to this node's private key (required)")
	_ = certImportCmd.MarkFlagRequired("node-id")
	_ = certImportCmd.MarkFlagRequired("ca-cert")
	_ = certImportCmd.MarkFlagRequired("node-cert")
	_ = certImportCmd.MarkFlagRequired("node-key")
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}
