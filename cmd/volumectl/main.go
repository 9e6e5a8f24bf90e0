package main

import (
	"fmt"
	"os"

	"github.com/cuemby/vdisk/pkg/client"
	"github.com/cuemby/vdisk/pkg/types"
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
	Use:   "volumectl",
	Short: "volumectl - vdisk cluster management client",
	Long: `volumectl talks to a vdisk node's management gRPC surface to create,
snapshot, migrate and otherwise administer volumes across the cluster.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"volumectl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("cluster-id", "", "Cluster identifier (required)")
	rootCmd.PersistentFlags().String("server", "127.0.0.1:7373", "Address of any node's management API")
	_ = rootCmd.MarkPersistentFlagRequired("cluster-id")

	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(clusterCmd)
}

func connect(cmd *cobra.Command) (*client.Client, error) {
	clusterID, _ := cmd.Flags().GetString("cluster-id")
	server, _ := cmd.Flags().GetString("server")
	return client.NewClient(clusterID, server)
}

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

func addVolumeConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("namespace", "", "Backend namespace this volume's objects live under (required)")
	cmd.Flags().Uint32("lba-size", 512, "Bytes per logical block")
	cmd.Flags().Uint32("cluster-multiplier", 16, "Logical blocks per cluster (cluster_size = lba-size * cluster-multiplier)")
	cmd.Flags().Uint32("sco-multiplier", 1024, "Clusters per SCO")
	cmd.Flags().Uint32("tlog-multiplier", 64, "SCOs per TLog")
	cmd.Flags().Int("metadata-cache-size", 100000, "In-memory MetaData Store entry cache size")
	cmd.Flags().String("cluster-cache-mode", string(types.ClusterCacheContentBased), "Cluster Cache keying scheme: ContentBased or LocationBased")
	cmd.Flags().String("cluster-cache-behaviour", string(types.CacheBehaviourCacheOnRead), "Cluster Cache population policy: NoCache, CacheOnRead or CacheOnWrite")
	cmd.Flags().Int("cluster-cache-limit", 100000, "Cluster Cache entry limit")
	cmd.Flags().Uint64("max-size", 0, "Maximum volume size in bytes (0 for unbounded)")
	_ = cmd.MarkFlagRequired("namespace")
}

func volumeConfigFromFlags(cmd *cobra.Command, id string) (types.VolumeConfiguration, error) {
	namespace, _ := cmd.Flags().GetString("namespace")
	lbaSize, _ := cmd.Flags().GetUint32("lba-size")
	clusterMultiplier, _ := cmd.Flags().GetUint32("cluster-multiplier")
	scoMultiplier, _ := cmd.Flags().GetUint32("sco-multiplier")
	tlogMultiplier, _ := cmd.Flags().GetUint32("tlog-multiplier")
	metadataCacheSize, _ := cmd.Flags().GetInt("metadata-cache-size")
	cacheMode, _ := cmd.Flags().GetString("cluster-cache-mode")
	cacheBehaviour, _ := cmd.Flags().GetString("cluster-cache-behaviour")
	cacheLimit, _ := cmd.Flags().GetInt("cluster-cache-limit")
	maxSize, _ := cmd.Flags().GetUint64("max-size")

	return types.VolumeConfiguration{
		ID:                    id,
		BackendNamespace:      namespace,
		LBASize:               lbaSize,
		ClusterMultiplier:     clusterMultiplier,
		SCOMultiplier:         scoMultiplier,
		TLogMultiplier:        tlogMultiplier,
		MetadataCacheSize:     metadataCacheSize,
		ClusterCacheMode:      types.ClusterCacheMode(cacheMode),
		ClusterCacheBehaviour: types.ClusterCacheBehaviour(cacheBehaviour),
		ClusterCacheLimit:     cacheLimit,
		MaxVolumeSize:         maxSize,
	}, nil
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Create a new volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := volumeConfigFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.CreateVolume(cfg); err != nil {
			return fmt.Errorf("create volume %s: %w", args[0], err)
		}
		fmt.Printf("volume %s created\n", args[0])
		return nil
	},
}

var volumeCloneCmd = &cobra.Command{
	Use:   "clone ID PARENT_ID PARENT_SNAPSHOT",
	Short: "Create a new volume cloned from a parent's snapshot",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := volumeConfigFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.CreateClone(cfg, args[1], args[2]); err != nil {
			return fmt.Errorf("clone volume %s from %s@%s: %w", args[0], args[1], args[2], err)
		}
		fmt.Printf("volume %s created as a clone of %s@%s\n", args[0], args[1], args[2])
		return nil
	},
}

var volumeDestroyCmd = &cobra.Command{
	Use:   "destroy ID",
	Short: "Destroy a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteLocal, _ := cmd.Flags().GetBool("delete-local-data")
		removeCompletely, _ := cmd.Flags().GetBool("remove-completely")
		force, _ := cmd.Flags().GetBool("force")

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		err = c.Destroy(args[0], types.DestroyOptions{
			DeleteLocalData:  deleteLocal,
			RemoveCompletely: removeCompletely,
			Force:            force,
		})
		if err != nil {
			return fmt.Errorf("destroy volume %s: %w", args[0], err)
		}
		fmt.Printf("volume %s destroyed\n", args[0])
		return nil
	},
}

var volumeStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a volume's local runtime state without destroying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteLocal, _ := cmd.Flags().GetBool("delete-local-data")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Stop(args[0], deleteLocal); err != nil {
			return fmt.Errorf("stop volume %s: %w", args[0], err)
		}
		fmt.Printf("volume %s stopped\n", args[0])
		return nil
	},
}

var volumeRestartCmd = &cobra.Command{
	Use:   "restart ID",
	Short: "Reopen a stopped volume's local runtime state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := volumeConfigFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Restart(args[0], cfg); err != nil {
			return fmt.Errorf("restart volume %s: %w", args[0], err)
		}
		fmt.Printf("volume %s restarted\n", args[0])
		return nil
	},
}

var volumeMigrateCmd = &cobra.Command{
	Use:   "migrate ID TO_NODE",
	Short: "Move a volume's ownership to another node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Migrate(args[0], args[1], force); err != nil {
			return fmt.Errorf("migrate volume %s to %s: %w", args[0], args[1], err)
		}
		fmt.Printf("volume %s migrated to %s\n", args[0], args[1])
		return nil
	},
}

var volumeSyncCmd = &cobra.Command{
	Use:   "sync ID",
	Short: "Force an out-of-band TLog rollover and backend upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		tlogID, err := c.ScheduleBackendSync(args[0])
		if err != nil {
			return fmt.Errorf("schedule backend sync for volume %s: %w", args[0], err)
		}
		fmt.Printf("sealed tlog %s, uploading to backend\n", tlogID)
		return nil
	},
}

var volumeSyncedCmd = &cobra.Command{
	Use:   "synced ID TLOG_ID",
	Short: "Report whether a TLog has reached the backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		synced, err := c.IsSyncedUpTo(args[0], types.TLogID(args[1]))
		if err != nil {
			return fmt.Errorf("check sync status for volume %s: %w", args[0], err)
		}
		fmt.Println(synced)
		return nil
	},
}

var volumeSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage volume snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create ID NAME",
	Short: "Take a named snapshot of a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, _ := cmd.Flags().GetStringToString("metadata")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		snap, err := c.CreateSnapshot(args[0], args[1], meta)
		if err != nil {
			return fmt.Errorf("create snapshot %s of volume %s: %w", args[1], args[0], err)
		}
		fmt.Printf("snapshot %s created (%s)\n", snap.Name, snap.UUID)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list ID",
	Short: "List a volume's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		snaps, err := c.ListSnapshots(args[0])
		if err != nil {
			return fmt.Errorf("list snapshots for volume %s: %w", args[0], err)
		}
		if len(snaps) == 0 {
			fmt.Println("no snapshots found")
			return nil
		}
		fmt.Printf("%-36s %-20s %-25s %s\n", "UUID", "NAME", "CREATED", "DURABLE")
		for _, s := range snaps {
			fmt.Printf("%-36s %-20s %-25s %v\n", s.UUID, s.Name, s.CreatedAt.Format("2006-01-02 15:04:05"), s.InBackend)
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore ID NAME",
	Short: "Roll a volume back to a named snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RestoreSnapshot(args[0], args[1]); err != nil {
			return fmt.Errorf("restore volume %s to snapshot %s: %w", args[0], args[1], err)
		}
		fmt.Printf("volume %s restored to snapshot %s\n", args[0], args[1])
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete ID NAME",
	Short: "Remove a named snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DeleteSnapshot(args[0], args[1]); err != nil {
			return fmt.Errorf("delete snapshot %s of volume %s: %w", args[1], args[0], err)
		}
		fmt.Printf("snapshot %s deleted\n", args[1])
		return nil
	},
}

var volumeSetFailoverCacheCmd = &cobra.Command{
	Use:   "set-failover-cache ID",
	Short: "Attach or detach a volume's DTL peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detach, _ := cmd.Flags().GetBool("detach")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		mode, _ := cmd.Flags().GetString("mode")

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var cfg *types.DtlConfig
		if !detach {
			cfg = &types.DtlConfig{Host: host, Port: port, Mode: types.DtlMode(mode)}
		}
		if err := c.SetFailoverCacheConfig(args[0], cfg); err != nil {
			return fmt.Errorf("set failover cache for volume %s: %w", args[0], err)
		}
		fmt.Printf("volume %s failover cache updated\n", args[0])
		return nil
	},
}

var volumeSetClusterCacheModeCmd = &cobra.Command{
	Use:   "set-cluster-cache-mode ID MODE",
	Short: "Change a volume's Cluster Cache keying scheme (ContentBased or LocationBased)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetClusterCacheMode(args[0], types.ClusterCacheMode(args[1])); err != nil {
			return fmt.Errorf("set cluster cache mode for volume %s: %w", args[0], err)
		}
		return nil
	},
}

var volumeSetClusterCacheBehaviourCmd = &cobra.Command{
	Use:   "set-cluster-cache-behaviour ID BEHAVIOUR",
	Short: "Change when a volume's Cluster Cache is populated (NoCache, CacheOnRead, CacheOnWrite)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetClusterCacheBehaviour(args[0], types.ClusterCacheBehaviour(args[1])); err != nil {
			return fmt.Errorf("set cluster cache behaviour for volume %s: %w", args[0], err)
		}
		return nil
	},
}

var volumeSetClusterCacheLimitCmd = &cobra.Command{
	Use:   "set-cluster-cache-limit ID LIMIT",
	Short: "Change a volume's Cluster Cache entry limit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var limit int
		if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[1], err)
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetClusterCacheLimit(args[0], limit); err != nil {
			return fmt.Errorf("set cluster cache limit for volume %s: %w", args[0], err)
		}
		return nil
	},
}

var volumeSetSCOMultiplierCmd = &cobra.Command{
	Use:   "set-sco-multiplier ID N",
	Short: "Change a volume's clusters-per-SCO",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n uint32
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
			return fmt.Errorf("invalid multiplier %q: %w", args[1], err)
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetSCOMultiplier(args[0], n); err != nil {
			return fmt.Errorf("set sco multiplier for volume %s: %w", args[0], err)
		}
		return nil
	},
}

var volumeSetTLogMultiplierCmd = &cobra.Command{
	Use:   "set-tlog-multiplier ID N",
	Short: "Change a volume's SCOs-per-TLog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n uint32
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
			return fmt.Errorf("invalid multiplier %q: %w", args[1], err)
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetTLogMultiplier(args[0], n); err != nil {
			return fmt.Errorf("set tlog multiplier for volume %s: %w", args[0], err)
		}
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage cluster node reachability",
}

var nodeOnlineCmd = &cobra.Command{
	Use:   "online NODE_ID",
	Short: "Mark a node as reachable again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.MarkNodeOnline(args[0]); err != nil {
			return fmt.Errorf("mark node %s online: %w", args[0], err)
		}
		fmt.Printf("node %s marked online\n", args[0])
		return nil
	},
}

var nodeOfflineCmd = &cobra.Command{
	Use:   "offline NODE_ID",
	Short: "Mark a node as unreachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.MarkNodeOffline(args[0]); err != nil {
			return fmt.Errorf("mark node %s offline: %w", args[0], err)
		}
		fmt.Printf("node %s marked offline\n", args[0])
		return nil
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster membership operations",
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join NODE_ID BIND_ADDR",
	Short: "Ask the connected node to admit NODE_ID as a raft voter",
	Long: `join sends a JoinCluster request directly: used when a node has
already started its own coordinator voter (see "volumed cluster join") and
just needs an existing member to call AddVoter on its behalf with a
pre-shared token.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.JoinCluster(args[0], args[1], token); err != nil {
			return fmt.Errorf("join %s (%s): %w", args[0], args[1], err)
		}
		fmt.Printf("node %s admitted to the raft group\n", args[0])
		return nil
	},
}

func init() {
	addVolumeConfigFlags(volumeCreateCmd)
	addVolumeConfigFlags(volumeCloneCmd)
	addVolumeConfigFlags(volumeRestartCmd)

	volumeDestroyCmd.Flags().Bool("delete-local-data", false, "Also remove this node's on-disk data")
	volumeDestroyCmd.Flags().Bool("remove-completely", false, "Also remove every backend object")
	volumeDestroyCmd.Flags().Bool("force", false, "Destroy even if the volume cannot be quiesced cleanly")

	volumeStopCmd.Flags().Bool("delete-local-data", false, "Also remove this node's on-disk data")

	volumeMigrateCmd.Flags().Bool("force", false, "Steal ownership instead of a graceful handoff")

	snapshotCreateCmd.Flags().StringToString("metadata", map[string]string{}, "Arbitrary key=value metadata to attach to the snapshot")

	volumeSetFailoverCacheCmd.Flags().Bool("detach", false, "Detach the volume's current DTL peer instead of attaching one")
	volumeSetFailoverCacheCmd.Flags().String("host", "", "DTL peer host")
	volumeSetFailoverCacheCmd.Flags().Int("port", 0, "DTL peer port")
	volumeSetFailoverCacheCmd.Flags().String("mode", string(types.DtlAsynchronous), "Acknowledgement mode: Asynchronous or Synchronous")

	clusterJoinCmd.Flags().String("token", "", "Join token issued by the cluster leader")

	volumeSnapshotCmd.AddCommand(snapshotCreateCmd)
	volumeSnapshotCmd.AddCommand(snapshotListCmd)
	volumeSnapshotCmd.AddCommand(snapshotRestoreCmd)
	volumeSnapshotCmd.AddCommand(snapshotDeleteCmd)

	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(volumeCloneCmd)
	volumeCmd.AddCommand(volumeDestroyCmd)
	volumeCmd.AddCommand(volumeStopCmd)
	volumeCmd.AddCommand(volumeRestartCmd)
	volumeCmd.AddCommand(volumeMigrateCmd)
	volumeCmd.AddCommand(volumeSyncCmd)
	volumeCmd.AddCommand(volumeSyncedCmd)
	volumeCmd.AddCommand(volumeSnapshotCmd)
	volumeCmd.AddCommand(volumeSetFailoverCacheCmd)
	volumeCmd.AddCommand(volumeSetClusterCacheModeCmd)
	volumeCmd.AddCommand(volumeSetClusterCacheBehaviourCmd)
	volumeCmd.AddCommand(volumeSetClusterCacheLimitCmd)
	volumeCmd.AddCommand(volumeSetSCOMultiplierCmd)
	volumeCmd.AddCommand(volumeSetTLogMultiplierCmd)

	nodeCmd.AddCommand(nodeOnlineCmd)
	nodeCmd.AddCommand(nodeOfflineCmd)

	clusterCmd.AddCommand(clusterJoinCmd)
}
