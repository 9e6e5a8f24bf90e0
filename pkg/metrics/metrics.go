package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster / coordinator metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vdisk_nodes_total",
			Help: "Total number of cluster nodes by status",
		},
		[]string{"status"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vdisk_volumes_total",
			Help: "Total number of registered volumes by state",
		},
		[]string{"state"},
	)

	CoordinatorCASConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdisk_coordinator_cas_conflicts_total",
			Help: "Total number of owner-tag CAS conflicts observed by the coordinator",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdisk_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdisk_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdisk_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdisk_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdisk_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Management RPC metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdisk_api_requests_total",
			Help: "Total number of management RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vdisk_api_request_duration_seconds",
			Help:    "Management RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// SCO cache metrics
	SCOCacheOccupiedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdisk_sco_cache_occupied_bytes",
			Help: "Bytes currently occupied in the SCO cache across all mount points",
		},
	)

	SCOCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdisk_sco_cache_evictions_total",
			Help: "Total number of SCOs evicted from the SCO cache",
		},
	)

	SCOCacheFillRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdisk_sco_cache_fill_ratio",
			Help: "Fraction of SCO cache capacity currently occupied",
		},
	)

	// Cluster cache metrics
	ClusterCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdisk_cluster_cache_hits_total",
			Help: "Total cluster cache lookups that hit, by mode",
		},
		[]string{"mode"},
	)

	ClusterCacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdisk_cluster_cache_misses_total",
			Help: "Total cluster cache lookups that missed, by mode",
		},
		[]string{"mode"},
	)

	// TLog metrics
	TLogSealsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdisk_tlog_seals_total",
			Help: "Total number of TLogs sealed and rolled over",
		},
	)

	TLogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdisk_tlog_append_duration_seconds",
			Help:    "Time taken to append and durably fsync a TLog entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DTL metrics
	DtlQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vdisk_dtl_queue_depth",
			Help: "Number of in-flight (unacknowledged) entries queued to a volume's DTL",
		},
		[]string{"volume_id"},
	)

	DtlRoundTripDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdisk_dtl_round_trip_duration_seconds",
			Help:    "Round-trip latency of a synchronous DTL acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	DtlStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdisk_dtl_state_transitions_total",
			Help: "Total DTL state transitions by target state",
		},
		[]string{"state"},
	)

	// Volume engine operation metrics
	VolumeCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdisk_volume_create_duration_seconds",
			Help:    "Time taken to create a volume in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdisk_snapshot_create_duration_seconds",
			Help:    "Time taken to cut a snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackendSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vdisk_backend_sync_duration_seconds",
			Help:    "Time taken to sync a TLog or SCO to the backend",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"object_type"},
	)

	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdisk_migrations_total",
			Help: "Total number of ownership migrations by kind (voluntary/stolen)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(CoordinatorCASConflicts)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SCOCacheOccupiedBytes)
	prometheus.MustRegister(SCOCacheEvictionsTotal)
	prometheus.MustRegister(SCOCacheFillRatio)
	prometheus.MustRegister(ClusterCacheHitsTotal)
	prometheus.MustRegister(ClusterCacheMissesTotal)
	prometheus.MustRegister(TLogSealsTotal)
	prometheus.MustRegister(TLogAppendDuration)
	prometheus.MustRegister(DtlQueueDepth)
	prometheus.MustRegister(DtlRoundTripDuration)
	prometheus.MustRegister(DtlStateTransitionsTotal)
	prometheus.MustRegister(VolumeCreateDuration)
	prometheus.MustRegister(SnapshotCreateDuration)
	prometheus.MustRegister(BackendSyncDuration)
	prometheus.MustRegister(MigrationsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
