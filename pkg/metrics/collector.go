package metrics

import "time"

// RaftStats is the subset of hashicorp/raft.Stats this package cares about.
type RaftStats struct {
	IsLeader     bool
	Peers        int
	LastLogIndex uint64
	AppliedIndex uint64
}

// StatsSource is implemented by pkg/coordinator. The metrics package depends
// on this narrow interface rather than on the coordinator package directly,
// so that pkg/coordinator is free to depend on pkg/metrics for instrumenting
// its own RPCs without an import cycle.
type StatsSource interface {
	RaftStats() RaftStats
	NodeCountsByStatus() map[string]int
	VolumeCountsByState() map[string]int
}

// Collector periodically snapshots coordinator/raft state into the
// package's gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectVolumeMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectNodeMetrics() {
	for status, count := range c.source.NodeCountsByStatus() {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectVolumeMetrics() {
	for state, count := range c.source.VolumeCountsByState() {
		VolumesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	stats := c.source.RaftStats()

	if stats.IsLeader {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	RaftPeers.Set(float64(stats.Peers))
	RaftLogIndex.Set(float64(stats.LastLogIndex))
	RaftAppliedIndex.Set(float64(stats.AppliedIndex))
}
