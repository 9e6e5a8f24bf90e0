// Package metrics defines and registers vdisk's Prometheus metrics:
// coordinator/raft health, management RPC latency, SCO cache occupancy,
// cluster cache hit rate, TLog seal rate, DTL queue depth and round-trip
// latency, and volume/snapshot/migration operation durations. Metrics are
// exposed for scraping via Handler().
package metrics
