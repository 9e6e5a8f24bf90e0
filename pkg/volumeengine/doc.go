// Package volumeengine implements the Volume Read/Write Engine: the
// per-volume write serialiser and read pipeline that ties the SCO Cache,
// Cluster Cache, MetaData Store, TLog Subsystem, DTL client, and Snapshot
// Manager together into the operations a front-end or the management
// surface actually calls (spec.md §4.8).
//
// One Engine instance owns one volume namespace. Writes are totally
// ordered through a single mutex held across the SCO write, TLog append,
// and metadata update (the write serialiser of spec.md §5), so TLog
// append order always equals write-ack order. Background SCO and TLog
// uploads run on a bounded pool (pool.go) so the write path itself never
// blocks on the backend.
package volumeengine
