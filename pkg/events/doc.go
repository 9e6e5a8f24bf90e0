// Package events provides an in-memory event broker for vdisk.
//
// The Broker fans out the lifecycle events named in spec.md §6
// (VolumeUpAndRunning, SnapshotOnBackend, VolumeHalted, OwnerChanged,
// DtlStateChanged) to any number of subscribers — front-ends, metrics
// collectors, or an out-of-process notifier — without coupling the
// volume engine to any particular consumer. Publish is non-blocking: a
// slow subscriber drops events rather than stalling the write path.
package events
