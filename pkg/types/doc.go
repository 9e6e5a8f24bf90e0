/*
Package types defines the core data structures used throughout vdisk.

This package contains the fundamental types that represent vdisk's domain
model: cluster addressing, SCO and TLog identity, volume configuration,
ownership and fencing, object registrations, and the normalised error
taxonomy carried across the management/router RPC boundary.

# Architecture

The types package is the foundation everything else builds on:

  - Addressing: ClusterAddress, ClusterLocation, ClusterLocationAndHash
  - SCO/TLog identity: SCONumber, CloneGeneration, TLogID, RecordKind
  - Volume state: VolumeConfiguration, VolumeState, VolumeRole
  - Durability: DtlMode, DtlState, DtlPolicy, DtlConfig
  - Caching: ClusterCacheMode, ClusterCacheBehaviour, CacheHandle
  - Ownership: OwnerTag, ObjectRegistration, RedirectInfo
  - Errors: ErrorCode, Error

All types are designed to be self-documenting and to serialise cleanly
(JSON for control-plane objects, a fixed binary layout for on-disk TLog
records defined in pkg/tlog).

# Cluster addressing

A ClusterAddress is the unit of addressing below the front-end. It maps,
through the MetaData Store, to a ClusterLocationAndHash: a physical
placement inside some SCO plus the content hash used both for
content-based caching and for read-back corruption checks. The zero
ClusterLocation is reserved to mean "never written" and reads as all
zeroes without touching the SCO Cache or backend.

# Ownership and fencing

OwnerTag is the single invariant that makes fencing work (spec.md §5): no
component may write a backend object that identifies a volume without
stamping its current tag, and the Coordinator (pkg/coordinator) is the
only authority allowed to advance it.
*/
package types
